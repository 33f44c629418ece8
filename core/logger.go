package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel orders the severities a StructuredLogger will emit.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func parseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// StructuredLogger is the default Logger/ComponentAwareLogger implementation,
// adapted from the teacher's pkg/logger.SimpleLogger: a leveled logger that
// renders a message plus sorted key=value fields to an io.Writer, with a
// component tag carried through WithComponent.
type StructuredLogger struct {
	mu        sync.Mutex
	out       *log.Logger
	level     LogLevel
	component string
}

// NewStructuredLogger creates a logger writing to stderr at the given level.
func NewStructuredLogger(level string) *StructuredLogger {
	return &StructuredLogger{
		out:   log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
		level: parseLogLevel(level),
	}
}

func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{out: l.out, level: l.level, component: component}
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "INFO", msg, fields)
}
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "WARN", msg, fields)
}
func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "ERROR", msg, fields)
}
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "DEBUG", msg, fields)
}

func (l *StructuredLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceFields(ctx, fields))
}
func (l *StructuredLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceFields(ctx, fields))
}

type correlationKey struct{}

// WithCorrelationID stashes a request/trace correlation ID on the context so
// every log line emitted downstream carries it automatically.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(correlationKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["correlation_id"] = id
	return out
}

func (l *StructuredLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString("level=")
	b.WriteString(levelName)
	if l.component != "" {
		b.WriteString(" component=")
		b.WriteString(l.component)
	}
	b.WriteString(" msg=")
	b.WriteString(quoteIfNeeded(msg))

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, quoteIfNeeded(fmt.Sprintf("%v", fields[k])))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(b.String())
}

func quoteIfNeeded(s string) string {
	if strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}

// TimeSince returns the milliseconds elapsed since start, with microsecond
// precision.
func TimeSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
