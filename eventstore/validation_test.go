package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lighthouse-core/lighthouse/core"
)

func TestValidateEventAcceptsSafeEvent(t *testing.T) {
	ev := &core.Event{
		EventType:   core.EventCommandReceived,
		AggregateID: "safe-command",
		Data:        map[string]interface{}{"command": "ls", "args": []interface{}{"-la"}},
	}
	require.NoError(t, ValidateEvent(ev))
}

func TestValidateEventRejectsNullByte(t *testing.T) {
	ev := &core.Event{
		EventType:   core.EventCommandReceived,
		AggregateID: "null-byte",
		Data:        map[string]interface{}{"malicious": "file.txt\x00.exe"},
	}
	err := ValidateEvent(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestValidateEventRejectsExcessiveNesting(t *testing.T) {
	nested := map[string]interface{}{"level": 1}
	current := nested
	for i := 2; i < 15; i++ {
		deeper := map[string]interface{}{"level": i}
		current["deeper"] = deeper
		current = deeper
	}
	ev := &core.Event{EventType: core.EventCommandReceived, AggregateID: "nested", Data: nested}

	err := ValidateEvent(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestValidateBatchRejectsOversizedBatch(t *testing.T) {
	events := make([]*core.Event, core.MaxBatchEvents+1)
	for i := range events {
		events[i] = newEvent(core.EventCommandReceived, "agg")
	}
	err := ValidateBatch(events)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	dangerous := []string{
		"/allowed/../../../etc/passwd",
		"../../../etc/passwd",
		"file:///etc/passwd",
		"http://evil.com/malware",
	}
	for _, p := range dangerous {
		err := ValidatePath(p, []string{"/allowed"})
		assert.Error(t, err, "expected rejection for %q", p)
	}
}

func TestValidatePathAllowsWithinBase(t *testing.T) {
	err := ValidatePath("/allowed/path/subdir/file.txt", []string{"/allowed"})
	assert.NoError(t, err)
}

func TestValidatePathRejectsSystemDirectories(t *testing.T) {
	for _, p := range []string{"/etc/passwd", "/usr/bin/bash", "/proc/version"} {
		err := ValidatePath(p, []string{"/tmp"})
		assert.Error(t, err, "expected rejection for %q", p)
	}
}
