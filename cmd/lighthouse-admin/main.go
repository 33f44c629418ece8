// Command lighthouse-admin serves an operator-facing HTTP shell over the
// Bridge Facade: health, expert registration, and ad-hoc event queries. It
// is not the agent-facing MCP/HTTP transport (that contract stays out of
// this repo's scope) — this binary exists so an operator can curl a running
// node without standing up a full client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lighthouse-core/lighthouse/bridge"
	"github.com/lighthouse-core/lighthouse/core"
	"github.com/lighthouse-core/lighthouse/elicitation"
	"github.com/lighthouse-core/lighthouse/eventstore"
	"github.com/lighthouse-core/lighthouse/expert"
	"github.com/lighthouse-core/lighthouse/telemetry"
)

func main() {
	var (
		port            = flag.String("port", "8090", "HTTP listen port")
		configFile      = flag.String("config", "", "path to a YAML config file")
		otelEndpoint    = flag.String("otel-endpoint", "", "OTLP/HTTP collector endpoint (defaults to OTEL_EXPORTER_OTLP_ENDPOINT)")
		ginMode         = flag.String("gin-mode", gin.ReleaseMode, "gin mode: debug, release, test")
		expertEndpoints = flag.String("expert-endpoints", "", "path to a JSON file mapping expert_id to its validation endpoint base URL")
	)
	flag.Parse()

	opts := []core.Option{}
	if *configFile != "" {
		opts = append(opts, core.WithConfigFile(*configFile))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		log.Fatalf("lighthouse-admin: invalid configuration: %v", err)
	}
	logger := cfg.Logger()

	store, err := eventstore.Open(cfg, logger)
	if err != nil {
		log.Fatalf("lighthouse-admin: opening event store: %v", err)
	}

	telemetryProvider, err := telemetry.EnableTelemetry("lighthouse-admin", *otelEndpoint, logger)
	if err != nil {
		logger.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
		telemetryProvider = core.NoOpTelemetry{}
	}

	endpoints, err := loadExpertEndpoints(*expertEndpoints)
	if err != nil {
		log.Fatalf("lighthouse-admin: loading expert endpoints: %v", err)
	}
	expertClient := expert.NewHTTPClient(endpoints, cfg.ExpertTimeout, logger)

	facade, err := bridge.New(cfg, store, expertClient, nil, telemetryProvider)
	if err != nil {
		log.Fatalf("lighthouse-admin: wiring bridge facade: %v", err)
	}
	defer func() {
		if err := facade.Close(); err != nil {
			logger.Error("error during shutdown", map[string]interface{}{"error": err.Error()})
		}
	}()

	gin.SetMode(*ginMode)
	srv := newServer(facade, logger)
	router := srv.routes()

	httpServer := &http.Server{
		Addr:    ":" + *port,
		Handler: router,
	}

	go func() {
		logger.Info("lighthouse-admin listening", map[string]interface{}{"port": *port})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("lighthouse-admin: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

// loadExpertEndpoints reads expert-id-to-base-URL mappings from a JSON
// config file. An empty path starts with no known endpoints; an operator
// registering an expert still needs to add it here, since RegisterExpert
// only records a capability set, not a transport address.
func loadExpertEndpoints(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var endpoints map[string]string
	if err := json.Unmarshal(raw, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// server binds gin handlers to a Facade.
type server struct {
	facade *bridge.Facade
	logger core.Logger
}

func newServer(facade *bridge.Facade, logger core.Logger) *server {
	return &server{facade: facade, logger: logger}
}

func (s *server) routes() *gin.Engine {
	r := gin.Default()

	r.GET("/health", s.handleHealth)
	r.POST("/sessions", s.handleCreateSession)
	r.POST("/experts", s.handleRegisterExpert)
	r.POST("/events/query", s.handleQueryEvents)
	r.POST("/elicitations/:id/respond", s.handleRespondElicitation)

	return r
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.facade.GetHealth(c.Request.Context()))
}

type createSessionRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

func (s *server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.facade.CreateSession(c.Request.Context(), req.AgentID, req.IP, req.UserAgent)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session)
}

type registerExpertRequest struct {
	Token        string          `json:"token" binding:"required"`
	AgentID      string          `json:"agent_id" binding:"required"`
	Capabilities map[string]bool `json:"capabilities" binding:"required"`
	MaxInFlight  int             `json:"max_in_flight"`
}

func (s *server) handleRegisterExpert(c *gin.Context) {
	var req registerExpertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	maxInFlight := req.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	if err := s.facade.RegisterExpert(c.Request.Context(), req.Token, req.AgentID, req.Capabilities, maxInFlight); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": req.AgentID})
}

type queryEventsRequest struct {
	Token        string   `json:"token" binding:"required"`
	AgentID      string   `json:"agent_id" binding:"required"`
	EventTypes   []string `json:"event_types"`
	AggregateIDs []string `json:"aggregate_ids"`
	Offset       int      `json:"offset"`
	Limit        int      `json:"limit"`
}

func (s *server) handleQueryEvents(c *gin.Context) {
	var req queryEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	types := make([]core.EventType, 0, len(req.EventTypes))
	for _, t := range req.EventTypes {
		types = append(types, core.EventType(t))
	}

	result, err := s.facade.QueryEvents(c.Request.Context(), req.Token, req.AgentID, eventstore.Filter{
		EventTypes:   types,
		AggregateIDs: req.AggregateIDs,
		Offset:       req.Offset,
		Limit:        req.Limit,
	})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type respondElicitationRequest struct {
	Token             string                 `json:"token" binding:"required"`
	AgentID           string                 `json:"agent_id" binding:"required"`
	DeliverySignature string                 `json:"delivery_signature" binding:"required"`
	ResponseType      string                 `json:"response_type" binding:"required"`
	Data              map[string]interface{} `json:"data"`
}

func (s *server) handleRespondElicitation(c *gin.Context) {
	var req respondElicitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	applied, err := s.facade.RespondToElicitation(
		c.Request.Context(),
		req.Token,
		req.AgentID,
		c.Param("id"),
		req.DeliverySignature,
		elicitation.ResponseType(req.ResponseType),
		req.Data,
	)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

// statusForError maps internal error kinds to HTTP status codes the way the
// Facade's transport-neutral contract expects callers to.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrAuth), errors.Is(err, core.ErrTokenAgentMismatch), errors.Is(err, core.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrAuthorization):
		return http.StatusForbidden
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case core.IsFailClosed(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
