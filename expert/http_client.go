package expert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lighthouse-core/lighthouse/core"
)

// HTTPClient implements Client by POSTing a ValidationRequest to whatever
// base URL an expert registered under, and decoding a ValidationResult back
// (spec §4.5 treats the expert transport as opaque; an HTTP expert service
// is the common case a single-binary deployment reaches for).
type HTTPClient struct {
	httpClient *http.Client
	endpoints  map[string]string // expert_id -> base URL
	logger     core.Logger
}

// NewHTTPClient builds an HTTPClient. endpoints maps expert_id to the base
// URL its validation endpoint is served from; requests are POSTed to
// "<base>/validate".
func NewHTTPClient(endpoints map[string]string, timeout time.Duration, logger core.Logger) *HTTPClient {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  endpoints,
		logger:     logger,
	}
}

type httpRequestBody struct {
	RequestID string                 `json:"request_id"`
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input"`
	AgentID   string                 `json:"agent_id"`
	AgentRole string                 `json:"agent_role"`
}

type httpResponseBody struct {
	Decision         string   `json:"decision"`
	Confidence       string   `json:"confidence"`
	Reason           string   `json:"reason"`
	RiskLevel        string   `json:"risk_level"`
	SecurityConcerns []string `json:"security_concerns"`
}

// Handle implements Client.
func (c *HTTPClient) Handle(ctx context.Context, expertID string, req *core.ValidationRequest) (*core.ValidationResult, error) {
	base, ok := c.endpoints[expertID]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint registered for expert %s", core.ErrNoEligibleExpert, expertID)
	}

	body, err := json.Marshal(httpRequestBody{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		AgentID:   req.AgentID,
		AgentRole: string(req.AgentRole),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding expert request: %v", core.ErrCoordination, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building expert request: %v", core.ErrCoordination, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: calling expert %s: %v", core.ErrExpertTimeout, expertID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading expert response: %v", core.ErrCoordination, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: expert %s returned status %d: %s", core.ErrCoordination, expertID, resp.StatusCode, raw)
	}

	var parsed httpResponseBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding expert response: %v", core.ErrCoordination, err)
	}

	return &core.ValidationResult{
		Decision:         core.ValidationDecision(parsed.Decision),
		Confidence:       core.ValidationConfidence(parsed.Confidence),
		Reason:           parsed.Reason,
		RiskLevel:        parsed.RiskLevel,
		SecurityConcerns: parsed.SecurityConcerns,
	}, nil
}
