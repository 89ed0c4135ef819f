package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// RemoteHTTPGateway implements ProviderGateway against a hosted generation
// API. One instance is one attempt executor; retry and fallback live in the
// Router.
type RemoteHTTPGateway struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// RemoteConfig holds remote provider configuration.
type RemoteConfig struct {
	Endpoint string // Generation endpoint URL
	APIKey   string // Bearer token
	Model    string // Model identifier sent with each request
}

// NewRemoteHTTPGateway creates a remote provider gateway. The http.Client
// carries no timeout of its own; the router's per-attempt context is the
// single timeout authority.
func NewRemoteHTTPGateway(cfg RemoteConfig) *RemoteHTTPGateway {
	return &RemoteHTTPGateway{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{},
	}
}

// Name returns the provider identifier.
func (g *RemoteHTTPGateway) Name() string { return "remote:" + g.model }

type remoteRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

type remoteResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Generate runs one generation attempt against the remote API.
func (g *RemoteHTTPGateway) Generate(ctx context.Context, req output.GenerationRequest) (*output.GenerationResponse, error) {
	start := time.Now()

	body, err := json.Marshal(remoteRequest{
		Model:       g.model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, werr.Wrap(werr.CategoryPermanentProvider, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, werr.Wrap(werr.CategoryPermanentProvider, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		// Connection faults and context deadlines both land here; the
		// router reclassifies deadline errors itself.
		return nil, werr.Wrap(werr.CategoryTransientProvider, fmt.Errorf("call %s: %w", g.endpoint, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryTransientProvider, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus(httpResp.StatusCode, respBody)
	}

	var parsed remoteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, werr.Wrap(werr.CategoryTransientProvider, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Output == "" {
		return nil, werr.New(werr.CategoryTransientProvider, "remote provider returned an empty response")
	}

	return &output.GenerationResponse{
		Text:     parsed.Output,
		Provider: g.Name(),
		Duration: time.Since(start),
		Metadata: map[string]string{"model": g.model},
	}, nil
}

// HealthCheck verifies the endpoint is reachable.
func (g *RemoteHTTPGateway) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, g.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("remote provider unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// classifyHTTPStatus maps HTTP status codes onto the failure taxonomy:
// rate limits and server faults are transient, client faults are permanent.
func classifyHTTPStatus(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return werr.New(werr.CategoryTransientProvider, "remote provider throttled (HTTP %d): %s", status, msg)
	case status >= 500:
		return werr.New(werr.CategoryTransientProvider, "remote provider fault (HTTP %d): %s", status, msg)
	default:
		return werr.New(werr.CategoryPermanentProvider, "remote provider rejected request (HTTP %d): %s", status, msg)
	}
}
