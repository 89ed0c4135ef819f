package output

import (
	"context"
	"time"

	"github.com/advocai/caseflow/internal/domain/model/stage"
)

// ProviderGateway is the interface for a single generation backend. The
// router owns ordering, retry, and fallback; a gateway only executes one
// attempt and classifies its own failures (werr.CategoryTransientProvider
// or werr.CategoryPermanentProvider).
type ProviderGateway interface {
	// Name returns the provider identifier used in logs and metadata.
	Name() string

	// Generate runs one generation attempt
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)

	// HealthCheck verifies if the provider is reachable
	HealthCheck(ctx context.Context) error
}

// GenerationRequest represents one generation request for a stage.
type GenerationRequest struct {
	Stage       stage.Name    // Requesting stage, for prompts and stub shaping
	Prompt      string        // The prompt to send to the provider
	Timeout     time.Duration // Per-stage timeout budget for one attempt
	MaxTokens   int           // Maximum tokens to generate (if applicable)
	Temperature float64       // Temperature for generation (0.0-1.0)
}

// GenerationResponse is one provider's raw answer, before shape validation.
type GenerationResponse struct {
	Text     string            // Raw response text
	Provider string            // Provider that produced the response
	Duration time.Duration     // Attempt duration
	Degraded bool              // True only for the stub tier's placeholder
	Metadata map[string]string // Additional metadata
}
