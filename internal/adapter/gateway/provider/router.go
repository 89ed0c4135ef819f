package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/advocai/caseflow/internal/app"
	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// Tier is one rung of the fallback cascade: a gateway plus its retry budget.
// The cascade is data, not code; adding or removing a tier is a change to
// the tier list, never to the routing loop.
type Tier struct {
	Gateway output.ProviderGateway
	Retries int           // additional attempts after the first
	Backoff time.Duration // wait before each retry
}

// Router routes one generation request through an ordered list of tiers.
// It guarantees that a transient upstream failure never aborts a request
// while an untried tier remains, and that no response reaches the caller
// without passing the declared output shape.
type Router struct {
	tiers []Tier
}

// RoutedResponse is a shape-validated generation result.
type RoutedResponse struct {
	Payload  json.RawMessage // cleaned, shape-valid JSON payload
	Raw      string          // the provider's unmodified response text
	Provider string          // which gateway produced the response
	Degraded bool            // true when the stub tier answered
}

// NewRouter creates a router over an ordered tier list. Tier order is
// priority order.
func NewRouter(tiers ...Tier) *Router {
	return &Router{tiers: tiers}
}

// DefaultTiers builds the standard cascade: the remote provider with one
// retry after a short backoff, then the local provider, then the stub.
func DefaultTiers(remote, local, stub output.ProviderGateway) []Tier {
	return []Tier{
		{Gateway: remote, Retries: 1, Backoff: 2 * time.Second},
		{Gateway: local},
		{Gateway: stub},
	}
}

// Generate walks the cascade until a tier returns a response that passes
// validate. A permanent failure skips the rest of the tier's budget; a
// transient one is retried within it. A shape-invalid response counts as a
// tier failure, even from the stub: returning unvalidated output is never
// an option.
func (r *Router) Generate(ctx context.Context, req output.GenerationRequest, validate func(raw []byte) error) (*RoutedResponse, error) {
	if len(r.tiers) == 0 {
		return nil, werr.New(werr.CategoryPermanentProvider, "no provider tiers configured")
	}

	logger := app.GetLogger()
	var lastErr error

	for _, tier := range r.tiers {
		name := tier.Gateway.Name()

		for attempt := 0; attempt <= tier.Retries; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if attempt > 0 && tier.Backoff > 0 {
				if err := sleepCtx(ctx, tier.Backoff); err != nil {
					return nil, err
				}
			}

			resp, err := r.attempt(ctx, tier.Gateway, req)
			if err != nil {
				lastErr = err
				if werr.IsPermanent(err) {
					logger.Warn("provider %s failed permanently for stage %s, falling through: %v", name, req.Stage, err)
					break
				}
				logger.Warn("provider %s attempt %d failed for stage %s: %v", name, attempt+1, req.Stage, err)
				continue
			}

			cleaned := CleanJSONText(resp.Text)
			if verr := validate([]byte(cleaned)); verr != nil {
				lastErr = werr.Wrap(werr.CategoryOutputValidation,
					fmt.Errorf("provider %s returned shape-invalid output for stage %s: %w", name, req.Stage, verr))
				logger.Warn("%v", lastErr)
				break
			}

			return &RoutedResponse{
				Payload:  json.RawMessage(cleaned),
				Raw:      resp.Text,
				Provider: resp.Provider,
				Degraded: resp.Degraded,
			}, nil
		}
	}

	return nil, fmt.Errorf("all provider tiers exhausted for stage %s: %w", req.Stage, lastErr)
}

// attempt runs one gateway call under the per-stage timeout budget.
// Exceeding the budget is a transient failure, not an unbounded hang.
func (r *Router) attempt(ctx context.Context, gw output.ProviderGateway, req output.GenerationRequest) (*output.GenerationResponse, error) {
	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := gw.Generate(attemptCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller cancelled; don't reclassify that as provider fault.
			return nil, ctx.Err()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, werr.New(werr.CategoryTransientProvider,
				"provider %s exceeded timeout budget %s", gw.Name(), req.Timeout)
		}
		// Uncategorized provider errors default to transient so an untried
		// tier still gets its chance.
		return nil, werr.Wrap(werr.CategoryTransientProvider, err)
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var fenceRe = regexp.MustCompile("```(?:json)?")

// CleanJSONText strips markdown fences and surrounding prose from a model
// response, keeping the substring between the first '{' and the last '}'.
func CleanJSONText(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = fenceRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "```", "")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		s = s[start : end+1]
	}

	return strings.TrimSpace(s)
}
