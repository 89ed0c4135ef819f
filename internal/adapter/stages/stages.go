// Package stages implements the five fixed workflow stages. Four of them
// (structuring, evidence, regulatory, draft) delegate generation to the
// provider router; review is fully deterministic.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/advocai/caseflow/internal/adapter/gateway/provider"
	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// Generator abstracts the provider router for the stages that need
// generation. *provider.Router satisfies it.
type Generator interface {
	Generate(ctx context.Context, req output.GenerationRequest, validate func(raw []byte) error) (*provider.RoutedResponse, error)
}

// generate runs a prompt through the router under the stage's output shape
// and converts the routed response into a stage output.
func generate(ctx context.Context, g Generator, n stage.Name, prompt string, timeout time.Duration) (*stage.Output, error) {
	validate, err := stage.Validator(n)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryOutputValidation, err)
	}

	resp, err := g.Generate(ctx, output.GenerationRequest{
		Stage:       n,
		Prompt:      prompt,
		Timeout:     timeout,
		MaxTokens:   2048,
		Temperature: 0.0,
	}, validate)
	if err != nil {
		return nil, err
	}

	return &stage.Output{
		Payload:  resp.Payload,
		RawText:  resp.Raw,
		Degraded: resp.Degraded,
	}, nil
}

// priorAs decodes the committed payload of an earlier stage into target.
// A missing or undecodable prior is an input contract violation: the
// pipeline only assembles inputs from committed, shape-valid records.
func priorAs(in stage.Input, n stage.Name, target interface{}) error {
	raw, ok := in.PriorPayload(n)
	if !ok {
		return werr.New(werr.CategoryInvalidInput, "missing committed output of stage %s", n)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return werr.Wrap(werr.CategoryInvalidInput, fmt.Errorf("decode %s output: %w", n, err))
	}
	return nil
}

// validateShapedOutput is the shared ValidateOutput implementation: decode
// the payload under the stage's declared shape and reject on any violation.
func validateShapedOutput(n stage.Name, out *stage.Output) error {
	if out == nil || len(out.Payload) == 0 {
		return werr.New(werr.CategoryOutputValidation, "stage %s produced an empty payload", n)
	}
	validate, err := stage.Validator(n)
	if err != nil {
		return werr.Wrap(werr.CategoryOutputValidation, err)
	}
	if err := validate(out.Payload); err != nil {
		return werr.Wrap(werr.CategoryOutputValidation, err)
	}
	return nil
}
