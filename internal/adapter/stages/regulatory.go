package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// RegulatoryStage analyzes the structured denial against the statute
// library for compliance violations.
type RegulatoryStage struct {
	statutes StatuteLibrary
	gen      Generator
	timeout  time.Duration
}

// NewRegulatoryStage creates the regulatory stage.
func NewRegulatoryStage(statutes StatuteLibrary, gen Generator, timeout time.Duration) *RegulatoryStage {
	return &RegulatoryStage{statutes: statutes, gen: gen, timeout: timeout}
}

func (s *RegulatoryStage) Name() stage.Name { return stage.Regulatory }

func (s *RegulatoryStage) ValidateInput(in stage.Input) error {
	var denial stage.StructuredDenial
	return priorAs(in, stage.Structuring, &denial)
}

func (s *RegulatoryStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return nil, err
	}

	statutes, err := s.statutes.Load(ctx)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("load statute library: %w", err))
	}
	if statutes == "" {
		statutes = "(statute library unavailable; state that the analysis is limited)"
	}

	prompt := regulatoryPrompt(statutes, denial)
	return generate(ctx, s.gen, stage.Regulatory, prompt, s.timeout)
}

func (s *RegulatoryStage) ValidateOutput(out *stage.Output) error {
	return validateShapedOutput(stage.Regulatory, out)
}

func regulatoryPrompt(statutes string, denial stage.StructuredDenial) string {
	// raw_evidence_chunks are extraction provenance, not compliance input.
	denial.RawEvidenceChunks = nil
	denialJSON, _ := json.MarshalIndent(denial, "", "  ")

	return fmt.Sprintf(`You are a health insurance legal expert. Analyze this insurance denial
for compliance with the statutes below.

Return STRICT JSON ONLY - no extra text, no markdown, no comments:
{
  "compliant": true/false,
  "violation": "<short string>",
  "argument": "<max 150 words legal reasoning>",
  "action": "<reverse_denial | manual_review | request_info>",
  "legal_points": [
    {
      "statute": "<name>",
      "summary": "<2-3 sentence explanation>",
      "relevance_score": <0.0-1.0>
    }
  ]
}

Statutes:
%s

Structured Denial Context:
%s
`, statutes, denialJSON)
}
