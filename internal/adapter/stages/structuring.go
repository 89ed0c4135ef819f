package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// StructuringStage extracts the machine-readable denial summary from the
// raw denial letter and policy document.
type StructuringStage struct {
	reader  DocumentReader
	gen     Generator
	timeout time.Duration
}

// NewStructuringStage creates the structuring stage.
func NewStructuringStage(reader DocumentReader, gen Generator, timeout time.Duration) *StructuringStage {
	return &StructuringStage{reader: reader, gen: gen, timeout: timeout}
}

func (s *StructuringStage) Name() stage.Name { return stage.Structuring }

// ValidateInput requires both document references. The first stage has no
// priors to check.
func (s *StructuringStage) ValidateInput(in stage.Input) error {
	if in.CaseID == "" {
		return werr.New(werr.CategoryInvalidInput, "case_id is required")
	}
	if in.DenialRef == "" {
		return werr.New(werr.CategoryInvalidInput, "denial document reference is required")
	}
	if in.PolicyRef == "" {
		return werr.New(werr.CategoryInvalidInput, "policy document reference is required")
	}
	return nil
}

func (s *StructuringStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	if err := s.ValidateInput(in); err != nil {
		return nil, err
	}

	denialText, err := s.reader.ExtractText(ctx, in.DenialRef)
	if err != nil {
		return nil, err
	}
	policyText, err := s.reader.ExtractText(ctx, in.PolicyRef)
	if err != nil {
		return nil, err
	}

	prompt := structuringPrompt(denialText, policyText)
	return generate(ctx, s.gen, stage.Structuring, prompt, s.timeout)
}

func (s *StructuringStage) ValidateOutput(out *stage.Output) error {
	return validateShapedOutput(stage.Structuring, out)
}

func structuringPrompt(denialText, policyText string) string {
	return fmt.Sprintf(`You are a claims auditor specialized in parsing health insurance documents.
Analyze the denial letter and policy text below and extract the denial details.

Return STRICT JSON ONLY with this shape:
{
  "denial_code": "<the Claim Adjustment Reason Code, e.g. CO-50>",
  "insurer_reason_snippet": "<the exact quote explaining the denial>",
  "policy_clause_text": "<the policy text used to justify the denial>",
  "procedure_denied": "<the denied procedure, e.g. 'MRI of the lumbar spine'>",
  "raw_evidence_chunks": ["<verbatim passages supporting the extraction>"]
}

--- DENIAL LETTER TEXT ---
%s

--- POLICY DOCUMENT TEXT ---
%s
`, denialText, policyText)
}
