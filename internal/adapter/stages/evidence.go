package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/advocai/caseflow/internal/domain/model/stage"
)

// EvidenceStage locates supporting clinical findings for the denied
// procedure, working from the structuring stage's committed output.
type EvidenceStage struct {
	gen     Generator
	timeout time.Duration
}

// NewEvidenceStage creates the evidence stage.
func NewEvidenceStage(gen Generator, timeout time.Duration) *EvidenceStage {
	return &EvidenceStage{gen: gen, timeout: timeout}
}

func (s *EvidenceStage) Name() stage.Name { return stage.Evidence }

func (s *EvidenceStage) ValidateInput(in stage.Input) error {
	var denial stage.StructuredDenial
	return priorAs(in, stage.Structuring, &denial)
}

func (s *EvidenceStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return nil, err
	}

	prompt := evidencePrompt(denial)
	return generate(ctx, s.gen, stage.Evidence, prompt, s.timeout)
}

func (s *EvidenceStage) ValidateOutput(out *stage.Output) error {
	return validateShapedOutput(stage.Evidence, out)
}

func evidencePrompt(denial stage.StructuredDenial) string {
	query := fmt.Sprintf("medical necessity of %s, clinical trial evidence against denial code %s",
		denial.ProcedureDenied, denial.DenialCode)

	return fmt.Sprintf(`You are a medical researcher building the evidentiary basis for an
insurance appeal. Find published clinical findings that support the denied
procedure.

Search focus: %s
Insurer's stated reason: %q

Return STRICT JSON ONLY with this shape:
{
  "entries": [
    {
      "source_id": "<PubMed ID or citation reference>",
      "article_title": "<title of the supporting article>",
      "summary_of_finding": "<2-3 sentence summary supporting the procedure>",
      "relevance": <0.0-1.0>
    }
  ]
}

Return an empty "entries" list if no supporting findings exist; never invent
citations.
`, query, denial.InsurerReasonSnippet)
}
