package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/advocai/caseflow/internal/domain/model/stage"
)

// DraftStage composes the formal appeal letter from the committed outputs
// of all three analysis stages.
type DraftStage struct {
	gen     Generator
	timeout time.Duration
	titler  cases.Caser
}

// NewDraftStage creates the draft stage.
func NewDraftStage(gen Generator, timeout time.Duration) *DraftStage {
	return &DraftStage{
		gen:     gen,
		timeout: timeout,
		titler:  cases.Title(language.English),
	}
}

func (s *DraftStage) Name() stage.Name { return stage.Draft }

func (s *DraftStage) ValidateInput(in stage.Input) error {
	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return err
	}
	var evidence stage.EvidenceList
	if err := priorAs(in, stage.Evidence, &evidence); err != nil {
		return err
	}
	var finding stage.RegulatoryFinding
	return priorAs(in, stage.Regulatory, &finding)
}

func (s *DraftStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	var denial stage.StructuredDenial
	if err := priorAs(in, stage.Structuring, &denial); err != nil {
		return nil, err
	}
	var evidence stage.EvidenceList
	if err := priorAs(in, stage.Evidence, &evidence); err != nil {
		return nil, err
	}
	var finding stage.RegulatoryFinding
	if err := priorAs(in, stage.Regulatory, &finding); err != nil {
		return nil, err
	}

	prompt := s.draftPrompt(in.CaseID, denial, evidence, finding)
	return generate(ctx, s.gen, stage.Draft, prompt, s.timeout)
}

func (s *DraftStage) ValidateOutput(out *stage.Output) error {
	return validateShapedOutput(stage.Draft, out)
}

func (s *DraftStage) draftPrompt(caseID string, denial stage.StructuredDenial, evidence stage.EvidenceList, finding stage.RegulatoryFinding) string {
	var evidenceText strings.Builder
	for _, e := range evidence.Entries {
		fmt.Fprintf(&evidenceText, "- %s: %s (ref: %s)\n", e.ArticleTitle, e.SummaryOfFinding, e.SourceID)
	}
	if evidenceText.Len() == 0 {
		evidenceText.WriteString("(no clinical evidence located)\n")
	}

	var legalText strings.Builder
	for _, lp := range finding.LegalPoints {
		fmt.Fprintf(&legalText, "- %s: %s\n", lp.Statute, lp.Summary)
	}
	if legalText.Len() == 0 {
		legalText.WriteString("(no statutory points located)\n")
	}

	subject := fmt.Sprintf("Appeal of Denied Claim - %s - Case %s",
		s.titler.String(denial.ProcedureDenied), caseID)

	return fmt.Sprintf(`You are an expert legal counsel specializing in health insurance appeals.
Draft a formal, professional, and highly persuasive appeal letter. The tone
must be firm, respectful, and authoritative.

Return STRICT JSON ONLY with this shape:
{
  "letter_text": "<the complete appeal letter>"
}

Subject line to use: %q

--- 1. INSURER DENIAL DETAILS ---
Denial Code: %s
Insurer's Reason: %q
Policy Clause Cited: %q
Procedure Denied: %s

--- 2. CLINICAL EVIDENCE FOR APPEAL (MUST BE CITED) ---
%s
--- 3. REGULATORY ANALYSIS ---
Compliant: %t
Violation: %s
Argument: %s
Statutory points:
%s
Structure the letter with a formal address section, the subject line above,
a clinical argument section that integrates the evidence, the regulatory
argument, and a final definitive request to overturn the denial.
`, subject,
		denial.DenialCode, denial.InsurerReasonSnippet, denial.PolicyClauseText, denial.ProcedureDenied,
		evidenceText.String(),
		finding.Compliant, finding.Violation, finding.Argument, legalText.String())
}
