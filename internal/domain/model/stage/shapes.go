package stage

import (
	"encoding/json"
	"fmt"
)

// StructuredDenial is the structuring stage output: the machine-readable
// summary extracted from the denial and policy documents.
type StructuredDenial struct {
	DenialCode           string   `json:"denial_code"`
	InsurerReasonSnippet string   `json:"insurer_reason_snippet"`
	PolicyClauseText     string   `json:"policy_clause_text"`
	ProcedureDenied      string   `json:"procedure_denied"`
	RawEvidenceChunks    []string `json:"raw_evidence_chunks,omitempty"`
}

// Validate checks the structural contract of a structuring output.
func (d *StructuredDenial) Validate() error {
	if d.DenialCode == "" {
		return fmt.Errorf("structured denial: denial_code is required")
	}
	if d.ProcedureDenied == "" {
		return fmt.Errorf("structured denial: procedure_denied is required")
	}
	return nil
}

// EvidenceItem is one supporting finding located by the evidence stage.
type EvidenceItem struct {
	SourceID         string  `json:"source_id"`
	ArticleTitle     string  `json:"article_title"`
	SummaryOfFinding string  `json:"summary_of_finding"`
	Relevance        float64 `json:"relevance"`
}

// EvidenceList is the evidence stage output. An empty list is structurally
// valid; absence of evidence is a content question, not a contract one.
type EvidenceList struct {
	Entries []EvidenceItem `json:"entries"`
}

func (l *EvidenceList) Validate() error {
	for i, e := range l.Entries {
		if e.SourceID == "" {
			return fmt.Errorf("evidence entry %d: source_id is required", i)
		}
		if e.SummaryOfFinding == "" {
			return fmt.Errorf("evidence entry %d: summary_of_finding is required", i)
		}
		if e.Relevance < 0 || e.Relevance > 1 {
			return fmt.Errorf("evidence entry %d: relevance %f out of range [0,1]", i, e.Relevance)
		}
	}
	return nil
}

// LegalPoint is one statute-backed argument in a regulatory finding.
type LegalPoint struct {
	Statute        string  `json:"statute"`
	Summary        string  `json:"summary"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RegulatoryFinding is the regulatory stage output: the compliance analysis
// of the denial against the statute library.
type RegulatoryFinding struct {
	Compliant   bool         `json:"compliant"`
	Violation   string       `json:"violation"`
	Argument    string       `json:"argument"`
	Action      string       `json:"action"`
	LegalPoints []LegalPoint `json:"legal_points"`
}

func (f *RegulatoryFinding) Validate() error {
	if f.Action == "" {
		return fmt.Errorf("regulatory finding: action is required")
	}
	for i, lp := range f.LegalPoints {
		if lp.Statute == "" {
			return fmt.Errorf("legal point %d: statute is required", i)
		}
		if lp.RelevanceScore < 0 || lp.RelevanceScore > 1 {
			return fmt.Errorf("legal point %d: relevance_score %f out of range [0,1]", i, lp.RelevanceScore)
		}
	}
	return nil
}

// AppealDraft is the draft stage output: the composed appeal letter.
type AppealDraft struct {
	LetterText string `json:"letter_text"`
}

func (d *AppealDraft) Validate() error {
	if d.LetterText == "" {
		return fmt.Errorf("appeal draft: letter_text is required")
	}
	return nil
}

// SubScores are the per-dimension review scores, each in [0,100].
type SubScores struct {
	FactualAccuracy     int `json:"factual_accuracy"`
	CitationConsistency int `json:"citation_consistency"`
	LogicalAdequacy     int `json:"logical_adequacy"`
	ToneProfessionalism int `json:"tone_professionalism"`
	HallucinationRisk   int `json:"hallucination_risk"`
}

func (s *SubScores) Validate() error {
	check := func(name string, v int) error {
		if v < 0 || v > 100 {
			return fmt.Errorf("sub score %s: %d out of range [0,100]", name, v)
		}
		return nil
	}
	if err := check("factual_accuracy", s.FactualAccuracy); err != nil {
		return err
	}
	if err := check("citation_consistency", s.CitationConsistency); err != nil {
		return err
	}
	if err := check("logical_adequacy", s.LogicalAdequacy); err != nil {
		return err
	}
	if err := check("tone_professionalism", s.ToneProfessionalism); err != nil {
		return err
	}
	return check("hallucination_risk", s.HallucinationRisk)
}

// Issue is one problem the review stage found in the draft letter.
type Issue struct {
	ID            string   `json:"id"`
	Severity      string   `json:"severity"`
	SentenceIndex int      `json:"sentence_index"`
	Description   string   `json:"description"`
	EvidenceRefs  []string `json:"evidence_refs,omitempty"`
	SuggestedFix  string   `json:"suggested_fix,omitempty"`
}

// Review statuses.
const (
	StatusApprove       = "approve"
	StatusNeedsRevision = "needs_revision"
)

// Scorecard is the review stage output.
type Scorecard struct {
	OverallScore       int       `json:"overall_score"`
	Status             string    `json:"status"`
	SubScores          SubScores `json:"sub_scores"`
	Issues             []Issue   `json:"issues"`
	ConfidenceEstimate float64   `json:"confidence_estimate"`
}

func (c *Scorecard) Validate() error {
	if c.Status != StatusApprove && c.Status != StatusNeedsRevision {
		return fmt.Errorf("scorecard: unknown status %q", c.Status)
	}
	if c.ConfidenceEstimate < 0 || c.ConfidenceEstimate > 1 {
		return fmt.Errorf("scorecard: confidence_estimate %f out of range [0,1]", c.ConfidenceEstimate)
	}
	return c.SubScores.Validate()
}

// Validator returns the structural validation function for a stage's output
// payload. The router and pipeline use it to reject shape-invalid responses
// without interpreting the payload semantically.
func Validator(n Name) (func(raw []byte) error, error) {
	switch n {
	case Structuring:
		return func(raw []byte) error {
			var v StructuredDenial
			return decodeAndValidate(raw, &v, func() error { return v.Validate() })
		}, nil
	case Evidence:
		return func(raw []byte) error {
			var v EvidenceList
			return decodeAndValidate(raw, &v, func() error { return v.Validate() })
		}, nil
	case Regulatory:
		return func(raw []byte) error {
			var v RegulatoryFinding
			return decodeAndValidate(raw, &v, func() error { return v.Validate() })
		}, nil
	case Draft:
		return func(raw []byte) error {
			var v AppealDraft
			return decodeAndValidate(raw, &v, func() error { return v.Validate() })
		}, nil
	case Review:
		return func(raw []byte) error {
			var v Scorecard
			return decodeAndValidate(raw, &v, func() error { return v.Validate() })
		}, nil
	default:
		return nil, fmt.Errorf("no output shape declared for stage %q", n)
	}
}

func decodeAndValidate(raw []byte, target interface{}, validate func() error) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return validate()
}
