package provider

import (
	"context"
	"encoding/json"

	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// StubGateway is the cascade's last resort: a deterministic, shape-valid
// placeholder per stage. Its responses always carry the degraded marker so
// no downstream consumer can mistake them for genuine generation.
type StubGateway struct{}

// NewStubGateway creates the stub provider gateway.
func NewStubGateway() *StubGateway {
	return &StubGateway{}
}

// Name returns the provider identifier.
func (g *StubGateway) Name() string { return "stub" }

// Generate returns the deterministic placeholder for the requesting stage.
// It fails only for a stage with no declared placeholder, which is a
// configuration error rather than a provider fault.
func (g *StubGateway) Generate(ctx context.Context, req output.GenerationRequest) (*output.GenerationResponse, error) {
	payload, err := stubPayload(req.Stage)
	if err != nil {
		return nil, err
	}

	return &output.GenerationResponse{
		Text:     string(payload),
		Provider: g.Name(),
		Duration: 0,
		Degraded: true,
		Metadata: map[string]string{"degraded": "true"},
	}, nil
}

// HealthCheck always succeeds; the stub has no dependencies.
func (g *StubGateway) HealthCheck(ctx context.Context) error {
	return nil
}

func stubPayload(n stage.Name) (json.RawMessage, error) {
	switch n {
	case stage.Structuring:
		return mustJSON(stage.StructuredDenial{
			DenialCode:           "UNSPECIFIED",
			InsurerReasonSnippet: "",
			PolicyClauseText:     "",
			ProcedureDenied:      "unspecified procedure",
		}), nil
	case stage.Evidence:
		return mustJSON(stage.EvidenceList{Entries: []stage.EvidenceItem{}}), nil
	case stage.Regulatory:
		return mustJSON(stage.RegulatoryFinding{
			Compliant:   false,
			Violation:   "SYSTEM_ERROR",
			Argument:    "No generation provider was available; the denial requires manual compliance review.",
			Action:      "manual_review_required",
			LegalPoints: []stage.LegalPoint{},
		}), nil
	case stage.Draft:
		return mustJSON(stage.AppealDraft{
			LetterText: "[PLACEHOLDER] No generation provider was available. " +
				"This appeal draft requires manual composition before submission.",
		}), nil
	case stage.Review:
		return mustJSON(stage.Scorecard{
			OverallScore:       0,
			Status:             stage.StatusNeedsRevision,
			SubScores:          stage.SubScores{},
			Issues:             []stage.Issue{},
			ConfidenceEstimate: 0,
		}), nil
	default:
		return nil, werr.New(werr.CategoryPermanentProvider, "no stub placeholder declared for stage %q", n)
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// The placeholders are static structs; this cannot fail at runtime.
		panic(err)
	}
	return data
}
