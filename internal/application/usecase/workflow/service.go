package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/advocai/caseflow/internal/app"
	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// State is a session's derived lifecycle state. It is computed from the
// store on demand, never persisted.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Service is the application entry point for workflow runs: intake, resume,
// status, and final package assembly.
type Service struct {
	store    repository.SessionStore
	pipeline *Pipeline
	packages output.PackageGateway
}

// NewService creates the workflow service.
func NewService(store repository.SessionStore, pipeline *Pipeline, packages output.PackageGateway) *Service {
	return &Service{store: store, pipeline: pipeline, packages: packages}
}

// SubmitRequest is one intake request.
type SubmitRequest struct {
	CaseID    string
	DenialRef string
	PolicyRef string
	Metadata  map[string]string
}

// SubmitResult reports the outcome of an intake run.
type SubmitResult struct {
	SessionID session.ID
	State     State
	RunErr    error // the pipeline failure, if the run did not complete
}

// Submit runs the pipeline for a case. When the case already has an open
// session that is still resumable, the run continues on that session from
// its first uncommitted stage instead of starting over; committed stages are
// never recomputed. A pipeline failure is reported in the result, not as a
// Submit error: the session exists and is inspectable either way.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.CaseID == "" {
		return nil, werr.New(werr.CategoryInvalidInput, "case_id is required")
	}
	if req.DenialRef == "" || req.PolicyRef == "" {
		return nil, werr.New(werr.CategoryInvalidInput, "denial and policy document references are required")
	}

	open, err := s.openSession(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		app.GetLogger().Info("session %s already open for case %s, resuming", open.ID, open.CaseID)
		return s.run(ctx, open)
	}

	metadata := map[string]string{
		"denial_ref": req.DenialRef,
		"policy_ref": req.PolicyRef,
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	sess, err := session.New(req.CaseID, metadata)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryInvalidInput, err)
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("create session: %w", err))
	}

	app.GetLogger().Info("session %s created for case %s", sess.ID, sess.CaseID)
	return s.run(ctx, sess)
}

// Resume continues a previously interrupted session from its last committed
// stage. Sessions flagged non-resumable are rejected.
func (s *Service) Resume(ctx context.Context, id session.ID) (*SubmitResult, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	flag, err := s.store.ResumeFlag(ctx, id)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read resume flag: %w", err))
	}
	if flag != nil && !flag.Resumable {
		return nil, werr.New(werr.CategoryInvalidInput, "session %s is not resumable", id)
	}

	app.GetLogger().Info("resuming session %s for case %s", sess.ID, sess.CaseID)
	return s.run(ctx, sess)
}

// openSession returns the newest session for a case when it is incomplete
// and still resumable. Completed sessions and sessions failed on invalid
// input get a fresh session on re-submission; everything else continues.
func (s *Service) openSession(ctx context.Context, caseID string) (*session.Session, error) {
	sess, err := s.store.FindSessionByCase(ctx, caseID)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("find session for case %s: %w", caseID, err))
	}
	if sess == nil || sess.LastCompletedStage == stage.Last() {
		return nil, nil
	}

	flag, err := s.store.ResumeFlag(ctx, sess.ID)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read resume flag: %w", err))
	}
	if flag != nil && !flag.Resumable {
		return nil, nil
	}
	return sess, nil
}

func (s *Service) run(ctx context.Context, sess *session.Session) (*SubmitResult, error) {
	runErr := s.pipeline.Run(ctx, sess)

	state := StateCompleted
	if runErr != nil {
		state = StateInProgress
		if werr.CategoryOf(runErr) == werr.CategoryInvalidInput {
			state = StateFailed
		}
		app.GetLogger().Error("session %s: run stopped: %v", sess.ID, runErr)
	}

	return &SubmitResult{SessionID: sess.ID, State: state, RunErr: runErr}, nil
}

// StatusReport is a session's externally visible state.
type StatusReport struct {
	SessionID       session.ID        `json:"session_id"`
	CaseID          string            `json:"case_id"`
	State           State             `json:"state"`
	LastSafeStage   stage.Name        `json:"last_safe_stage,omitempty"`
	CompletedStages []stage.Name      `json:"completed_stages"`
	DegradedStages  []stage.Name      `json:"degraded_stages,omitempty"`
	Resumable       bool              `json:"resumable"`
	ErrorCount      int               `json:"error_count"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Status derives the session's current state from the store.
func (s *Service) Status(ctx context.Context, id session.ID) (*StatusReport, error) {
	sess, err := s.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		SessionID:       sess.ID,
		CaseID:          sess.CaseID,
		CompletedStages: []stage.Name{},
		CreatedAt:       sess.CreatedAt,
		Metadata:        sess.Metadata,
	}

	for _, n := range stage.Order() {
		rec, err := s.store.GetStage(ctx, id, n)
		if err != nil {
			return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read stage %s: %w", n, err))
		}
		if rec == nil {
			continue
		}
		report.CompletedStages = append(report.CompletedStages, n)
		if rec.Degraded {
			report.DegradedStages = append(report.DegradedStages, n)
		}
	}

	flag, err := s.store.ResumeFlag(ctx, id)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read resume flag: %w", err))
	}
	if flag != nil {
		report.Resumable = flag.Resumable
		report.LastSafeStage = flag.LastSafeStage
	}

	errs, err := s.store.ListErrors(ctx, id)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("list errors: %w", err))
	}
	report.ErrorCount = len(errs)

	switch {
	case len(report.CompletedStages) == len(stage.Order()):
		report.State = StateCompleted
	case flag != nil && !flag.Resumable:
		report.State = StateFailed
	case len(report.CompletedStages) > 0 || report.ErrorCount > 0:
		report.State = StateInProgress
	default:
		report.State = StatePending
	}

	return report, nil
}

// Result assembles and stores the final appeal package for a completed
// session. The package carries the letter, the review scorecard, and a
// disclosure of any stage that ran on placeholder output.
func (s *Service) Result(ctx context.Context, id session.ID) (*output.PackageRef, error) {
	report, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.State != StateCompleted {
		return nil, werr.New(werr.CategoryInvalidInput,
			"session %s is %s; the final package requires a completed run", id, report.State)
	}

	draftRec, err := s.store.GetStage(ctx, id, stage.Draft)
	if err != nil || draftRec == nil {
		return nil, werr.New(werr.CategoryStorageUnavailable, "draft record unavailable for session %s", id)
	}
	reviewRec, err := s.store.GetStage(ctx, id, stage.Review)
	if err != nil || reviewRec == nil {
		return nil, werr.New(werr.CategoryStorageUnavailable, "review record unavailable for session %s", id)
	}

	var draft stage.AppealDraft
	if err := json.Unmarshal(draftRec.Output, &draft); err != nil {
		return nil, fmt.Errorf("decode draft record: %w", err)
	}
	var card stage.Scorecard
	if err := json.Unmarshal(reviewRec.Output, &card); err != nil {
		return nil, fmt.Errorf("decode review record: %w", err)
	}

	content := renderPackage(report, draft, card)

	metadata := map[string]string{
		"case_id":       report.CaseID,
		"review_status": card.Status,
	}
	if len(report.DegradedStages) > 0 {
		metadata["degraded_stages"] = joinStages(report.DegradedStages)
	}

	ref, err := s.packages.SavePackage(ctx, output.SavePackageRequest{
		SessionID:   id.String(),
		CaseID:      report.CaseID,
		Content:     []byte(content),
		ContentType: "text/markdown",
		Metadata:    metadata,
	})
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("store final package: %w", err))
	}

	app.GetLogger().Info("session %s: final package stored at %s", id, ref.StoragePath)
	return ref, nil
}

func (s *Service) loadSession(ctx context.Context, id session.ID) (*session.Session, error) {
	sess, err := s.store.FindSession(ctx, id)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("find session: %w", err))
	}
	if sess == nil {
		return nil, werr.New(werr.CategoryInvalidInput, "session %s not found", id)
	}
	return sess, nil
}

// renderPackage produces the final package document.
func renderPackage(report *StatusReport, draft stage.AppealDraft, card stage.Scorecard) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Appeal Package - Case %s\n\n", report.CaseID)
	fmt.Fprintf(&b, "Session: %s\n", report.SessionID)
	fmt.Fprintf(&b, "Review status: %s (overall score %d, confidence %.2f)\n\n",
		card.Status, card.OverallScore, card.ConfidenceEstimate)

	if len(report.DegradedStages) > 0 {
		fmt.Fprintf(&b, "> DEGRADED OUTPUT NOTICE: the following stages ran on placeholder\n")
		fmt.Fprintf(&b, "> output and require manual review before submission: %s\n\n",
			joinStages(report.DegradedStages))
	}

	b.WriteString("## Appeal Letter\n\n")
	b.WriteString(draft.LetterText)
	b.WriteString("\n\n## Review Scorecard\n\n")
	fmt.Fprintf(&b, "- Factual accuracy: %d\n", card.SubScores.FactualAccuracy)
	fmt.Fprintf(&b, "- Citation consistency: %d\n", card.SubScores.CitationConsistency)
	fmt.Fprintf(&b, "- Logical adequacy: %d\n", card.SubScores.LogicalAdequacy)
	fmt.Fprintf(&b, "- Tone and professionalism: %d\n", card.SubScores.ToneProfessionalism)
	fmt.Fprintf(&b, "- Hallucination risk: %d\n", card.SubScores.HallucinationRisk)

	if len(card.Issues) > 0 {
		b.WriteString("\n## Issues\n")
		for _, issue := range card.Issues {
			fmt.Fprintf(&b, "\n### %s (%s)\n", issue.ID, strings.ToUpper(issue.Severity))
			fmt.Fprintf(&b, "Sentence %d: %s\n", issue.SentenceIndex, issue.Description)
			if issue.SuggestedFix != "" {
				fmt.Fprintf(&b, "Suggested fix: %s\n", issue.SuggestedFix)
			}
		}
	}

	return b.String()
}

func joinStages(names []stage.Name) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
