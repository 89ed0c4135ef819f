package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advocai/caseflow/internal/adapter/gateway/pkgstore"
	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
	"github.com/advocai/caseflow/internal/infrastructure/persistence/file"
	sqlitestore "github.com/advocai/caseflow/internal/infrastructure/persistence/sqlite"
)

// fakeStage is a scripted stage.Contract for pipeline tests.
type fakeStage struct {
	name      stage.Name
	payload   string
	degraded  bool
	execErr   error
	execCount int
	inputErr  error
}

func (f *fakeStage) Name() stage.Name { return f.name }

func (f *fakeStage) ValidateInput(in stage.Input) error { return f.inputErr }

func (f *fakeStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	f.execCount++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &stage.Output{
		Payload:  json.RawMessage(f.payload),
		RawText:  f.payload,
		Degraded: f.degraded,
	}, nil
}

func (f *fakeStage) ValidateOutput(out *stage.Output) error { return nil }

// stagePayloads are shape-valid payloads per stage, so Result can decode
// the committed records.
var stagePayloads = map[stage.Name]string{
	stage.Structuring: `{"denial_code":"CO-50","insurer_reason_snippet":"not medically necessary","policy_clause_text":"Section 4.2","procedure_denied":"MRI of the lumbar spine"}`,
	stage.Evidence:    `{"entries":[{"source_id":"12345678","article_title":"MRI outcomes","summary_of_finding":"MRI changed treatment in most cases.","relevance":0.9}]}`,
	stage.Regulatory:  `{"compliant":false,"violation":"disclosure","argument":"clause not quoted","action":"reverse_denial","legal_points":[{"statute":"IRDAI Reg 8","summary":"must quote provision","relevance_score":0.8}]}`,
	stage.Draft:       `{"letter_text":"Dear Appeals Department, we request that denial CO-50 be overturned."}`,
	stage.Review:      `{"overall_score":90,"status":"approve","sub_scores":{"factual_accuracy":95,"citation_consistency":95,"logical_adequacy":95,"tone_professionalism":90,"hallucination_risk":0},"issues":[],"confidence_estimate":0.85}`,
}

func newFakeStages() map[stage.Name]*fakeStage {
	out := make(map[stage.Name]*fakeStage, len(stagePayloads))
	for n, payload := range stagePayloads {
		out[n] = &fakeStage{name: n, payload: payload}
	}
	return out
}

func newTestStore(t *testing.T) repository.SessionStore {
	t.Helper()
	store := file.NewSessionStore(afero.NewMemMapFs(), "/var/caseflow")
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPipeline(t *testing.T, store repository.SessionStore, fakes map[stage.Name]*fakeStage) *Pipeline {
	t.Helper()
	contracts := make([]stage.Contract, 0, len(fakes))
	for _, f := range fakes {
		contracts = append(contracts, f)
	}
	p, err := NewPipeline(store, contracts...)
	require.NoError(t, err)
	return p
}

func newTestSession(t *testing.T, store repository.SessionStore, caseID string) *session.Session {
	t.Helper()
	sess, err := session.New(caseID, map[string]string{
		"denial_ref": "/cases/denial.txt",
		"policy_ref": "/cases/policy.txt",
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func TestPipeline_RunsAllStagesInOrder(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	p := newTestPipeline(t, store, fakes)
	sess := newTestSession(t, store, "CASE-1")

	require.NoError(t, p.Run(context.Background(), sess))

	ctx := context.Background()
	var lastCreated int64
	for _, n := range stage.Order() {
		rec, err := store.GetStage(ctx, sess.ID, n)
		require.NoError(t, err)
		require.NotNil(t, rec, "stage %s must be committed", n)
		assert.GreaterOrEqual(t, rec.CreatedAt.UnixNano(), lastCreated,
			"stage timestamps must be monotonically non-decreasing")
		lastCreated = rec.CreatedAt.UnixNano()
	}

	flag, err := store.ResumeFlag(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.True(t, flag.Resumable)
	assert.Equal(t, stage.Review, flag.LastSafeStage)
}

func TestPipeline_ResumeSkipsCommittedStages(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Regulatory].execErr = werr.New(werr.CategoryTransientProvider, "all provider tiers exhausted")

	p := newTestPipeline(t, store, fakes)
	sess := newTestSession(t, store, "CASE-1")
	ctx := context.Background()

	err := p.Run(ctx, sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage regulatory failed")

	// The first two stages are committed; the failure stage is not.
	rec, err := store.GetStage(ctx, sess.ID, stage.Evidence)
	require.NoError(t, err)
	require.NotNil(t, rec)
	rec, err = store.GetStage(ctx, sess.ID, stage.Regulatory)
	require.NoError(t, err)
	assert.Nil(t, rec)

	flag, err := store.ResumeFlag(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.True(t, flag.Resumable)
	assert.Equal(t, stage.Evidence, flag.LastSafeStage)

	errs, err := store.ListErrors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, stage.Regulatory, errs[0].Stage)
	assert.Equal(t, werr.CategoryTransientProvider, errs[0].Category)

	// Provider recovers; the resumed run re-executes only the missing stages.
	fakes[stage.Regulatory].execErr = nil
	require.NoError(t, p.Run(ctx, sess))

	assert.Equal(t, 1, fakes[stage.Structuring].execCount, "committed stage must not re-execute")
	assert.Equal(t, 1, fakes[stage.Evidence].execCount, "committed stage must not re-execute")
	assert.Equal(t, 2, fakes[stage.Regulatory].execCount)
	assert.Equal(t, 1, fakes[stage.Draft].execCount)
	assert.Equal(t, 1, fakes[stage.Review].execCount)
}

func TestPipeline_InvalidInputIsNotResumable(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Structuring].inputErr = werr.New(werr.CategoryInvalidInput, "denial document reference is required")

	p := newTestPipeline(t, store, fakes)
	sess := newTestSession(t, store, "CASE-1")
	ctx := context.Background()

	err := p.Run(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, 0, fakes[stage.Structuring].execCount, "input validation failures must precede execution")

	flag, err := store.ResumeFlag(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.False(t, flag.Resumable)
}

func TestPipeline_CancellationBetweenStages(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()

	p := newTestPipeline(t, store, fakes)
	sess := newTestSession(t, store, "CASE-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context stops the run at the first stage boundary.
	err := p.Run(ctx, sess)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fakes[stage.Structuring].execCount)

	// A fresh context completes the run.
	require.NoError(t, p.Run(context.Background(), sess))
	assert.Equal(t, 1, fakes[stage.Structuring].execCount)
}

func TestPipeline_DegradedStageStillAdvances(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Regulatory].degraded = true

	p := newTestPipeline(t, store, fakes)
	sess := newTestSession(t, store, "CASE-1")
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, sess))

	rec, err := store.GetStage(ctx, sess.ID, stage.Regulatory)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Degraded, "degraded marker must survive the commit")

	rec, err = store.GetStage(ctx, sess.ID, stage.Draft)
	require.NoError(t, err)
	require.NotNil(t, rec, "a degraded stage must not block later stages")
	assert.False(t, rec.Degraded)
}

func TestPipeline_MissingStageImplementation(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	delete(fakes, stage.Review)

	contracts := make([]stage.Contract, 0, len(fakes))
	for _, f := range fakes {
		contracts = append(contracts, f)
	}
	_, err := NewPipeline(store, contracts...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review")
}

func TestService_SubmitStatusResult(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Evidence].degraded = true
	p := newTestPipeline(t, store, fakes)
	packages := pkgstore.NewMemoryPackageGateway()
	svc := NewService(store, p, packages)
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	})
	require.NoError(t, err)
	require.NoError(t, res.RunErr)
	assert.Equal(t, StateCompleted, res.State)

	report, err := svc.Status(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, stage.Order(), report.CompletedStages)
	assert.Equal(t, []stage.Name{stage.Evidence}, report.DegradedStages)
	assert.True(t, report.Resumable)

	ref, err := svc.Result(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "evidence", ref.Metadata["degraded_stages"])

	pkg, err := packages.LoadPackage(ctx, ref.Ref)
	require.NoError(t, err)
	content := string(pkg.Content)
	assert.Contains(t, content, "Dear Appeals Department")
	assert.Contains(t, content, "DEGRADED OUTPUT NOTICE")
	assert.Contains(t, content, "approve")
}

func TestService_ResultRequiresCompletedRun(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Draft].execErr = werr.New(werr.CategoryTransientProvider, "unavailable")
	p := newTestPipeline(t, store, fakes)
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	})
	require.NoError(t, err)
	require.Error(t, res.RunErr)
	assert.Equal(t, StateInProgress, res.State)

	_, err = svc.Result(ctx, res.SessionID)
	require.Error(t, err)
	assert.Equal(t, werr.CategoryInvalidInput, werr.CategoryOf(err))
}

func TestService_ResumeContinuesInterruptedRun(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Draft].execErr = werr.New(werr.CategoryTransientProvider, "unavailable")
	p := newTestPipeline(t, store, fakes)
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	})
	require.NoError(t, err)
	require.Error(t, res.RunErr)

	fakes[stage.Draft].execErr = nil
	resumed, err := svc.Resume(ctx, res.SessionID)
	require.NoError(t, err)
	require.NoError(t, resumed.RunErr)
	assert.Equal(t, StateCompleted, resumed.State)

	report, err := svc.Status(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
}

func TestService_ResumeRejectsNonResumableSession(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Structuring].inputErr = werr.New(werr.CategoryInvalidInput, "bad input")
	p := newTestPipeline(t, store, fakes)
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	res, err := svc.Submit(ctx, SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)

	_, err = svc.Resume(ctx, res.SessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not resumable")
}

func TestService_SubmitValidatesRequest(t *testing.T) {
	store := newTestStore(t)
	p := newTestPipeline(t, store, newFakeStages())
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())

	_, err := svc.Submit(context.Background(), SubmitRequest{CaseID: "CASE-1"})
	require.Error(t, err)
	assert.Equal(t, werr.CategoryInvalidInput, werr.CategoryOf(err))

	_, err = svc.Submit(context.Background(), SubmitRequest{DenialRef: "/d", PolicyRef: "/p"})
	require.Error(t, err)
	assert.Equal(t, werr.CategoryInvalidInput, werr.CategoryOf(err))
}

// cancellingStage cancels the run context during execution, simulating a
// caller cancel landing while a stage is in flight.
type cancellingStage struct {
	*fakeStage
	cancel context.CancelFunc
}

func (c *cancellingStage) Execute(ctx context.Context, in stage.Input) (*stage.Output, error) {
	c.cancel()
	return c.fakeStage.Execute(ctx, in)
}

func newSQLiteTestStore(t *testing.T) repository.SessionStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlitestore.NewMigrator(db).Migrate())
	return sqlitestore.NewSessionStore(db)
}

func TestPipeline_CancelDuringStageStillCommits(t *testing.T) {
	// The SQLite backend honors context cancellation on writes, so this is
	// the backend where a non-detached commit would lose the result.
	store := newSQLiteTestStore(t)
	fakes := newFakeStages()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	contracts := make([]stage.Contract, 0, len(fakes))
	for n, f := range fakes {
		if n == stage.Evidence {
			contracts = append(contracts, &cancellingStage{fakeStage: f, cancel: cancel})
			continue
		}
		contracts = append(contracts, f)
	}
	p, err := NewPipeline(store, contracts...)
	require.NoError(t, err)
	sess := newTestSession(t, store, "CASE-1")

	err = p.Run(ctx, sess)
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight stage finished; its result must be committed even though
	// the caller cancelled mid-stage, and the run stops at the next boundary.
	rec, getErr := store.GetStage(context.Background(), sess.ID, stage.Evidence)
	require.NoError(t, getErr)
	require.NotNil(t, rec, "an in-flight stage's result must survive a mid-stage cancel")
	assert.Equal(t, 0, fakes[stage.Regulatory].execCount)

	flag, flagErr := store.ResumeFlag(context.Background(), sess.ID)
	require.NoError(t, flagErr)
	require.NotNil(t, flag)
	assert.True(t, flag.Resumable)
	assert.Equal(t, stage.Evidence, flag.LastSafeStage)

	// The resumed run picks up after the committed stage.
	require.NoError(t, p.Run(context.Background(), sess))
	assert.Equal(t, 1, fakes[stage.Evidence].execCount, "committed stage must not re-execute")
}

func TestService_ResubmitResumesOpenSession(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Regulatory].execErr = werr.New(werr.CategoryTransientProvider, "all provider tiers exhausted")
	p := newTestPipeline(t, store, fakes)
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	req := SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	}

	first, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.Error(t, first.RunErr)
	assert.Equal(t, StateInProgress, first.State)

	// Provider recovers; re-submitting the same case continues the open
	// session from the first uncommitted stage.
	fakes[stage.Regulatory].execErr = nil
	second, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, second.RunErr)
	assert.Equal(t, first.SessionID, second.SessionID, "re-submission must continue the open session")
	assert.Equal(t, StateCompleted, second.State)

	assert.Equal(t, 1, fakes[stage.Structuring].execCount, "committed stage must not re-execute on re-submission")
	assert.Equal(t, 1, fakes[stage.Evidence].execCount, "committed stage must not re-execute on re-submission")
	assert.Equal(t, 2, fakes[stage.Regulatory].execCount)
	assert.Equal(t, 1, fakes[stage.Draft].execCount)
	assert.Equal(t, 1, fakes[stage.Review].execCount)
}

func TestService_ResubmitAfterCompletionStartsNewSession(t *testing.T) {
	store := newTestStore(t)
	p := newTestPipeline(t, store, newFakeStages())
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	req := SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	}

	first, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, first.RunErr)

	second, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, second.RunErr)
	assert.NotEqual(t, first.SessionID, second.SessionID, "a completed case gets a fresh session")
}

func TestService_ResubmitAfterInvalidInputStartsNewSession(t *testing.T) {
	store := newTestStore(t)
	fakes := newFakeStages()
	fakes[stage.Structuring].inputErr = werr.New(werr.CategoryInvalidInput, "bad input")
	p := newTestPipeline(t, store, fakes)
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())
	ctx := context.Background()

	req := SubmitRequest{
		CaseID:    "CASE-1",
		DenialRef: "/cases/denial.txt",
		PolicyRef: "/cases/policy.txt",
	}

	first, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, first.State)

	// The session is flagged non-resumable; corrected inputs get a new one.
	fakes[stage.Structuring].inputErr = nil
	second, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, second.RunErr)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, StateCompleted, second.State)
}

func TestService_StatusUnknownSession(t *testing.T) {
	store := newTestStore(t)
	p := newTestPipeline(t, store, newFakeStages())
	svc := NewService(store, p, pkgstore.NewMemoryPackageGateway())

	_, err := svc.Status(context.Background(), session.NewID())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
