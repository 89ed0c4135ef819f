package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A second pool connection would see a different empty in-memory
	// database, so the test pool is pinned to one connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewMigrator(db).Migrate())
	return db
}

func newTestStore(t *testing.T) repository.SessionStore {
	t.Helper()
	return NewSessionStore(newTestDB(t))
}

func mustCreateSession(t *testing.T, store repository.SessionStore, caseID string) *session.Session {
	t.Helper()
	sess, err := session.New(caseID, map[string]string{"policy_ref": "policy.txt"})
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

func stageRecord(t *testing.T, id session.ID, n stage.Name, payload string) *session.StageRecord {
	t.Helper()
	rec, err := session.NewStageRecord(id, n, &stage.Output{
		Payload: json.RawMessage(payload),
		RawText: payload,
	})
	require.NoError(t, err)
	return rec
}

func TestSessionStore_CreateAndFindSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := mustCreateSession(t, store, "CASE-001")

	found, err := store.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, sess.ID, found.ID)
	assert.Equal(t, "CASE-001", found.CaseID)
	assert.Equal(t, "policy.txt", found.Metadata["policy_ref"])
}

func TestSessionStore_FindSession_Missing(t *testing.T) {
	store := newTestStore(t)

	found, err := store.FindSession(context.Background(), session.NewID())
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSessionStore_CreateSession_DuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := mustCreateSession(t, store, "CASE-001")

	err := store.CreateSession(ctx, sess)
	require.Error(t, err)
	assert.Equal(t, werr.CategoryStorageUnavailable, werr.CategoryOf(err))
}

func TestSessionStore_FindSessionByCase_ReturnsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateSession(t, store, "CASE-001")
	mustCreateSession(t, store, "CASE-002")
	newest := mustCreateSession(t, store, "CASE-001")

	found, err := store.FindSessionByCase(ctx, "CASE-001")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newest.ID, found.ID)
}

func TestSessionStore_PutStage_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	rec, err := session.NewStageRecord(sess.ID, stage.Draft, &stage.Output{
		Payload:  json.RawMessage(`{"letter_markdown":"Dear Review Board,"}`),
		RawText:  "raw provider text",
		Degraded: true,
	})
	require.NoError(t, err)

	_, err = store.PutStage(ctx, rec)
	require.NoError(t, err)

	got, err := store.GetStage(ctx, sess.ID, stage.Draft)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"letter_markdown":"Dear Review Board,"}`, string(got.Output))
	assert.Equal(t, "raw provider text", got.RawText)
	assert.True(t, got.Degraded)
}

func TestSessionStore_GetStage_Missing(t *testing.T) {
	store := newTestStore(t)
	sess := mustCreateSession(t, store, "CASE-001")

	got, err := store.GetStage(context.Background(), sess.ID, stage.Review)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStore_PutStage_FirstWriterWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	_, err := store.PutStage(ctx, stageRecord(t, sess.ID, stage.Evidence, `{"entries":[{"source_title":"A"}]}`))
	require.NoError(t, err)

	committed, err := store.PutStage(ctx, stageRecord(t, sess.ID, stage.Evidence, `{"entries":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"source_title":"A"}]}`, string(committed.Output))

	got, err := store.GetStage(ctx, sess.ID, stage.Evidence)
	require.NoError(t, err)
	assert.JSONEq(t, `{"entries":[{"source_title":"A"}]}`, string(got.Output))
}

func TestSessionStore_PutStage_ConcurrentSamePair(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	const writers = 8
	results := make([]*session.StageRecord, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := stageRecord(t, sess.ID, stage.Structuring,
				fmt.Sprintf(`{"writer":%d}`, i))
			results[i], errs[i] = store.PutStage(ctx, rec)
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}

	// Every writer must have adopted the same committed payload.
	winner := string(results[0].Output)
	for i := 1; i < writers; i++ {
		assert.Equal(t, winner, string(results[i].Output))
	}

	got, err := store.GetStage(ctx, sess.ID, stage.Structuring)
	require.NoError(t, err)
	assert.Equal(t, winner, string(got.Output))
}

func TestSessionStore_PutStage_AdvancesSessionMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	_, err := store.PutStage(ctx, stageRecord(t, sess.ID, stage.Structuring, `{"a":1}`))
	require.NoError(t, err)
	_, err = store.PutStage(ctx, stageRecord(t, sess.ID, stage.Evidence, `{"b":2}`))
	require.NoError(t, err)

	found, err := store.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Evidence, found.LastCompletedStage)

	_, err = store.PutStage(ctx, stageRecord(t, sess.ID, stage.Structuring, `{"a":1}`))
	require.NoError(t, err)

	found, err = store.FindSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, stage.Evidence, found.LastCompletedStage)
}

func TestSessionStore_AppendAndListErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	for _, rec := range []*session.ErrorRecord{
		session.NewErrorRecord(sess.ID, stage.Evidence,
			werr.New(werr.CategoryTransientProvider, "provider timeout"), "attempt 1"),
		session.NewErrorRecord(sess.ID, stage.Evidence,
			werr.New(werr.CategoryPermanentProvider, "model rejected request"), "attempt 2"),
	} {
		require.NoError(t, store.AppendError(ctx, rec))
	}

	records, err := store.ListErrors(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, werr.CategoryTransientProvider, records[0].Category)
	assert.Equal(t, "attempt 1", records[0].Detail)
	assert.Equal(t, werr.CategoryPermanentProvider, records[1].Category)
	assert.Contains(t, records[1].Message, "model rejected request")
}

func TestIsUniqueConstraintError(t *testing.T) {
	unique := sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintUnique,
	}
	assert.True(t, isUniqueConstraintError(unique))
	assert.True(t, isUniqueConstraintError(fmt.Errorf("insert stage record: %w", unique)))

	primaryKey := sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintPrimaryKey,
	}
	assert.True(t, isUniqueConstraintError(primaryKey))

	// Other constraint classes are storage faults, not duplicate commits.
	foreignKey := sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintForeignKey,
	}
	assert.False(t, isUniqueConstraintError(foreignKey))
	notNull := sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintNotNull,
	}
	assert.False(t, isUniqueConstraintError(notNull))
	assert.False(t, isUniqueConstraintError(errors.New("constraint failed")))
	assert.False(t, isUniqueConstraintError(nil))
}

func TestSessionStore_PutStage_ForeignKeyViolationIsStorageError(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=1")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, NewMigrator(db).Migrate())
	store := NewSessionStore(db)

	// No session row exists, so the insert violates the FOREIGN KEY. That
	// must surface as a storage fault, not be adopted as a duplicate commit.
	rec := stageRecord(t, session.NewID(), stage.Structuring, `{"a":1}`)
	_, err = store.PutStage(context.Background(), rec)
	require.Error(t, err)
	assert.Equal(t, werr.CategoryStorageUnavailable, werr.CategoryOf(err))
	assert.Contains(t, err.Error(), "insert stage record")
}

func TestSessionStore_ResumeFlag_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "CASE-001")

	flag, err := store.ResumeFlag(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, flag)

	require.NoError(t, store.MarkResumable(ctx, sess.ID, true, stage.Regulatory))
	require.NoError(t, store.MarkResumable(ctx, sess.ID, false, stage.Draft))

	flag, err = store.ResumeFlag(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.False(t, flag.Resumable)
	assert.Equal(t, stage.Draft, flag.LastSafeStage)
}
