package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/advocai/caseflow/internal/application/port/output"
	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
	"github.com/advocai/caseflow/internal/infrastructure/transaction"
)

// dbExecutor abstracts *sql.DB and *sql.Tx so repositories work both inside
// and outside a transaction.
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SessionStoreImpl implements repository.SessionStore on SQLite. The
// UNIQUE(session_id, stage) constraint on stage_records is what makes
// PutStage idempotent under true concurrency, not application locking.
type SessionStoreImpl struct {
	db        *sql.DB
	txManager output.TransactionManager
}

// NewSessionStore creates a SQLite-backed session store. The schema must
// already be migrated (see Migrator).
func NewSessionStore(db *sql.DB) repository.SessionStore {
	return &SessionStoreImpl{
		db:        db,
		txManager: transaction.NewSQLiteTransactionManager(db),
	}
}

// getDB returns the appropriate database executor from context
func (s *SessionStoreImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// CreateSession persists a new session row.
func (s *SessionStoreImpl) CreateSession(ctx context.Context, sess *session.Session) error {
	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	query := `
		INSERT INTO sessions (session_id, case_id, created_at, last_completed_stage, metadata)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.getDB(ctx).ExecContext(ctx, query,
		sess.ID.String(),
		sess.CaseID,
		sess.CreatedAt.Format(time.RFC3339Nano),
		string(sess.LastCompletedStage),
		string(metadataJSON),
	)
	if err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("insert session: %w", err))
	}
	return nil
}

// FindSession looks a session up by ID. Returns (nil, nil) when absent.
func (s *SessionStoreImpl) FindSession(ctx context.Context, id session.ID) (*session.Session, error) {
	query := `
		SELECT session_id, case_id, created_at, last_completed_stage, metadata
		FROM sessions
		WHERE session_id = ?
	`
	return s.scanSession(s.getDB(ctx).QueryRowContext(ctx, query, id.String()))
}

// FindSessionByCase returns the most recent session for a case.
func (s *SessionStoreImpl) FindSessionByCase(ctx context.Context, caseID string) (*session.Session, error) {
	query := `
		SELECT session_id, case_id, created_at, last_completed_stage, metadata
		FROM sessions
		WHERE case_id = ?
		ORDER BY session_id DESC
		LIMIT 1
	`
	return s.scanSession(s.getDB(ctx).QueryRowContext(ctx, query, caseID))
}

func (s *SessionStoreImpl) scanSession(row *sql.Row) (*session.Session, error) {
	var (
		idStr        string
		caseID       string
		createdAt    string
		lastStage    string
		metadataJSON string
	)

	err := row.Scan(&idStr, &caseID, &createdAt, &lastStage, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("scan session: %w", err))
	}

	createdAtTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	metadata := map[string]string{}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}

	return &session.Session{
		ID:                 session.ID(idStr),
		CaseID:             caseID,
		CreatedAt:          createdAtTime,
		LastCompletedStage: stage.Name(lastStage),
		Metadata:           metadata,
	}, nil
}

// GetStage reads the committed record for (session, stage).
// Returns (nil, nil) when absent.
func (s *SessionStoreImpl) GetStage(ctx context.Context, id session.ID, n stage.Name) (*session.StageRecord, error) {
	query := `
		SELECT session_id, stage, output_json, raw_text, degraded, created_at
		FROM stage_records
		WHERE session_id = ? AND stage = ?
	`

	rec, err := s.scanStageRecord(s.getDB(ctx).QueryRowContext(ctx, query, id.String(), string(n)))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SessionStoreImpl) scanStageRecord(row *sql.Row) (*session.StageRecord, error) {
	var (
		idStr      string
		stageName  string
		outputJSON string
		rawText    sql.NullString
		degraded   int
		createdAt  string
	)

	err := row.Scan(&idStr, &stageName, &outputJSON, &rawText, &degraded, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("scan stage record: %w", err))
	}

	createdAtTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	rec := &session.StageRecord{
		SessionID: session.ID(idStr),
		Stage:     stage.Name(stageName),
		Output:    json.RawMessage(outputJSON),
		Degraded:  degraded != 0,
		CreatedAt: createdAtTime,
	}
	if rawText.Valid {
		rec.RawText = rawText.String
	}
	return rec, nil
}

// PutStage commits a stage record and advances the session marker in one
// transaction. If a record already exists for the pair the existing record
// is returned and nothing is modified; a concurrent writer losing the
// UNIQUE-constraint race adopts the winner's committed value.
func (s *SessionStoreImpl) PutStage(ctx context.Context, rec *session.StageRecord) (*session.StageRecord, error) {
	var committed *session.StageRecord

	err := s.txManager.InTransaction(ctx, func(txCtx context.Context) error {
		db := s.getDB(txCtx)

		insertQuery := `
			INSERT INTO stage_records (session_id, stage, output_json, raw_text, degraded, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		degraded := 0
		if rec.Degraded {
			degraded = 1
		}
		_, err := db.ExecContext(txCtx, insertQuery,
			rec.SessionID.String(),
			string(rec.Stage),
			string(rec.Output),
			rec.RawText,
			degraded,
			rec.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			if !isUniqueConstraintError(err) {
				return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("insert stage record: %w", err))
			}
			// Another writer committed first; adopt its record.
			existing, getErr := s.GetStage(txCtx, rec.SessionID, rec.Stage)
			if getErr != nil {
				return getErr
			}
			if existing == nil {
				return werr.New(werr.CategoryStorageUnavailable,
					"stage record for (%s, %s) vanished after constraint conflict", rec.SessionID, rec.Stage)
			}
			committed = existing
			return nil
		}

		if err := s.advanceSessionStage(txCtx, rec.SessionID, rec.Stage); err != nil {
			return err
		}

		committed = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	return committed, nil
}

// advanceSessionStage moves sessions.last_completed_stage forward, never
// backward.
func (s *SessionStoreImpl) advanceSessionStage(ctx context.Context, id session.ID, n stage.Name) error {
	db := s.getDB(ctx)

	var current string
	err := db.QueryRowContext(ctx,
		`SELECT last_completed_stage FROM sessions WHERE session_id = ?`, id.String(),
	).Scan(&current)
	if err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read session marker: %w", err))
	}

	if current != "" && !stage.Earlier(stage.Name(current), n) {
		return nil
	}

	_, err = db.ExecContext(ctx,
		`UPDATE sessions SET last_completed_stage = ? WHERE session_id = ?`,
		string(n), id.String(),
	)
	if err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("advance session marker: %w", err))
	}
	return nil
}

// AppendError appends a failure record.
func (s *SessionStoreImpl) AppendError(ctx context.Context, rec *session.ErrorRecord) error {
	query := `
		INSERT INTO error_records (session_id, stage, category, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.getDB(ctx).ExecContext(ctx, query,
		rec.SessionID.String(),
		string(rec.Stage),
		string(rec.Category),
		rec.Message,
		rec.Detail,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("append error record: %w", err))
	}
	return nil
}

// ListErrors returns all error records for a session in append order.
func (s *SessionStoreImpl) ListErrors(ctx context.Context, id session.ID) ([]*session.ErrorRecord, error) {
	query := `
		SELECT session_id, stage, category, message, detail, created_at
		FROM error_records
		WHERE session_id = ?
		ORDER BY id ASC
	`

	rows, err := s.getDB(ctx).QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("query error records: %w", err))
	}
	defer rows.Close()

	var records []*session.ErrorRecord
	for rows.Next() {
		var (
			idStr     string
			stageName string
			category  string
			message   string
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&idStr, &stageName, &category, &message, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}

		createdAtTime, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}

		rec := &session.ErrorRecord{
			SessionID: session.ID(idStr),
			Stage:     stage.Name(stageName),
			Category:  werr.Category(category),
			Message:   message,
			CreatedAt: createdAtTime,
		}
		if detail.Valid {
			rec.Detail = detail.String
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}

	return records, nil
}

// MarkResumable upserts the session's resume flag.
func (s *SessionStoreImpl) MarkResumable(ctx context.Context, id session.ID, resumable bool, lastSafe stage.Name) error {
	query := `
		INSERT INTO resume_flags (session_id, is_resumable, last_safe_stage, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			is_resumable = excluded.is_resumable,
			last_safe_stage = excluded.last_safe_stage,
			updated_at = excluded.updated_at
	`
	flag := 0
	if resumable {
		flag = 1
	}
	_, err := s.getDB(ctx).ExecContext(ctx, query,
		id.String(), flag, string(lastSafe), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("upsert resume flag: %w", err))
	}
	return nil
}

// ResumeFlag reads the session's resume flag. Returns (nil, nil) when the
// session has never been marked.
func (s *SessionStoreImpl) ResumeFlag(ctx context.Context, id session.ID) (*session.ResumeFlag, error) {
	query := `
		SELECT session_id, is_resumable, last_safe_stage, updated_at
		FROM resume_flags
		WHERE session_id = ?
	`

	var (
		idStr     string
		resumable int
		lastSafe  string
		updatedAt string
	)
	err := s.getDB(ctx).QueryRowContext(ctx, query, id.String()).Scan(&idStr, &resumable, &lastSafe, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("scan resume flag: %w", err))
	}

	updatedAtTime, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &session.ResumeFlag{
		SessionID:     session.ID(idStr),
		Resumable:     resumable != 0,
		LastSafeStage: stage.Name(lastSafe),
		UpdatedAt:     updatedAtTime,
	}, nil
}

// Close closes the underlying database handle.
func (s *SessionStoreImpl) Close() error {
	return s.db.Close()
}

// isUniqueConstraintError checks if the error is a UNIQUE constraint
// violation. Other constraint classes (FOREIGN KEY, NOT NULL) must not be
// mistaken for a duplicate commit.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
