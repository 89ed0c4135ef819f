package repository

import (
	"context"

	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
)

// SessionStore is the durable record of workflow runs. Two interchangeable
// implementations exist (flat-file and SQLite) with identical observable
// semantics; the pipeline never knows which one it holds.
//
// All lookups return (nil, nil) for absent records. Errors are reserved for
// storage unavailability and are categorized werr.CategoryStorageUnavailable.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *session.Session) error

	// FindSession looks a session up by ID.
	FindSession(ctx context.Context, id session.ID) (*session.Session, error)

	// FindSessionByCase returns the most recent session for a case.
	FindSessionByCase(ctx context.Context, caseID string) (*session.Session, error)

	// GetStage reads the committed record for (session, stage).
	GetStage(ctx context.Context, id session.ID, n stage.Name) (*session.StageRecord, error)

	// PutStage commits a stage record durably before returning. The call is
	// idempotent: if a record already exists for the pair, the existing
	// record is returned unmodified and the new payload is discarded.
	PutStage(ctx context.Context, rec *session.StageRecord) (*session.StageRecord, error)

	// AppendError appends a failure record. Callers treat a returned error
	// as diagnostic only; logging a failed attempt must never fail the
	// stage execution itself.
	AppendError(ctx context.Context, rec *session.ErrorRecord) error

	// ListErrors returns all error records for a session in append order.
	ListErrors(ctx context.Context, id session.ID) ([]*session.ErrorRecord, error)

	// MarkResumable updates the session's resume flag.
	MarkResumable(ctx context.Context, id session.ID, resumable bool, lastSafe stage.Name) error

	// ResumeFlag reads the session's resume flag.
	ResumeFlag(ctx context.Context, id session.ID) (*session.ResumeFlag, error)

	// Close releases the store's resources.
	Close() error
}
