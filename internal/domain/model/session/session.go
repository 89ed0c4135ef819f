package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// ID identifies one workflow run. IDs are ULIDs, so they sort by creation
// time.
type ID string

// NewID generates a new session ID.
// Format: ULID (e.g., 01JB6X8Y2K9FQR4T3VWHGP5M2C)
func NewID() ID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

func (id ID) String() string { return string(id) }

// Session is one workflow run for one case. The store owns the persisted
// form; the pipeline never keeps an authoritative copy across restarts.
type Session struct {
	ID                 ID
	CaseID             string
	CreatedAt          time.Time
	LastCompletedStage stage.Name // empty until the first stage commits
	Metadata           map[string]string
}

// New creates a session for a case. Metadata may be nil.
func New(caseID string, metadata map[string]string) (*Session, error) {
	if caseID == "" {
		return nil, fmt.Errorf("case ID is required")
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Session{
		ID:        NewID(),
		CaseID:    caseID,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}, nil
}

// StageRecord is one stage's committed result within a session. At most one
// record exists per (session, stage) pair; records are never mutated once
// committed.
type StageRecord struct {
	SessionID ID
	Stage     stage.Name
	Output    json.RawMessage
	RawText   string
	Degraded  bool
	CreatedAt time.Time
}

// NewStageRecord builds a record from a validated stage output.
func NewStageRecord(sessionID ID, n stage.Name, out *stage.Output) (*StageRecord, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("unknown stage %q", n)
	}
	if len(out.Payload) == 0 {
		return nil, werr.New(werr.CategoryOutputValidation, "stage %s produced an empty payload", n)
	}
	return &StageRecord{
		SessionID: sessionID,
		Stage:     n,
		Output:    out.Payload,
		RawText:   out.RawText,
		Degraded:  out.Degraded,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ErrorRecord is one observed stage failure. Append-only; repeated attempts
// at the same stage each leave their own record.
type ErrorRecord struct {
	SessionID ID
	Stage     stage.Name
	Category  werr.Category
	Message   string
	Detail    string
	CreatedAt time.Time
}

// NewErrorRecord captures a stage failure for the error log.
func NewErrorRecord(sessionID ID, n stage.Name, err error, detail string) *ErrorRecord {
	return &ErrorRecord{
		SessionID: sessionID,
		Stage:     n,
		Category:  werr.CategoryOf(err),
		Message:   err.Error(),
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
}

// ResumeFlag tracks whether a session is eligible for resumption and the
// last stage whose output is fully committed. Mutated only by the pipeline,
// immediately after a stage commit or failure.
type ResumeFlag struct {
	SessionID     ID
	Resumable     bool
	LastSafeStage stage.Name
	UpdatedAt     time.Time
}
