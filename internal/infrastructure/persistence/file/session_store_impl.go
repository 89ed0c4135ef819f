package file

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// SessionStoreImpl implements repository.SessionStore on a flat-file layout:
//
//	<base>/<session-id>/
//	    metadata.yml
//	    resume.yml
//	    checkpoints/<stage>.json
//	    errors/<timestamp>-<uuid>.json
//
// A checkpoint file's existence is what makes its stage skippable on resume.
// Same-process PutStage races are serialized with a mutex; cross-process
// callers that need strict uniqueness under concurrency should use the
// SQLite backend, whose constraint holds at the storage layer.
type SessionStoreImpl struct {
	fs      afero.Fs
	baseDir string
	mu      sync.Mutex
}

// sessionMeta is the persisted form of a session (metadata.yml).
type sessionMeta struct {
	SessionID          string            `yaml:"session_id"`
	CaseID             string            `yaml:"case_id"`
	CreatedAt          time.Time         `yaml:"created_at"`
	LastCompletedStage string            `yaml:"last_completed_stage"`
	Metadata           map[string]string `yaml:"metadata"`
}

// resumeMeta is the persisted form of a resume flag (resume.yml).
type resumeMeta struct {
	Resumable     bool      `yaml:"resumable"`
	LastSafeStage string    `yaml:"last_safe_stage"`
	UpdatedAt     time.Time `yaml:"updated_at"`
}

// checkpointDoc is the persisted form of a stage record.
type checkpointDoc struct {
	Stage      string          `json:"stage"`
	CreatedAt  time.Time       `json:"created_at"`
	OutputJSON json.RawMessage `json:"output_json"`
	RawText    string          `json:"raw_text,omitempty"`
	Degraded   bool            `json:"degraded"`
}

// errorDoc is the persisted form of an error record.
type errorDoc struct {
	Stage     string    `json:"stage"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSessionStore creates a flat-file session store rooted at baseDir.
func NewSessionStore(fs afero.Fs, baseDir string) repository.SessionStore {
	return &SessionStoreImpl{fs: fs, baseDir: baseDir}
}

func (s *SessionStoreImpl) sessionDir(id session.ID) string {
	return filepath.Join(s.baseDir, id.String())
}

func (s *SessionStoreImpl) metadataPath(id session.ID) string {
	return filepath.Join(s.sessionDir(id), "metadata.yml")
}

func (s *SessionStoreImpl) resumePath(id session.ID) string {
	return filepath.Join(s.sessionDir(id), "resume.yml")
}

func (s *SessionStoreImpl) checkpointPath(id session.ID, n stage.Name) string {
	return filepath.Join(s.sessionDir(id), "checkpoints", string(n)+".json")
}

func (s *SessionStoreImpl) errorDir(id session.ID) string {
	return filepath.Join(s.sessionDir(id), "errors")
}

// CreateSession writes the session's metadata.yml.
func (s *SessionStoreImpl) CreateSession(ctx context.Context, sess *session.Session) error {
	meta := sessionMeta{
		SessionID:          sess.ID.String(),
		CaseID:             sess.CaseID,
		CreatedAt:          sess.CreatedAt,
		LastCompletedStage: string(sess.LastCompletedStage),
		Metadata:           sess.Metadata,
	}

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if err := WriteFileAtomic(s.fs, s.metadataPath(sess.ID), data); err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, err)
	}
	return nil
}

// FindSession reads a session's metadata.yml. Returns (nil, nil) when the
// session directory does not exist.
func (s *SessionStoreImpl) FindSession(ctx context.Context, id session.ID) (*session.Session, error) {
	return s.readSession(id)
}

func (s *SessionStoreImpl) readSession(id session.ID) (*session.Session, error) {
	path := s.metadataPath(id)

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("stat %s: %w", path, err))
	}
	if !exists {
		return nil, nil
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read %s: %w", path, err))
	}

	var meta sessionMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session metadata: %w", err)
	}

	return &session.Session{
		ID:                 session.ID(meta.SessionID),
		CaseID:             meta.CaseID,
		CreatedAt:          meta.CreatedAt,
		LastCompletedStage: stage.Name(meta.LastCompletedStage),
		Metadata:           meta.Metadata,
	}, nil
}

// FindSessionByCase scans session directories for the most recent session of
// a case. Session IDs are ULIDs, so the lexicographically greatest ID is the
// newest.
func (s *SessionStoreImpl) FindSessionByCase(ctx context.Context, caseID string) (*session.Session, error) {
	exists, err := afero.DirExists(s.fs, s.baseDir)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("stat %s: %w", s.baseDir, err))
	}
	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read %s: %w", s.baseDir, err))
	}

	var found *session.Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.readSession(session.ID(entry.Name()))
		if err != nil || sess == nil {
			continue
		}
		if sess.CaseID != caseID {
			continue
		}
		if found == nil || sess.ID > found.ID {
			found = sess
		}
	}

	return found, nil
}

// GetStage reads a checkpoint file. Returns (nil, nil) when absent.
func (s *SessionStoreImpl) GetStage(ctx context.Context, id session.ID, n stage.Name) (*session.StageRecord, error) {
	path := s.checkpointPath(id, n)

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("stat %s: %w", path, err))
	}
	if !exists {
		return nil, nil
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read %s: %w", path, err))
	}

	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", path, err)
	}

	return &session.StageRecord{
		SessionID: id,
		Stage:     stage.Name(doc.Stage),
		Output:    doc.OutputJSON,
		RawText:   doc.RawText,
		Degraded:  doc.Degraded,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// PutStage writes a checkpoint file if none exists for the pair. An existing
// checkpoint is read back and returned untouched, which is what makes replay
// safe on this backend.
func (s *SessionStoreImpl) PutStage(ctx context.Context, rec *session.StageRecord) (*session.StageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetStage(ctx, rec.SessionID, rec.Stage)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	doc := checkpointDoc{
		Stage:      string(rec.Stage),
		CreatedAt:  rec.CreatedAt,
		OutputJSON: rec.Output,
		RawText:    rec.RawText,
		Degraded:   rec.Degraded,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := WriteFileAtomic(s.fs, s.checkpointPath(rec.SessionID, rec.Stage), data); err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, err)
	}

	if err := s.advanceSessionStage(rec.SessionID, rec.Stage); err != nil {
		return nil, err
	}

	return rec, nil
}

// advanceSessionStage rewrites metadata.yml with a forward-only marker.
func (s *SessionStoreImpl) advanceSessionStage(id session.ID, n stage.Name) error {
	sess, err := s.readSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return werr.New(werr.CategoryStorageUnavailable, "session %s has no metadata", id)
	}

	if sess.LastCompletedStage != "" && !stage.Earlier(sess.LastCompletedStage, n) {
		return nil
	}
	sess.LastCompletedStage = n

	return s.CreateSession(context.Background(), sess)
}

// AppendError writes one error file per failure. File names sort in append
// order (UTC timestamp prefix); the UUID suffix keeps concurrent appenders
// from colliding.
func (s *SessionStoreImpl) AppendError(ctx context.Context, rec *session.ErrorRecord) error {
	doc := errorDoc{
		Stage:     string(rec.Stage),
		Category:  string(rec.Category),
		Message:   rec.Message,
		Detail:    rec.Detail,
		CreatedAt: rec.CreatedAt,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal error record: %w", err)
	}

	name := fmt.Sprintf("%s-%s.json",
		rec.CreatedAt.UTC().Format("20060102T150405.000000000Z"),
		uuid.NewString(),
	)
	path := filepath.Join(s.errorDir(rec.SessionID), name)

	if err := WriteFileAtomic(s.fs, path, data); err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, err)
	}
	return nil
}

// ListErrors reads all error files for a session in append order.
func (s *SessionStoreImpl) ListErrors(ctx context.Context, id session.ID) ([]*session.ErrorRecord, error) {
	dir := s.errorDir(id)

	exists, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("stat %s: %w", dir, err))
	}
	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read %s: %w", dir, err))
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var records []*session.ErrorRecord
	for _, name := range names {
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, name))
		if err != nil {
			return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read error record %s: %w", name, err))
		}

		var doc errorDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal error record %s: %w", name, err)
		}

		records = append(records, &session.ErrorRecord{
			SessionID: id,
			Stage:     stage.Name(doc.Stage),
			Category:  werr.Category(doc.Category),
			Message:   doc.Message,
			Detail:    doc.Detail,
			CreatedAt: doc.CreatedAt,
		})
	}

	return records, nil
}

// MarkResumable rewrites resume.yml.
func (s *SessionStoreImpl) MarkResumable(ctx context.Context, id session.ID, resumable bool, lastSafe stage.Name) error {
	meta := resumeMeta{
		Resumable:     resumable,
		LastSafeStage: string(lastSafe),
		UpdatedAt:     time.Now().UTC(),
	}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("marshal resume flag: %w", err)
	}

	if err := WriteFileAtomic(s.fs, s.resumePath(id), data); err != nil {
		return werr.Wrap(werr.CategoryStorageUnavailable, err)
	}
	return nil
}

// ResumeFlag reads resume.yml. Returns (nil, nil) when never marked.
func (s *SessionStoreImpl) ResumeFlag(ctx context.Context, id session.ID) (*session.ResumeFlag, error) {
	path := s.resumePath(id)

	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("stat %s: %w", path, err))
	}
	if !exists {
		return nil, nil
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read %s: %w", path, err))
	}

	var meta resumeMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal resume flag: %w", err)
	}

	return &session.ResumeFlag{
		SessionID:     id,
		Resumable:     meta.Resumable,
		LastSafeStage: stage.Name(meta.LastSafeStage),
		UpdatedAt:     meta.UpdatedAt,
	}, nil
}

// Close is a no-op for the flat-file backend.
func (s *SessionStoreImpl) Close() error {
	return nil
}
