// Package workflow drives the fixed five-stage appeal pipeline over a
// session store. The pipeline is restart-safe: progress lives in the store,
// never in memory, and committed stages are skipped on re-entry.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/advocai/caseflow/internal/app"
	"github.com/advocai/caseflow/internal/domain/model/session"
	"github.com/advocai/caseflow/internal/domain/model/stage"
	"github.com/advocai/caseflow/internal/domain/repository"
	"github.com/advocai/caseflow/internal/domain/werr"
)

// Pipeline executes the stage sequence for one session. Stages run strictly
// in order; each committed stage is followed by a resume-flag update so a
// crash between stages loses at most the stage in flight.
type Pipeline struct {
	store     repository.SessionStore
	contracts map[stage.Name]stage.Contract
}

// NewPipeline creates a pipeline over the given stage implementations.
// Every stage in the fixed order must be present.
func NewPipeline(store repository.SessionStore, contracts ...stage.Contract) (*Pipeline, error) {
	byName := make(map[stage.Name]stage.Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Name()] = c
	}
	for _, n := range stage.Order() {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("no implementation registered for stage %s", n)
		}
	}
	return &Pipeline{store: store, contracts: byName}, nil
}

// Run advances the session until the final stage is committed, an error
// occurs, or ctx is cancelled. Re-running a partially completed session
// skips every stage with a committed record; only uncommitted stages
// execute.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session) error {
	logger := app.GetLogger()

	in := stage.Input{
		CaseID:    sess.CaseID,
		DenialRef: sess.Metadata["denial_ref"],
		PolicyRef: sess.Metadata["policy_ref"],
		Prior:     make(map[stage.Name]json.RawMessage),
	}

	for _, n := range stage.Order() {
		// Cancellation is honored between stages; a stage in flight
		// finishes or fails on its own context.
		if err := ctx.Err(); err != nil {
			return err
		}

		committed, err := p.store.GetStage(ctx, sess.ID, n)
		if err != nil {
			return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("read stage %s: %w", n, err))
		}
		if committed != nil {
			logger.Info("session %s: stage %s already committed, skipping", sess.ID, n)
			in.Prior[n] = committed.Output
			continue
		}

		logger.Info("session %s: running stage %s", sess.ID, n)
		rec, err := p.runStage(ctx, sess, n, in)
		if err != nil {
			p.recordFailure(ctx, sess, n, err)
			return fmt.Errorf("stage %s failed: %w", n, err)
		}

		in.Prior[n] = rec.Output
		if rec.Degraded {
			logger.Warn("session %s: stage %s committed with degraded output", sess.ID, n)
		}

		if err := p.store.MarkResumable(context.WithoutCancel(ctx), sess.ID, true, n); err != nil {
			return werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("mark resumable after %s: %w", n, err))
		}
	}

	return nil
}

// runStage executes one stage under its contract and commits the result.
func (p *Pipeline) runStage(ctx context.Context, sess *session.Session, n stage.Name, in stage.Input) (*session.StageRecord, error) {
	c := p.contracts[n]

	if err := c.ValidateInput(in); err != nil {
		return nil, err
	}

	out, err := c.Execute(ctx, in)
	if err != nil {
		return nil, err
	}

	if err := c.ValidateOutput(out); err != nil {
		return nil, err
	}

	rec, err := session.NewStageRecord(sess.ID, n, out)
	if err != nil {
		return nil, err
	}

	// PutStage is idempotent; under a commit race the first writer wins and
	// the committed record comes back either way. The commit runs detached
	// from caller cancellation: once Execute has produced a validated
	// output, that result must not be lost to a cancel that landed between
	// execution and commit. Cancellation takes effect between stages.
	committed, err := p.store.PutStage(context.WithoutCancel(ctx), rec)
	if err != nil {
		return nil, werr.Wrap(werr.CategoryStorageUnavailable, fmt.Errorf("commit stage %s: %w", n, err))
	}
	return committed, nil
}

// recordFailure logs the failure into the session's error log and updates
// the resume flag. Neither write may mask the original failure; their own
// errors are logged and dropped.
func (p *Pipeline) recordFailure(ctx context.Context, sess *session.Session, n stage.Name, cause error) {
	logger := app.GetLogger()

	if err := p.store.AppendError(ctx, session.NewErrorRecord(sess.ID, n, cause, "")); err != nil {
		logger.Error("session %s: failed to append error record: %v", sess.ID, err)
	}

	// Invalid inputs won't fix themselves on retry; everything else can be
	// resumed from the last committed stage.
	resumable := werr.CategoryOf(cause) != werr.CategoryInvalidInput

	flag, err := p.store.ResumeFlag(ctx, sess.ID)
	if err != nil {
		logger.Error("session %s: failed to read resume flag: %v", sess.ID, err)
	}
	lastSafe := stage.Name("")
	if flag != nil {
		lastSafe = flag.LastSafeStage
	}

	if err := p.store.MarkResumable(ctx, sess.ID, resumable, lastSafe); err != nil {
		logger.Error("session %s: failed to update resume flag: %v", sess.ID, err)
	}
}
