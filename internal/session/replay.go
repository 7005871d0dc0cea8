package session

import (
	"context"
	"fmt"
	"time"

	plog "terrastamp.ai/internal/persistence/log"
	"terrastamp.ai/internal/world"
)

// StepError reports the log position at which a replay stopped.
type StepError struct {
	Index       int
	OperationID string
	Type        Type
	Err         error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("operation %d (%s %s): %v", e.Index, e.Type, e.OperationID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PlayReport lists what a replay did, by log index.
type PlayReport struct {
	Executed []int `json:"executed"`
	Skipped  []int `json:"skipped,omitempty"`
	// Failed is the index replay stopped at, or -1.
	Failed int `json:"failed"`
}

// PlayProgress is told before each step runs.
type PlayProgress func(index, total int, op *Operation)

// ExecuteOperation replays op against the current world, exports included.
// It is not recorded again. Replaying a world creation while terrain exists
// fails with world.ErrTerrainExists.
func (s *Session) ExecuteOperation(ctx context.Context, op *Operation) error {
	return s.executeOp(ctx, op, execEnv{})
}

func (s *Session) executeOp(ctx context.Context, op *Operation, env execEnv) error {
	if op == nil || op.Settings == nil {
		return fmt.Errorf("%w: operation has no settings", ErrUnknownType)
	}
	out, err := op.Settings.execute(ctx, s, env)
	if err != nil {
		e := journalFailure(op.Type, err)
		e.OperationID = op.ID
		s.writeJournal(e)
		return err
	}
	s.finish(op, out, true)
	return nil
}

// PlayAll replays the log in insertion order against the current world.
// Inactive operations are skipped; the first failure stops the replay.
// Mask map exports and spawn queries are not repeated.
func (s *Session) PlayAll(ctx context.Context, progress PlayProgress) (PlayReport, error) {
	return s.play(ctx, s.log.Operations(), progress)
}

func (s *Session) play(ctx context.Context, ops []*Operation, progress PlayProgress) (PlayReport, error) {
	rep := PlayReport{Failed: -1}
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			rep.Failed = i
			return rep, &StepError{Index: i, OperationID: op.ID, Type: op.Type, Err: err}
		}
		if !op.Active {
			rep.Skipped = append(rep.Skipped, i)
			continue
		}
		if progress != nil {
			progress(i, len(ops), op)
		}
		if err := s.executeOp(ctx, op, execEnv{replay: true}); err != nil {
			rep.Failed = i
			return rep, &StepError{Index: i, OperationID: op.ID, Type: op.Type, Err: err}
		}
		rep.Executed = append(rep.Executed, i)
	}
	return rep, nil
}

// Reduce folds ops into a fresh in-memory world. cfg supplies undo depth,
// workers, export directory and logger; cfg.Dir is ignored.
func Reduce(ctx context.Context, ops []*Operation, cfg Config) (*world.World, error) {
	r, err := reduce(ctx, ops, cfg)
	if err != nil {
		return nil, err
	}
	r.undo.Close()
	return r.world, nil
}

func reduce(ctx context.Context, ops []*Operation, cfg Config) (*Session, error) {
	cfg.Dir = ""
	r, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := r.play(ctx, ops, nil); err != nil {
		r.undo.Close()
		return nil, err
	}
	return r, nil
}

// Rebuild replaces the world with a fresh reduction of the log. The current
// world is kept if the reduction fails.
func (s *Session) Rebuild(ctx context.Context) error {
	cfg := s.cfg
	cfg.Logger = s.logger
	r, err := reduce(ctx, s.log.Operations(), cfg)
	if err != nil {
		return err
	}
	s.swapWorld(r.world, r.undo)
	names := s.world.TileNames()
	stats := s.tileStats(names)
	entry := plog.JournalEntry{Action: "rebuild", Tiles: names, Digests: map[string]string{}}
	for _, ts := range stats {
		entry.Digests[ts.Name] = ts.Digest
	}
	s.writeJournal(entry)
	s.publish(Event{Type: TypeCreateWorld, Replay: true, Tiles: stats})
	return nil
}

// DestroyWorld removes all tiles and the undo history. It is not recorded.
func (s *Session) DestroyWorld() {
	s.world.Destroy()
	s.undo.Clear()
}

func (s *Session) SetActive(ctx context.Context, i int, active bool) error {
	if err := s.log.SetActive(i, active); err != nil {
		return err
	}
	op, _ := s.log.At(i)
	s.writeJournal(plog.JournalEntry{Action: fmt.Sprintf("set_active=%t", active), OperationID: op.ID, Type: string(op.Type)})
	return s.syncIndex(ctx)
}

func (s *Session) SetDescription(ctx context.Context, i int, desc string) error {
	if err := s.log.SetDescription(i, desc); err != nil {
		return err
	}
	return s.syncIndex(ctx)
}

// DeleteOperation removes the record at i and its settings asset. The world
// is not changed; Rebuild reflects the shorter log.
func (s *Session) DeleteOperation(ctx context.Context, i int) error {
	op, err := s.log.Delete(i)
	if err != nil {
		return err
	}
	s.writeJournal(plog.JournalEntry{Action: "delete", OperationID: op.ID, Type: string(op.Type), Description: op.Description})
	return s.syncIndex(ctx)
}

// ClearLog removes every record and asset.
func (s *Session) ClearLog(ctx context.Context) error {
	if err := s.log.Clear(); err != nil {
		_ = s.syncIndex(ctx)
		return err
	}
	s.writeJournal(plog.JournalEntry{Action: "clear"})
	return s.syncIndex(ctx)
}

func journalFailure(t Type, err error) plog.JournalEntry {
	return plog.JournalEntry{Time: time.Now().UTC(), Action: "failed", Type: string(t), Error: err.Error()}
}
