package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseHealthChecking
	PhaseOneTimeSync
	PhaseContinuousSync
	PhaseTerminated
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseHealthChecking:
		return "HEALTH_CHECKING"
	case PhaseOneTimeSync:
		return "ONE_TIME_SYNC"
	case PhaseContinuousSync:
		return "CONTINUOUS_SYNC"
	case PhaseTerminated:
		return "TERMINATED"
	case PhaseFatal:
		return "FATAL"
	default:
		return "INVALID"
	}
}

// Terminated and Fatal are reachable from every running phase so that a
// shutdown or a fatal error can end the run wherever it happens.
func (p Phase) validateTransitionTo(next Phase) error {
	switch p {
	case PhaseInit:
		if next == PhaseHealthChecking {
			return nil
		}
	case PhaseHealthChecking:
		switch next {
		case PhaseOneTimeSync, PhaseTerminated, PhaseFatal:
			return nil
		}
	case PhaseOneTimeSync:
		switch next {
		case PhaseContinuousSync, PhaseTerminated, PhaseFatal:
			return nil
		}
	case PhaseContinuousSync:
		switch next {
		case PhaseTerminated, PhaseFatal:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p, next)
}

type Mode int

const (
	ModeFull Mode = iota
	ModeCheckOnly
	ModeDumpOnly
)

const defaultQueueSize = 256

type OrchestratorOptions struct {
	// Database keys the checkpoint.
	Database string
	Mode     Mode
	// Resume skips the one-time sync when a checkpoint exists and
	// subscribes from the checkpointed sequence instead.
	Resume      bool
	QueueSize   int
	Checkpoints CheckpointStore
	Progress    *ProgressHub
}

type Status struct {
	Phase          string      `json:"phase"`
	Readiness      Readiness   `json:"readiness"`
	Upserts        UpsertStats `json:"upserts"`
	Skipped        int64       `json:"skipped"`
	Malformed      int64       `json:"malformed"`
	FeedErrors     int64       `json:"feedErrors"`
	LastSeq        string      `json:"lastSeq,omitempty"`
	LastError      string      `json:"lastError,omitempty"`
	CheckpointHeld bool        `json:"checkpointHeld"`
	StartedAt      time.Time   `json:"startedAt"`
	PhaseChangedAt time.Time   `json:"phaseChangedAt"`
}

// Orchestrator sequences the health gate, the one-time sync and the
// continuous sync. The phases never overlap.
type Orchestrator struct {
	gate     *HealthGate
	source   Source
	upserter *Upserter
	opts     OrchestratorOptions
	log      zerolog.Logger

	mu             sync.Mutex
	phase          Phase
	readiness      Readiness
	lastSeq        string
	lastErr        string
	startedAt      time.Time
	phaseChangedAt time.Time

	skipped    atomic.Int64
	malformed  atomic.Int64
	feedErrors atomic.Int64
	// checkpointsHeld is set by the first write that fails. The stored
	// checkpoint then stays behind that document for the rest of the run.
	checkpointsHeld atomic.Bool
}

func NewOrchestrator(gate *HealthGate, source Source, upserter *Upserter, opts OrchestratorOptions, log zerolog.Logger) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	now := time.Now().UTC()
	return &Orchestrator{
		gate:           gate,
		source:         source,
		upserter:       upserter,
		opts:           opts,
		log:            log,
		phase:          PhaseInit,
		startedAt:      now,
		phaseChangedAt: now,
	}
}

// Run drives the state machine to completion. It returns nil when the run
// terminates cleanly, including external shutdown through ctx, and the
// triggering error when it ends in FATAL.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.transition(PhaseHealthChecking); err != nil {
		return err
	}
	readiness, err := o.gate.Check(ctx)
	o.mu.Lock()
	o.readiness = readiness
	o.mu.Unlock()
	if err != nil {
		return o.finish(ctx, err)
	}
	if o.opts.Mode == ModeCheckOnly {
		return o.terminate("health check complete")
	}

	if err := o.transition(PhaseOneTimeSync); err != nil {
		return err
	}
	since := readiness.UpdateSeq
	checkpoint, err := o.resumeCheckpoint(ctx)
	if err != nil {
		return o.finish(ctx, err)
	}
	if checkpoint != nil {
		since = checkpoint.Seq
		o.setLastSeq(checkpoint.Seq)
		o.log.Info().Str("seq", checkpoint.Seq).Time("checkpointed_at", checkpoint.UpdatedAt).Msg("resuming from checkpoint, one-time sync skipped")
	} else if err := o.syncOnce(ctx, readiness); err != nil {
		return o.finish(ctx, err)
	}
	if o.opts.Mode == ModeDumpOnly {
		return o.terminate("one-time sync complete")
	}

	if err := o.transition(PhaseContinuousSync); err != nil {
		return err
	}
	if err := o.syncContinuous(ctx, readiness, since); err != nil {
		return o.finish(ctx, err)
	}
	if ctx.Err() != nil {
		return o.terminate("shutdown requested")
	}
	return o.terminate("change feed ended")
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Phase:          o.phase.String(),
		Readiness:      o.readiness,
		Upserts:        o.upserter.Stats(),
		Skipped:        o.skipped.Load(),
		Malformed:      o.malformed.Load(),
		FeedErrors:     o.feedErrors.Load(),
		LastSeq:        o.lastSeq,
		LastError:      o.lastErr,
		CheckpointHeld: o.checkpointsHeld.Load(),
		StartedAt:      o.startedAt,
		PhaseChangedAt: o.phaseChangedAt,
	}
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) resumeCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if !o.opts.Resume || o.opts.Checkpoints == nil {
		return nil, nil
	}
	checkpoint, err := o.opts.Checkpoints.Load(ctx, o.opts.Database)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint == nil || checkpoint.Seq == "" {
		return nil, nil
	}
	return checkpoint, nil
}

// syncOnce streams the bulk dump through decode, extract and upsert stages
// and returns once every extracted document has been attempted.
func (o *Orchestrator) syncOnce(ctx context.Context, readiness Readiness) error {
	if !readiness.Ready() {
		return ErrNotReady
	}
	body, err := o.source.BulkDump(ctx)
	if err != nil {
		return fmt.Errorf("open bulk dump: %w", err)
	}
	defer body.Close()

	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	records := make(chan string, o.opts.QueueSize)
	docs := make(chan Document, o.opts.QueueSize)
	stageErrs := make(chan error, 2)
	go func() {
		defer close(records)
		stageErrs <- DecodeFrames(stageCtx, body, records)
	}()
	go func() {
		defer close(docs)
		stageErrs <- ExtractDocuments(stageCtx, records, docs, &o.malformed, o.log)
	}()

	var applyErr error
	count := 0
	for doc := range docs {
		if applyErr != nil {
			continue
		}
		applied, err := o.upserter.Apply(ctx, doc)
		if err != nil {
			applyErr = err
			cancel()
			_ = body.Close()
			continue
		}
		if !applied {
			o.holdCheckpoints(doc.ID, "")
			continue
		}
		count++
		o.publish(ProgressEvent{Type: "document", ID: doc.ID})
	}
	var stageErr error
	for i := 0; i < 2; i++ {
		if err := <-stageErrs; err != nil && stageErr == nil {
			stageErr = err
		}
	}
	if applyErr != nil {
		return applyErr
	}
	if stageErr != nil {
		return fmt.Errorf("bulk dump stream: %w", stageErr)
	}
	o.log.Info().Int("documents", count).Int64("malformed", o.malformed.Load()).Msg("one-time sync drained")
	return nil
}

func (o *Orchestrator) syncContinuous(ctx context.Context, readiness Readiness, since string) error {
	if !readiness.Ready() {
		return ErrNotReady
	}
	feed, err := o.source.Changes(ctx, since)
	if err != nil {
		return fmt.Errorf("subscribe to change feed: %w", err)
	}
	o.log.Info().Str("since", since).Msg("subscribed to change feed")
	events, feedErrs := feed.Events, feed.Errors
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, open := <-feedErrs:
			if !open {
				feedErrs = nil
				continue
			}
			o.feedErrors.Add(1)
			o.log.Error().Err(err).Msg("change feed error")
			o.publish(ProgressEvent{Type: "feed_error", Message: err.Error()})
		case event, open := <-events:
			if !open {
				return nil
			}
			if err := o.applyChange(ctx, event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (o *Orchestrator) applyChange(ctx context.Context, event ChangeEvent) error {
	if event.Deleted || event.Doc == nil {
		o.skipped.Add(1)
		o.log.Debug().Str("id", event.ID).Str("seq", event.Seq).Bool("deleted", event.Deleted).Msg("skipping change without document")
	} else {
		applied, err := o.upserter.Apply(ctx, *event.Doc)
		if err != nil {
			return err
		}
		if !applied {
			o.holdCheckpoints(event.ID, event.Seq)
		}
	}
	if event.Seq == "" {
		return nil
	}
	o.setLastSeq(event.Seq)
	o.log.Info().Str("id", event.ID).Str("seq", event.Seq).Msg("change processed")
	o.publish(ProgressEvent{Type: "change", ID: event.ID, Seq: event.Seq})
	if o.opts.Checkpoints == nil || o.checkpointsHeld.Load() {
		return nil
	}
	checkpoint := Checkpoint{Database: o.opts.Database, Seq: event.Seq, UpdatedAt: time.Now().UTC()}
	if err := o.opts.Checkpoints.Save(ctx, checkpoint); err != nil {
		o.log.Error().Err(err).Str("seq", event.Seq).Msg("failed to save checkpoint")
	}
	return nil
}

// holdCheckpoints stops checkpoint writes after a document failed to reach
// the destination, so a resumed run replays from before it.
func (o *Orchestrator) holdCheckpoints(id, seq string) {
	if o.opts.Checkpoints == nil || o.checkpointsHeld.Swap(true) {
		return
	}
	o.log.Warn().Str("id", id).Str("seq", seq).Msg("write failed, checkpoint held for the rest of the run")
	o.publish(ProgressEvent{Type: "checkpoint_held", ID: id, Seq: seq})
}

// finish maps an error from a phase to shutdown or FATAL. Errors seen after
// ctx is done are side effects of the shutdown itself.
func (o *Orchestrator) finish(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		o.log.Debug().Err(err).Msg("phase interrupted by shutdown")
		return o.terminate("shutdown requested")
	}
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
	if transitionErr := o.transition(PhaseFatal); transitionErr != nil {
		return errors.Join(err, transitionErr)
	}
	o.log.Error().Err(err).Msg("sync failed")
	return err
}

func (o *Orchestrator) terminate(reason string) error {
	if err := o.transition(PhaseTerminated); err != nil {
		return err
	}
	o.log.Info().Str("reason", reason).Msg("sync terminated")
	return nil
}

func (o *Orchestrator) transition(next Phase) error {
	o.mu.Lock()
	current := o.phase
	if err := current.validateTransitionTo(next); err != nil {
		o.mu.Unlock()
		return err
	}
	o.phase = next
	o.phaseChangedAt = time.Now().UTC()
	o.mu.Unlock()
	o.log.Info().Str("from", current.String()).Str("to", next.String()).Msg("phase transition")
	o.publish(ProgressEvent{Type: "phase"})
	return nil
}

func (o *Orchestrator) setLastSeq(seq string) {
	o.mu.Lock()
	o.lastSeq = seq
	o.mu.Unlock()
}

func (o *Orchestrator) publish(event ProgressEvent) {
	if o.opts.Progress == nil {
		return
	}
	if event.Phase == "" {
		event.Phase = o.Phase().String()
	}
	o.opts.Progress.Publish(event)
}
