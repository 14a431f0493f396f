package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/metrics"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/pubsub"
	"offline-sync-core/internal/queue"
	"offline-sync-core/internal/remote"
	"offline-sync-core/internal/store"
)

var tracer = otel.Tracer("offline-sync-core/sync")

// historyKeep bounds the persisted cycle history.
const historyKeep = 100

// LocalStore is the part of the local store the engine reconciles into.
type LocalStore interface {
	Upsert(ctx context.Context, rec model.Record, opts ...store.Option) (model.Record, error)
	Delete(ctx context.Context, table, id string) error
	MarkSynced(ctx context.Context, table, id string) error
}

type EngineDeps struct {
	Queue     *queue.Manager
	Store     LocalStore
	Authority remote.Authority
	State     StateStore
	Now       func() time.Time
	Logger    *zap.Logger
}

// Engine drains the queue to the authority in batches and reconciles the
// results. At most one cycle runs at a time.
type Engine struct {
	queue     *queue.Manager
	store     LocalStore
	authority remote.Authority
	state     StateStore
	conflicts *ConflictManager
	now       func() time.Time
	log       *zap.Logger

	progressEvents *pubsub.Registry[model.SyncProgress]
	conflictEvents *pubsub.Registry[model.SyncConflict]
	errorEvents    *pubsub.Registry[SyncErrorEvent]

	mu       sync.Mutex
	cfg      config.SyncConfig
	st       State
	progress model.SyncProgress
	lastSync time.Time
}

func NewEngine(deps EngineDeps, cfg config.SyncConfig) (*Engine, error) {
	strategy, err := StrategyFor(cfg.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	log := deps.Logger.Named("sync")
	return &Engine{
		queue:          deps.Queue,
		store:          deps.Store,
		authority:      deps.Authority,
		state:          deps.State,
		conflicts:      NewConflictManager(deps.State, strategy, deps.Now),
		now:            deps.Now,
		log:            log,
		progressEvents: pubsub.New[model.SyncProgress]("sync.progress", log),
		conflictEvents: pubsub.New[model.SyncConflict]("sync.conflict", log),
		errorEvents:    pubsub.New[SyncErrorEvent]("sync.error", log),
		cfg:            cfg,
		st:             StateIdle,
		progress:       model.SyncProgress{Status: model.SyncIdle},
	}, nil
}

// Load restores the last successful sync time from history.
func (e *Engine) Load(ctx context.Context) error {
	hist, err := e.state.GetSyncHistory(ctx, historyKeep, 0)
	if err != nil {
		return err
	}
	for _, h := range hist {
		if h.Status == model.SyncSuccess {
			e.mu.Lock()
			e.lastSync = h.CompletedAt
			e.mu.Unlock()
			break
		}
	}
	return nil
}

func (e *Engine) Close() {
	e.progressEvents.Close()
	e.conflictEvents.Close()
	e.errorEvents.Close()
}

// Sync runs one cycle and returns its final progress. If a cycle is already
// in flight it returns that cycle's current progress without starting another.
// Cancelling ctx stops the cycle between batches.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) model.SyncProgress {
	e.mu.Lock()
	if e.st.Busy() {
		p := e.progress
		e.mu.Unlock()
		metrics.SyncSkipped.WithLabelValues("in_flight").Inc()
		return p
	}
	cfg := e.cfg
	start := e.now()
	cycleID := uuid.New().String()
	e.st = StateDraining
	e.progress = model.SyncProgress{CycleID: cycleID, Status: model.SyncSyncing, StartedAt: start}
	e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("sync.cycle_id", cycleID),
		attribute.String("sync.trigger", string(trigger)),
	))
	defer span.End()

	ops := e.queue.Due(start, 0)
	batches := planBatches(ops, cfg.BatchSize)
	e.updateProgress(func(p *model.SyncProgress) {
		p.Total = len(ops)
		p.TotalBatches = len(batches)
	})
	e.log.Info("Sync cycle started",
		zap.String("cycle", cycleID),
		zap.String("trigger", string(trigger)),
		zap.Int("operations", len(ops)),
		zap.Int("batches", len(batches)),
	)

	var stopped error
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			stopped = fmt.Errorf("cycle stopped before batch %d: %w", i+1, err)
			e.log.Info("Sync cycle superseded", zap.String("cycle", cycleID), zap.Int("remainingBatches", len(batches)-i))
			break
		}
		e.setState(StateBatching)
		e.updateProgress(func(p *model.SyncProgress) { p.CurrentBatch = i + 1 })

		res := e.runBatch(ctx, cycleID, cfg, batch)
		e.updateProgress(func(p *model.SyncProgress) {
			p.Completed += res.completed
			p.Failed += res.failed
			p.Conflicts += res.conflicts
			if res.lastErr != nil {
				p.LastError = res.lastErr.Error()
			}
		})
	}

	final := e.finish(ctx, trigger, stopped)
	if final.Status == model.SyncError {
		span.SetStatus(codes.Error, final.LastError)
	}
	span.SetAttributes(
		attribute.Int("sync.completed", final.Completed),
		attribute.Int("sync.failed", final.Failed),
		attribute.Int("sync.conflicts", final.Conflicts),
	)
	return final
}

// finish settles the cycle. A cycle with failed operations ends in error; a
// superseded one does not count as a completed sync.
func (e *Engine) finish(ctx context.Context, trigger Trigger, stopped error) model.SyncProgress {
	end := e.now()

	e.mu.Lock()
	p := &e.progress
	p.FinishedAt = end
	if p.Failed > 0 {
		p.Status = model.SyncError
		e.st = StateError
	} else {
		p.Status = model.SyncSuccess
		e.st = StateIdle
		if stopped == nil {
			e.lastSync = end
		}
	}
	if stopped != nil {
		p.LastError = stopped.Error()
	}
	final := *p
	e.mu.Unlock()

	hist := &model.SyncHistory{
		ID:          final.CycleID,
		StartedAt:   final.StartedAt,
		CompletedAt: end,
		Trigger:     string(trigger),
		Total:       final.Total,
		Completed:   final.Completed,
		Failed:      final.Failed,
		Conflicts:   final.Conflicts,
		Status:      final.Status,
		Error:       final.LastError,
	}
	hctx := context.WithoutCancel(ctx)
	if err := e.state.CreateSyncHistory(hctx, hist); err != nil {
		e.log.Warn("Failed to record sync history", zap.Error(err))
	} else if _, err := e.state.PruneSyncHistory(hctx, historyKeep); err != nil {
		e.log.Warn("Failed to prune sync history", zap.Error(err))
	}

	metrics.SyncCycles.WithLabelValues(string(final.Status), string(trigger)).Inc()
	metrics.SyncCycleDuration.Observe(end.Sub(final.StartedAt).Seconds())
	metrics.QueueDepth.Set(float64(e.queue.QueueSize()))

	e.log.Info("Sync cycle finished",
		zap.String("cycle", final.CycleID),
		zap.String("status", string(final.Status)),
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed),
		zap.Int("conflicts", final.Conflicts),
		zap.Duration("took", end.Sub(final.StartedAt)),
	)
	e.progressEvents.Publish(final)
	return final
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.st = s
	e.mu.Unlock()
}

// updateProgress mutates the in-flight progress and publishes a copy.
func (e *Engine) updateProgress(fn func(p *model.SyncProgress)) {
	e.mu.Lock()
	fn(&e.progress)
	p := e.progress
	e.mu.Unlock()
	e.progressEvents.Publish(p)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *Engine) Progress() model.SyncProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// GetLastSyncTime returns the end of the last successful cycle, zero if none.
func (e *Engine) GetLastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

func (e *Engine) History(ctx context.Context, limit int) ([]*model.SyncHistory, error) {
	return e.state.GetSyncHistory(ctx, limit, 0)
}

// GetConflicts returns every unresolved conflict, oldest first.
func (e *Engine) GetConflicts(ctx context.Context) ([]*model.SyncConflict, error) {
	return e.conflicts.List(ctx, false, 0, 0)
}

func (e *Engine) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*model.SyncConflict, error) {
	return e.conflicts.List(ctx, resolved, limit, offset)
}

// ResolveConflictManually settles an unresolved conflict. A nil chosen value
// accepts the authority's version; anything else becomes the local value and
// is pushed to the authority over its version on the next cycle.
func (e *Engine) ResolveConflictManually(ctx context.Context, id string, chosen map[string]any) (*model.SyncConflict, error) {
	c, err := e.conflicts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolution != model.Unresolved {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, c.Resolution, apperr.ErrAlreadyResolved)
	}

	op, opErr := e.queue.Get(c.OperationID)
	hasOp := opErr == nil

	if chosen == nil {
		if err := e.applyRemote(ctx, c.Table, c.RecordID, c.RemoteValue, c.RemoteTimestamp); err != nil {
			return nil, err
		}
		if hasOp {
			if err := e.queue.Remove(op.ID); err != nil {
				return nil, err
			}
		}
		return e.conflicts.ResolveManually(ctx, id, model.WinnerRemote)
	}

	payload, err := json.Marshal(chosen)
	if err != nil {
		return nil, fmt.Errorf("encode chosen value: %w", err)
	}
	now := e.now()
	if _, err := e.store.Upsert(ctx, model.Record{ID: c.RecordID, Table: c.Table, Fields: chosen, UpdatedAt: now}); err != nil {
		return nil, err
	}
	if hasOp {
		op.Payload = payload
		op.ConflictID = ""
		op.Force = true
		op.NextAttemptAt = time.Time{}
		op.ClientTimestamp = now
		if op.Type == model.OpDelete {
			op.Type = model.OpUpdate
		}
		err = e.queue.Update(op)
	} else {
		_, err = e.queue.QueueOperation(ctx, model.PendingOperation{
			Type:            model.OpUpdate,
			Table:           c.Table,
			RecordID:        c.RecordID,
			Payload:         payload,
			Priority:        model.PriorityHigh,
			ClientTimestamp: now,
			Force:           true,
		})
	}
	if err != nil {
		return nil, err
	}
	return e.conflicts.ResolveManually(ctx, id, model.WinnerUser)
}

// UpdateConfig swaps the settings used by the next cycle.
func (e *Engine) UpdateConfig(cfg config.SyncConfig) error {
	strategy, err := StrategyFor(cfg.ConflictStrategy)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.conflicts.SetStrategy(strategy)
	return nil
}

func (e *Engine) OnProgress(fn func(model.SyncProgress)) *pubsub.Subscription[model.SyncProgress] {
	return e.progressEvents.Subscribe(fn)
}

func (e *Engine) OnConflict(fn func(model.SyncConflict)) *pubsub.Subscription[model.SyncConflict] {
	return e.conflictEvents.Subscribe(fn)
}

func (e *Engine) OnError(fn func(SyncErrorEvent)) *pubsub.Subscription[SyncErrorEvent] {
	return e.errorEvents.Subscribe(fn)
}
