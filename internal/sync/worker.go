package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/metrics"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/queue"
	"offline-sync-core/internal/remote"
)

// planBatches splits the drained operations into batches of at most size,
// keeping drain order.
func planBatches(ops []model.PendingOperation, size int) [][]model.PendingOperation {
	if size <= 0 {
		size = 1
	}
	var out [][]model.PendingOperation
	for len(ops) > 0 {
		n := min(size, len(ops))
		out = append(out, ops[:n:n])
		ops = ops[n:]
	}
	return out
}

// computeBackoff returns initial * 2^attempt capped at ceiling.
func computeBackoff(attempt int, initial, ceiling time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := float64(initial) * math.Pow(2, float64(attempt))
	if ceiling > 0 && d > float64(ceiling) {
		return ceiling
	}
	return time.Duration(d)
}

type batchResult struct {
	completed int
	failed    int
	conflicts int
	lastErr   error
}

func (r *batchResult) add(o batchResult) {
	r.completed += o.completed
	r.failed += o.failed
	r.conflicts += o.conflicts
	if o.lastErr != nil {
		r.lastErr = o.lastErr
	}
}

// runBatch transmits one batch and reconciles every outcome. Once sent, a
// batch is always reconciled even if ctx is cancelled meanwhile.
func (e *Engine) runBatch(ctx context.Context, cycleID string, cfg config.SyncConfig, batch []model.PendingOperation) batchResult {
	ctx, span := tracer.Start(ctx, "sync.batch", trace.WithAttributes(
		attribute.String("sync.cycle_id", cycleID),
		attribute.Int("sync.batch_size", len(batch)),
	))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	e.setState(StateTransmitting)
	reqs := make([]remote.Request, len(batch))
	for i, op := range batch {
		reqs[i] = remote.RequestFrom(op)
	}
	metrics.SyncBatchSize.Observe(float64(len(batch)))
	resps, err := e.authority.Apply(ctx, reqs)

	e.setState(StateReconciling)
	var res batchResult
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn("Batch failed", zap.String("cycle", cycleID), zap.Int("size", len(batch)), zap.Error(err))
		for _, op := range batch {
			res.add(e.fail(ctx, cycleID, cfg, op, err))
		}
		return res
	}

	byID := make(map[string]remote.Response, len(resps))
	for _, r := range resps {
		byID[r.OperationID] = r
	}

	// Group by table for reporting, as the authority applies them.
	perTable := make(map[string]int)
	for _, op := range batch {
		perTable[op.Table]++
		resp, ok := byID[op.ID]
		if !ok {
			res.add(e.fail(ctx, cycleID, cfg, op, &apperr.SyncTransientError{
				OperationID: op.ID,
				Cause:       errors.New("no result for operation"),
			}))
			continue
		}
		switch resp.Outcome {
		case remote.OutcomeApplied:
			e.applied(ctx, op, resp)
			res.completed++
		case remote.OutcomeConflict:
			res.add(e.conflict(ctx, cycleID, cfg, op, resp))
		case remote.OutcomeRetry:
			res.add(e.fail(ctx, cycleID, cfg, op, &apperr.SyncTransientError{
				OperationID: op.ID,
				Cause:       errors.New(resp.Error),
			}))
		case remote.OutcomeRejected:
			reason := resp.Error
			if reason == "" {
				reason = "rejected by authority"
			}
			res.add(e.fail(ctx, cycleID, cfg, op, &apperr.SyncPermanentError{OperationID: op.ID, Reason: reason}))
		default:
			res.add(e.fail(ctx, cycleID, cfg, op, &apperr.SyncTransientError{
				OperationID: op.ID,
				Cause:       fmt.Errorf("unknown outcome %q", resp.Outcome),
			}))
		}
	}
	for table, n := range perTable {
		e.log.Debug("Reconciled table", zap.String("cycle", cycleID), zap.String("table", table), zap.Int("operations", n))
	}
	if res.failed > 0 {
		span.SetStatus(codes.Error, "operations failed")
	}
	return res
}

// applied reflects an accepted operation in the local store and drops it from
// the queue.
func (e *Engine) applied(ctx context.Context, op model.PendingOperation, resp remote.Response) {
	var err error
	switch {
	case op.Type == model.OpDelete:
		err = ignoreNotFound(e.store.Delete(ctx, op.Table, op.RecordID))
		e.queue.InvalidateCache(queue.RecordKey(op.Table, op.RecordID))
	case hasValue(resp.ServerValue):
		err = e.applyRemote(ctx, op.Table, op.RecordID, resp.ServerValue, resp.ServerTimestamp)
	default:
		err = ignoreNotFound(e.store.MarkSynced(ctx, op.Table, op.RecordID))
	}
	if err != nil {
		e.log.Warn("Applied remotely but local write failed", zap.Stringer("op", op), zap.Error(err))
	}
	if err := e.queue.Remove(op.ID); err != nil {
		e.log.Error("Failed to remove applied operation", zap.Stringer("op", op), zap.Error(err))
	}
	metrics.SyncOperations.WithLabelValues("applied").Inc()
}

func (e *Engine) conflict(ctx context.Context, cycleID string, cfg config.SyncConfig, op model.PendingOperation, resp remote.Response) batchResult {
	isConflict, c := e.conflicts.DetectConflict(op, resp)
	if !isConflict {
		e.applied(ctx, op, resp)
		return batchResult{completed: 1}
	}
	if err := e.conflicts.RecordConflict(ctx, c); err != nil {
		// Never drop a conflict: keep the operation and try again later.
		return e.fail(ctx, cycleID, cfg, op, &apperr.SyncTransientError{OperationID: op.ID, Cause: err})
	}

	res := batchResult{conflicts: 1}
	d, err := e.conflicts.Resolve(ctx, c)
	if err != nil {
		e.log.Error("Conflict strategy failed, leaving it for the user", zap.String("conflict", c.ID), zap.Error(err))
		d = Decision{}
	}

	switch {
	case d.Deferred():
		op.ConflictID = c.ID
		op.LastError = (&apperr.SyncConflictError{
			ConflictID:  c.ID,
			OperationID: op.ID,
			Table:       op.Table,
			RecordID:    op.RecordID,
		}).Error()
		if err := e.queue.Update(op); err != nil {
			e.log.Error("Failed to block operation on conflict", zap.Stringer("op", op), zap.Error(err))
		}
	case d.Winner == model.WinnerLocal:
		op.Force = true
		op.NextAttemptAt = time.Time{}
		if err := e.queue.Update(op); err != nil {
			e.log.Error("Failed to requeue winning local write", zap.Stringer("op", op), zap.Error(err))
		}
	default:
		if err := e.applyRemote(ctx, op.Table, op.RecordID, resp.ServerValue, resp.ServerTimestamp); err != nil {
			e.log.Warn("Failed to apply remote winner locally", zap.String("conflict", c.ID), zap.Error(err))
		}
		if err := e.queue.Remove(op.ID); err != nil {
			e.log.Error("Failed to remove losing operation", zap.Stringer("op", op), zap.Error(err))
		}
		res.completed = 1
	}

	winner := d.Winner
	if winner == "" {
		winner = "pending"
	}
	metrics.SyncConflicts.WithLabelValues(c.Strategy, winner).Inc()
	metrics.SyncOperations.WithLabelValues("conflict").Inc()
	e.log.Info("Conflict detected",
		zap.String("conflict", c.ID),
		zap.String("table", c.Table),
		zap.String("record", c.RecordID),
		zap.String("winner", winner),
	)
	e.conflictEvents.Publish(*c)
	return res
}

// fail reschedules a transient failure with backoff, or dead-letters the
// operation when the failure is permanent or its retries are spent.
func (e *Engine) fail(ctx context.Context, cycleID string, cfg config.SyncConfig, op model.PendingOperation, cause error) batchResult {
	dead := apperr.IsPermanent(cause)
	if !dead && op.RetryCount >= op.MaxRetries {
		dead = true
		cause = &apperr.SyncPermanentError{OperationID: op.ID, Reason: "retries exhausted", Cause: cause}
	}

	if dead {
		if err := e.queue.DeadLetter(op.ID, cause); err != nil {
			e.log.Error("Failed to dead-letter operation", zap.Stringer("op", op), zap.Error(err))
		}
		metrics.SyncOperations.WithLabelValues("dead_letter").Inc()
	} else {
		delay := computeBackoff(op.RetryCount+1, cfg.RetryDelay, cfg.MaxRetryDelay)
		if _, err := e.queue.Reschedule(op.ID, cause, delay); err != nil {
			e.log.Error("Failed to reschedule operation", zap.Stringer("op", op), zap.Error(err))
		}
		metrics.SyncOperations.WithLabelValues("retry").Inc()
		e.log.Debug("Operation rescheduled", zap.Stringer("op", op), zap.Duration("delay", delay), zap.Error(cause))
	}

	e.errorEvents.Publish(SyncErrorEvent{
		CycleID:      cycleID,
		OperationID:  op.ID,
		Table:        op.Table,
		RecordID:     op.RecordID,
		DeadLettered: dead,
		Err:          cause,
		At:           e.now(),
	})
	return batchResult{failed: 1, lastErr: cause}
}

// applyRemote makes the authority's value the local truth. An empty value
// means the record is gone remotely.
func (e *Engine) applyRemote(ctx context.Context, table, id string, value json.RawMessage, at time.Time) error {
	key := queue.RecordKey(table, id)
	if !hasValue(value) {
		e.queue.InvalidateCache(key)
		return ignoreNotFound(e.store.Delete(ctx, table, id))
	}
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return fmt.Errorf("decode server value: %w", err)
	}
	if at.IsZero() {
		at = e.now()
	}
	rec, err := e.store.Upsert(ctx, model.Record{ID: id, Table: table, Fields: fields, UpdatedAt: at, Synced: true})
	if err != nil {
		return err
	}
	if err := e.queue.CacheData(key, rec.Fields, 0, "table:"+table); err != nil {
		e.log.Debug("Failed to cache record", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func hasValue(v json.RawMessage) bool {
	return len(v) > 0 && string(v) != "null"
}

func ignoreNotFound(err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}
