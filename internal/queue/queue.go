// Package queue owns the pending-operation queue, the application cache and
// the offline flag. Everything it holds is mirrored to the kv store so it
// survives restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/cache"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/pubsub"
)

type EventKind string

const (
	EventQueued         EventKind = "queued"
	EventRemoved        EventKind = "removed"
	EventDeadLettered   EventKind = "dead_lettered"
	EventOfflineChanged EventKind = "offline_changed"
	EventStorageWarning EventKind = "storage_warning"
)

type Event struct {
	Kind        EventKind `json:"kind"`
	OperationID string    `json:"operationId,omitempty"`
	Offline     bool      `json:"offline"`
	QueueSize   int       `json:"queueSize"`
	CacheBytes  int64     `json:"cacheBytes,omitempty"`
	QuotaBytes  int64     `json:"quotaBytes,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

type Config struct {
	MaxRetries          int
	CacheMaxEntries     int
	CacheQuotaBytes     int64
	QuotaWarnRatio      float64
	DefaultCacheTTL     time.Duration
	DeadLetterRetention time.Duration
	Now                 func() time.Time
	Logger              *zap.Logger
}

type Manager struct {
	kv     *kv.Store
	cache  *cache.Cache
	cfg    Config
	log    *zap.Logger
	events *pubsub.Registry[Event]

	mu          sync.Mutex
	ops         map[string]*model.PendingOperation
	seq         uint64
	offline     bool
	quotaWarned bool
}

// New builds a manager over store. It starts offline until the first
// SetNetworkState call.
func New(store *kv.Store, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QuotaWarnRatio <= 0 || cfg.QuotaWarnRatio > 1 {
		cfg.QuotaWarnRatio = 0.8
	}
	return &Manager{
		kv: store,
		cache: cache.New(cache.Options{
			MaxEntries: cfg.CacheMaxEntries,
			Persister:  cache.NewKVPersister(store, cfg.Now),
			Now:        cfg.Now,
			Logger:     cfg.Logger,
		}),
		cfg:     cfg,
		log:     cfg.Logger,
		events:  pubsub.New[Event]("queue", cfg.Logger),
		ops:     make(map[string]*model.PendingOperation),
		offline: true,
	}
}

// Load rehydrates the queue and the cache from the kv store.
func (m *Manager) Load(ctx context.Context) error {
	loaded := make(map[string]*model.PendingOperation)
	var maxSeq uint64
	err := m.kv.Scan(kv.NSQueue, func(k string, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var op model.PendingOperation
		if err := json.Unmarshal(v, &op); err != nil {
			m.log.Warn("Skipping unreadable queued operation", zap.String("id", k), zap.Error(err))
			return nil
		}
		loaded[op.ID] = &op
		if op.Seq > maxSeq {
			maxSeq = op.Seq
		}
		return nil
	})
	if err != nil {
		return apperr.NewStorageError("load-queue", string(kv.NSQueue), err)
	}

	m.mu.Lock()
	m.ops = loaded
	m.seq = maxSeq
	m.mu.Unlock()

	n, err := m.cache.Load()
	if err != nil {
		return apperr.NewStorageError("load-cache", string(kv.NSCache), err)
	}
	m.log.Info("Queue restored", zap.Int("operations", len(loaded)), zap.Int("cache_entries", n))
	return nil
}

// Close stops event delivery.
func (m *Manager) Close() {
	m.events.Close()
}

func (m *Manager) Subscribe(fn func(Event)) *pubsub.Subscription[Event] {
	return m.events.Subscribe(fn)
}

// QueueOperation persists op and adds it to the queue. Missing id, priority,
// retry budget and timestamps are filled in.
func (m *Manager) QueueOperation(ctx context.Context, op model.PendingOperation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !op.Type.Valid() {
		return "", fmt.Errorf("invalid operation type %q", op.Type)
	}
	if op.Table == "" {
		return "", errors.New("operation table is required")
	}
	if op.RecordID == "" && op.Type != model.OpCreate {
		return "", fmt.Errorf("%s operation requires a record id", op.Type)
	}

	now := m.cfg.Now()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.RecordID == "" {
		op.RecordID = uuid.NewString()
	}
	if op.Priority < model.PriorityCritical || op.Priority > model.PriorityLow {
		op.Priority = model.PriorityNormal
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = m.cfg.MaxRetries
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = now
	}
	op.RetryCount = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ops[op.ID]; dup {
		return "", fmt.Errorf("operation %s already queued", op.ID)
	}
	m.seq++
	op.Seq = m.seq
	if err := m.persistLocked(&op); err != nil {
		m.seq--
		return "", err
	}
	m.ops[op.ID] = &op
	m.events.Publish(Event{Kind: EventQueued, OperationID: op.ID, Offline: m.offline, QueueSize: len(m.ops)})
	m.log.Debug("Operation queued", zap.Stringer("op", op))
	return op.ID, nil
}

// Due returns operations ready to send at now, in drain order: priority
// ascending, then FIFO. Operations blocked on a manual conflict are skipped.
// A limit of zero returns all of them.
func (m *Manager) Due(now time.Time, limit int) []model.PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingOperation, 0, len(m.ops))
	for _, op := range m.sortedLocked() {
		if op.ConflictID != "" || op.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *op)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Pending returns every queued operation in drain order.
func (m *Manager) Pending() []model.PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedLocked()
	out := make([]model.PendingOperation, len(sorted))
	for i, op := range sorted {
		out[i] = *op
	}
	return out
}

func (m *Manager) Get(id string) (model.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return model.PendingOperation{}, fmt.Errorf("operation %s: %w", id, apperr.ErrNotFound)
	}
	return *op, nil
}

// Update replaces a queued operation, keeping its queue position.
func (m *Manager) Update(op model.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ops[op.ID]
	if !ok {
		return fmt.Errorf("operation %s: %w", op.ID, apperr.ErrNotFound)
	}
	op.Seq = cur.Seq
	if err := m.persistLocked(&op); err != nil {
		return err
	}
	m.ops[op.ID] = &op
	return nil
}

// Remove drops a confirmed operation.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[id]; !ok {
		return fmt.Errorf("operation %s: %w", id, apperr.ErrNotFound)
	}
	if err := m.kv.Delete(kv.NSQueue, id); err != nil {
		return err
	}
	delete(m.ops, id)
	m.events.Publish(Event{Kind: EventRemoved, OperationID: id, Offline: m.offline, QueueSize: len(m.ops)})
	return nil
}

// Reschedule records a transient failure: the retry count goes up by one and
// the operation is held back for delay.
func (m *Manager) Reschedule(id string, cause error, delay time.Duration) (model.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ops[id]
	if !ok {
		return model.PendingOperation{}, fmt.Errorf("operation %s: %w", id, apperr.ErrNotFound)
	}
	op := *cur
	op.RetryCount++
	op.NextAttemptAt = m.cfg.Now().Add(delay)
	if cause != nil {
		op.LastError = cause.Error()
	}
	if err := m.persistLocked(&op); err != nil {
		return model.PendingOperation{}, err
	}
	m.ops[id] = &op
	return op, nil
}

// DeadLetter parks the operation for manual intervention. It is no longer
// drained.
func (m *Manager) DeadLetter(id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ops[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, apperr.ErrNotFound)
	}
	dl := model.DeadLetter{Operation: *cur, DeadLetteredAt: m.cfg.Now()}
	if cause != nil {
		dl.Reason = cause.Error()
		dl.Operation.LastError = dl.Reason
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := m.kv.Set(kv.NSDeadLetter, id, raw, 0); err != nil {
		return err
	}
	if err := m.kv.Delete(kv.NSQueue, id); err != nil {
		return err
	}
	delete(m.ops, id)
	m.log.Warn("Operation dead-lettered", zap.Stringer("op", dl.Operation), zap.String("reason", dl.Reason))
	m.events.Publish(Event{Kind: EventDeadLettered, OperationID: id, Offline: m.offline, QueueSize: len(m.ops), Reason: dl.Reason})
	return nil
}

// DeadLetters lists parked operations, oldest first.
func (m *Manager) DeadLetters() ([]model.DeadLetter, error) {
	var out []model.DeadLetter
	err := m.kv.Scan(kv.NSDeadLetter, func(k string, v []byte) error {
		var dl model.DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			m.log.Warn("Skipping unreadable dead letter", zap.String("id", k), zap.Error(err))
			return nil
		}
		out = append(out, dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadLetteredAt.Before(out[j].DeadLetteredAt) })
	return out, nil
}

// RetryDeadLetter puts a parked operation back at the end of the queue with a
// fresh retry budget.
func (m *Manager) RetryDeadLetter(ctx context.Context, id string) error {
	raw, err := m.kv.Get(kv.NSDeadLetter, id)
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", id, err)
	}
	var dl model.DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	op := dl.Operation
	op.LastError = ""
	op.NextAttemptAt = time.Time{}
	op.ConflictID = ""
	if _, err := m.QueueOperation(ctx, op); err != nil {
		return err
	}
	return m.kv.Delete(kv.NSDeadLetter, id)
}

// QueueSize is the number of pending (not dead-lettered) operations.
func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// IsOffline is the single source of truth for offline mode.
func (m *Manager) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// SetNetworkState is the only way the offline flag changes.
func (m *Manager) SetNetworkState(st model.NetworkState) {
	offline := !st.Online()
	m.mu.Lock()
	defer m.mu.Unlock()
	if offline == m.offline {
		return
	}
	m.offline = offline
	m.log.Info("Offline mode changed", zap.Bool("offline", offline), zap.Int("queued", len(m.ops)))
	m.events.Publish(Event{Kind: EventOfflineChanged, Offline: offline, QueueSize: len(m.ops)})
}

func (m *Manager) persistLocked(op *model.PendingOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return m.kv.Set(kv.NSQueue, op.ID, raw, 0)
}

func (m *Manager) sortedLocked() []*model.PendingOperation {
	out := make([]*model.PendingOperation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
