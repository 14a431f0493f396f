package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/remote"
)

type ConflictManager struct {
	store StateStore
	now   func() time.Time

	mu       sync.RWMutex
	strategy ResolutionStrategy
}

func NewConflictManager(store StateStore, strategy ResolutionStrategy, now func() time.Time) *ConflictManager {
	if now == nil {
		now = time.Now
	}
	return &ConflictManager{
		store:    store,
		strategy: strategy,
		now:      now,
	}
}

// DetectConflict turns a conflict outcome into a SyncConflict. When the local
// payload and the server value are the same document there is nothing to
// resolve and it reports false.
func (cm *ConflictManager) DetectConflict(op model.PendingOperation, resp remote.Response) (bool, *model.SyncConflict) {
	if op.Type != model.OpDelete && len(resp.ServerValue) > 0 && calculateHash(op.Payload) == calculateHash(resp.ServerValue) {
		return false, nil
	}

	cm.mu.RLock()
	strategy := cm.strategy.Name()
	cm.mu.RUnlock()

	return true, &model.SyncConflict{
		ID:              uuid.New().String(),
		OperationID:     op.ID,
		Table:           op.Table,
		RecordID:        op.RecordID,
		LocalValue:      op.Payload,
		RemoteValue:     resp.ServerValue,
		LocalTimestamp:  op.ClientTimestamp,
		RemoteTimestamp: resp.ServerTimestamp,
		DetectedAt:      cm.now(),
		Resolution:      model.Unresolved,
		Strategy:        strategy,
	}
}

func (cm *ConflictManager) RecordConflict(ctx context.Context, conflict *model.SyncConflict) error {
	return cm.store.CreateConflict(ctx, conflict)
}

// Resolve applies the configured strategy. A decided conflict is stored as
// resolved by policy; a deferred one stays unresolved.
func (cm *ConflictManager) Resolve(ctx context.Context, conflict *model.SyncConflict) (Decision, error) {
	cm.mu.RLock()
	strategy := cm.strategy
	cm.mu.RUnlock()

	d, err := strategy.Resolve(conflict)
	if err != nil || d.Deferred() {
		return d, err
	}
	at := cm.now()
	conflict.Resolution = model.ResolvedByPolicy
	conflict.Winner = d.Winner
	conflict.ResolvedAt = &at
	return d, cm.store.UpdateConflict(ctx, conflict)
}

// ResolveManually marks an unresolved conflict as decided by the user.
func (cm *ConflictManager) ResolveManually(ctx context.Context, id, winner string) (*model.SyncConflict, error) {
	conflict, err := cm.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if conflict.Resolution != model.Unresolved {
		return nil, fmt.Errorf("conflict %s is %s: %w", id, conflict.Resolution, apperr.ErrAlreadyResolved)
	}
	at := cm.now()
	conflict.Resolution = model.ResolvedManually
	conflict.Winner = winner
	conflict.ResolvedAt = &at
	if err := cm.store.UpdateConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

func (cm *ConflictManager) Get(ctx context.Context, id string) (*model.SyncConflict, error) {
	return cm.store.GetConflict(ctx, id)
}

func (cm *ConflictManager) List(ctx context.Context, resolved bool, limit, offset int) ([]*model.SyncConflict, error) {
	return cm.store.ListConflicts(ctx, resolved, limit, offset)
}

func (cm *ConflictManager) SetStrategy(s ResolutionStrategy) {
	cm.mu.Lock()
	cm.strategy = s
	cm.mu.Unlock()
}

func (cm *ConflictManager) StrategyName() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.strategy.Name()
}

// calculateHash hashes a JSON document independent of key order and
// whitespace.
func calculateHash(doc json.RawMessage) string {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		sum := sha256.Sum256(bytes.TrimSpace(doc))
		return fmt.Sprintf("%x", sum)
	}
	// encoding/json writes map keys sorted.
	canonical, _ := json.Marshal(v)
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// Decision is a strategy's verdict. An empty Winner defers to the user.
type Decision struct {
	Winner string
}

func (d Decision) Deferred() bool { return d.Winner == "" }

// ResolutionStrategy decides conflicts.
type ResolutionStrategy interface {
	Name() string
	Resolve(conflict *model.SyncConflict) (Decision, error)
}

// LastWriteWinsStrategy keeps the newer write. The authority wins ties.
type LastWriteWinsStrategy struct{}

func (LastWriteWinsStrategy) Name() string { return config.StrategyLastWriteWins }

func (LastWriteWinsStrategy) Resolve(conflict *model.SyncConflict) (Decision, error) {
	if conflict.LocalTimestamp.After(conflict.RemoteTimestamp) {
		return Decision{Winner: model.WinnerLocal}, nil
	}
	return Decision{Winner: model.WinnerRemote}, nil
}

// ManualStrategy leaves every conflict for ResolveConflictManually.
type ManualStrategy struct{}

func (ManualStrategy) Name() string { return config.StrategyManual }

func (ManualStrategy) Resolve(*model.SyncConflict) (Decision, error) {
	return Decision{}, nil
}

// StrategyFor maps a configured strategy name to its implementation.
func StrategyFor(name string) (ResolutionStrategy, error) {
	switch name {
	case "", config.StrategyLastWriteWins:
		return LastWriteWinsStrategy{}, nil
	case config.StrategyManual:
		return ManualStrategy{}, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", name)
}
