package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
)

// StateStore persists conflicts and cycle history.
type StateStore interface {
	// Conflicts
	CreateConflict(ctx context.Context, conflict *model.SyncConflict) error
	UpdateConflict(ctx context.Context, conflict *model.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)
	ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*model.SyncConflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *model.SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*model.SyncHistory, error)
	PruneSyncHistory(ctx context.Context, keep int) (int, error)
}

// KVStateStore keeps state in the conflict/ and history/ kv namespaces.
type KVStateStore struct {
	kv *kv.Store
}

func NewKVStateStore(store *kv.Store) *KVStateStore {
	return &KVStateStore{kv: store}
}

func (s *KVStateStore) CreateConflict(ctx context.Context, c *model.SyncConflict) error {
	if _, err := s.kv.Get(kv.NSConflict, c.ID); err == nil {
		return fmt.Errorf("conflict %s already exists", c.ID)
	}
	return s.putConflict(c)
}

func (s *KVStateStore) UpdateConflict(ctx context.Context, c *model.SyncConflict) error {
	if _, err := s.kv.Get(kv.NSConflict, c.ID); err != nil {
		return fmt.Errorf("conflict %s: %w", c.ID, err)
	}
	return s.putConflict(c)
}

func (s *KVStateStore) putConflict(c *model.SyncConflict) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	return s.kv.Set(kv.NSConflict, c.ID, raw, 0)
}

func (s *KVStateStore) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	raw, err := s.kv.Get(kv.NSConflict, id)
	if err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}
	var c model.SyncConflict
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode conflict %s: %w", id, err)
	}
	return &c, nil
}

// ListConflicts returns unresolved (resolved=false) or resolved conflicts,
// oldest first.
func (s *KVStateStore) ListConflicts(ctx context.Context, resolved bool, limit, offset int) ([]*model.SyncConflict, error) {
	var out []*model.SyncConflict
	err := s.kv.Scan(kv.NSConflict, func(k string, v []byte) error {
		var c model.SyncConflict
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("decode conflict %s: %w", k, err)
		}
		if (c.Resolution != model.Unresolved) == resolved {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return page(out, limit, offset), nil
}

func historyKey(h *model.SyncHistory) string {
	// Zero-padded so lexical order is chronological.
	return fmt.Sprintf("%020d-%s", h.StartedAt.UnixNano(), h.ID)
}

func (s *KVStateStore) CreateSyncHistory(ctx context.Context, h *model.SyncHistory) error {
	if h.ID == "" {
		return errors.New("history entry requires an id")
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return s.kv.Set(kv.NSHistory, historyKey(h), raw, 0)
}

// GetSyncHistory returns the newest entries first.
func (s *KVStateStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*model.SyncHistory, error) {
	all, err := s.history()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return page(all, limit, offset), nil
}

// PruneSyncHistory keeps the newest keep entries and returns how many went.
func (s *KVStateStore) PruneSyncHistory(ctx context.Context, keep int) (int, error) {
	all, err := s.history()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := 0; i < len(all)-keep; i++ {
		if err := s.kv.Delete(kv.NSHistory, historyKey(all[i])); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// history returns every entry, oldest first.
func (s *KVStateStore) history() ([]*model.SyncHistory, error) {
	var out []*model.SyncHistory
	err := s.kv.Scan(kv.NSHistory, func(k string, v []byte) error {
		var h model.SyncHistory
		if err := json.Unmarshal(v, &h); err != nil {
			return fmt.Errorf("decode history %s: %w", k, err)
		}
		out = append(out, &h)
		return nil
	})
	if err != nil {
		return nil, apperr.NewStorageError("history", string(kv.NSHistory), err)
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
