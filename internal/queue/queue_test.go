package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *kv.Store, *clock) {
	t.Helper()
	store, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := &clock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	m := New(store, Config{
		MaxRetries:          3,
		CacheMaxEntries:     100,
		CacheQuotaBytes:     1000,
		QuotaWarnRatio:      0.8,
		DefaultCacheTTL:     time.Hour,
		DeadLetterRetention: 24 * time.Hour,
		Now:                 c.Now,
	})
	t.Cleanup(m.Close)
	return m, store, c
}

func op(table string, p model.Priority) model.PendingOperation {
	return model.PendingOperation{
		Type:     model.OpCreate,
		Table:    table,
		Payload:  json.RawMessage(`{"title":"x"}`),
		Priority: p,
	}
}

func ids(ops []model.PendingOperation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.Table
	}
	return out
}

func TestQueueOperation_Defaults(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	id, err := m.QueueOperation(ctx, model.PendingOperation{Type: model.OpCreate, Table: "notes"})
	require.NoError(t, err)

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, got.Priority)
	assert.Equal(t, 3, got.MaxRetries)
	assert.NotEmpty(t, got.RecordID)
	assert.Equal(t, c.Now(), got.ClientTimestamp)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, 1, m.QueueSize())

	t.Run("validation", func(t *testing.T) {
		_, err := m.QueueOperation(ctx, model.PendingOperation{Type: "upsert", Table: "notes"})
		assert.Error(t, err)
		_, err = m.QueueOperation(ctx, model.PendingOperation{Type: model.OpCreate})
		assert.Error(t, err)
		_, err = m.QueueOperation(ctx, model.PendingOperation{Type: model.OpDelete, Table: "notes"})
		assert.Error(t, err)
		_, err = m.QueueOperation(ctx, model.PendingOperation{ID: id, Type: model.OpCreate, Table: "notes"})
		assert.Error(t, err)
	})
}

func TestDue_PriorityThenFIFO(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	for _, o := range []model.PendingOperation{
		op("low", model.PriorityLow),
		op("critical", model.PriorityCritical),
		op("normal-1", model.PriorityNormal),
		op("normal-2", model.PriorityNormal),
	} {
		_, err := m.QueueOperation(ctx, o)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, ids(m.Due(c.Now(), 0)))
	assert.Equal(t, []string{"critical", "normal-1"}, ids(m.Due(c.Now(), 2)))
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, ids(m.Pending()))
}

func TestDue_SkipsBackoffAndBlocked(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	a, err := m.QueueOperation(ctx, op("a", model.PriorityHigh))
	require.NoError(t, err)
	b, err := m.QueueOperation(ctx, op("b", model.PriorityHigh))
	require.NoError(t, err)

	rescheduled, err := m.Reschedule(a, errors.New("503"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, rescheduled.RetryCount)
	assert.Equal(t, "503", rescheduled.LastError)

	blocked, err := m.Get(b)
	require.NoError(t, err)
	blocked.ConflictID = "conflict-1"
	require.NoError(t, m.Update(blocked))

	assert.Empty(t, m.Due(c.Now(), 0))

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a"}, ids(m.Due(c.Now(), 0)))

	// Update keeps the original queue position.
	got, err := m.Get(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Seq)
}

func TestRemoveAndDeadLetter(t *testing.T) {
	m, store, c := newTestManager(t)
	ctx := context.Background()

	a, err := m.QueueOperation(ctx, op("a", model.PriorityNormal))
	require.NoError(t, err)
	b, err := m.QueueOperation(ctx, op("b", model.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, m.Remove(a))
	assert.ErrorIs(t, m.Remove(a), apperr.ErrNotFound)

	require.NoError(t, m.DeadLetter(b, errors.New("rejected: schema")))
	assert.Zero(t, m.QueueSize())
	assert.Empty(t, m.Due(c.Now().Add(time.Hour), 0))

	letters, err := m.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "rejected: schema", letters[0].Reason)

	n, err := store.Count(kv.NSQueue)
	require.NoError(t, err)
	assert.Zero(t, n)

	t.Run("retry re-queues with a fresh budget", func(t *testing.T) {
		require.NoError(t, m.RetryDeadLetter(ctx, b))
		got, err := m.Get(b)
		require.NoError(t, err)
		assert.Zero(t, got.RetryCount)
		assert.Empty(t, got.LastError)

		letters, err := m.DeadLetters()
		require.NoError(t, err)
		assert.Empty(t, letters)
	})
}

func TestLoad_RestoresQueue(t *testing.T) {
	m, store, c := newTestManager(t)
	ctx := context.Background()

	_, err := m.QueueOperation(ctx, op("low", model.PriorityLow))
	require.NoError(t, err)
	_, err = m.QueueOperation(ctx, op("high", model.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, m.CacheData("k", map[string]int{"v": 1}, 0))

	restored := New(store, Config{MaxRetries: 3, Now: c.Now})
	defer restored.Close()
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, []string{"high", "low"}, ids(restored.Pending()))

	v, ok := GetCached[map[string]int](restored, "k")
	require.True(t, ok)
	assert.Equal(t, 1, v["v"])

	// sequence continues after the restored maximum
	id, err := restored.QueueOperation(ctx, op("next", model.PriorityHigh))
	require.NoError(t, err)
	got, err := restored.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Seq)
}

func TestOfflineFlag(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.True(t, m.IsOffline())

	events := make(chan Event, 8)
	m.Subscribe(func(e Event) {
		if e.Kind == EventOfflineChanged {
			events <- e
		}
	})

	online := model.NetworkState{IsConnected: true, IsInternetReachable: true}
	m.SetNetworkState(online)
	m.SetNetworkState(online)
	assert.False(t, m.IsOffline())

	m.SetNetworkState(model.NetworkState{IsConnected: true})
	assert.True(t, m.IsOffline())

	var got []bool
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			got = append(got, e.Offline)
		case <-time.After(2 * time.Second):
			t.Fatal("missing offline event")
		}
	}
	assert.Equal(t, []bool{false, true}, got)
}

func TestCache(t *testing.T) {
	type note struct {
		Title string `json:"title"`
	}

	t.Run("ttl and purge from backing store", func(t *testing.T) {
		m, store, c := newTestManager(t)
		require.NoError(t, m.CacheData("note:1", note{Title: "hi"}, time.Minute))

		got, ok := GetCached[note](m, "note:1")
		require.True(t, ok)
		assert.Equal(t, "hi", got.Title)

		c.Advance(time.Minute)
		_, ok = GetCached[note](m, "note:1")
		assert.False(t, ok)

		_, err := store.Get(kv.NSCache, "note:1")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("default and infinite ttl", func(t *testing.T) {
		m, _, c := newTestManager(t)
		require.NoError(t, m.CacheData("default", 1, 0))
		require.NoError(t, m.CacheData("forever", 2, -1))
		c.Advance(2 * time.Hour)
		_, ok := GetCached[int](m, "default")
		assert.False(t, ok)
		v, ok := GetCached[int](m, "forever")
		assert.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("type mismatch is a miss", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.CacheData("s", "text", 0))
		_, ok := GetCached[int](m, "s")
		assert.False(t, ok)
		assert.Zero(t, m.CacheEntries())
	})

	t.Run("clear by pattern", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.CacheData("user:1", 1, 0))
		require.NoError(t, m.CacheData("user:2", 2, 0))
		require.NoError(t, m.CacheData("post:1", 3, 0))
		assert.Equal(t, 2, m.ClearCache("user:*"))
		assert.Equal(t, 1, m.CacheEntries())
		assert.Equal(t, 1, m.ClearCache(""))
	})
}

func TestStorageQuota(t *testing.T) {
	m, _, _ := newTestManager(t)

	var mu sync.Mutex
	var warnings []Event
	m.Subscribe(func(e Event) {
		if e.Kind == EventStorageWarning {
			mu.Lock()
			warnings = append(warnings, e)
			mu.Unlock()
		}
	})

	// each value is a 300 byte JSON string
	blob := strings.Repeat("x", 298)
	require.NoError(t, m.CacheData("a", blob, 0))
	require.NoError(t, m.CacheData("b", blob, 0))
	assert.Equal(t, int64(600), m.GetCacheSize())
	require.NoError(t, m.CacheData("c", blob, 0))
	require.NoError(t, m.CacheData("d", blob, 0))

	// over the 1000 byte quota: oldest entry evicted
	assert.Equal(t, int64(900), m.GetCacheSize())
	_, ok := GetCached[string](m, "a")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, int64(1000), warnings[0].QuotaBytes)
	mu.Unlock()

	// crossing again only after dropping below the threshold
	m.ClearCache("")
	require.NoError(t, m.CacheData("e", blob, 0))
	require.NoError(t, m.CacheData("f", blob, 0))
	require.NoError(t, m.CacheData("g", blob, 0))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPerformMaintenance(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()

	old, err := m.QueueOperation(ctx, op("old", model.PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, m.DeadLetter(old, errors.New("gone")))

	c.Advance(23 * time.Hour)
	fresh, err := m.QueueOperation(ctx, op("fresh", model.PriorityNormal))
	require.NoError(t, err)
	require.NoError(t, m.DeadLetter(fresh, errors.New("gone")))

	require.NoError(t, m.CacheData("short", 1, time.Minute))
	require.NoError(t, m.CacheData("long", 1, 48*time.Hour))
	_, err = m.QueueOperation(ctx, op("live", model.PriorityNormal))
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	report, err := m.PerformMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredCacheEntries)
	assert.Equal(t, 1, report.PrunedDeadLetters)
	assert.Equal(t, 1, report.QueueSize)

	letters, err := m.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, fresh, letters[0].Operation.ID)
}
