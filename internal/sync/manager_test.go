package sync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/network"
	"offline-sync-core/internal/queue"
	"offline-sync-core/internal/remote"
	"offline-sync-core/internal/store"
)

var (
	offline = network.Signal{Connected: false, Type: model.ConnectionNone}
	wifi    = network.Signal{Connected: true, Reachable: true, Type: model.ConnectionWifi}
)

type stubProber struct{}

func (stubProber) Probe(context.Context) (time.Duration, error) { return 20 * time.Millisecond, nil }
func (stubProber) Bandwidth(context.Context) (float64, error)   { return 1 << 20, nil }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.InMemory = true
	cfg.Scheduler.AutoSync = false
	cfg.Sync.MinSyncInterval = 0
	cfg.Sync.LifecycleDebounce = 10 * time.Millisecond
	return &cfg
}

func newTestManager(t *testing.T, src *network.ManualSource, mutate func(*config.Config)) (*Manager, *fakeAuthority, *testClock) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	auth := &fakeAuthority{}
	clk := &testClock{now: t0}
	m := NewManager(cfg, Options{
		Authority: auth,
		Source:    src,
		Prober:    stubProber{},
		UserID:    "user-1",
		Now:       clk.Now,
	})
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(m.Dispose)
	return m, auth, clk
}

func createOp(title string) model.PendingOperation {
	return model.PendingOperation{Type: model.OpCreate, Table: "notes", Payload: json.RawMessage(`{"title":"` + title + `"}`)}
}

func TestManager_OfflineToOnline(t *testing.T) {
	ctx := context.Background()
	src := network.NewManualSource(offline)
	m, auth, _ := newTestManager(t, src, nil)
	require.True(t, m.Queue().IsOffline())

	for _, title := range []string{"a", "b", "c"} {
		_, err := m.QueueOperation(ctx, createOp(title))
		require.NoError(t, err)
	}
	recs, err := m.Store().Select(ctx, "notes", store.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.False(t, r.Synced)
	}

	m.TriggerSync(ctx)
	assert.Zero(t, auth.callCount())
	assert.Equal(t, 3, m.Queue().QueueSize())

	src.Set(wifi)
	require.Eventually(t, func() bool { return m.Queue().QueueSize() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, auth.sent(), 3)

	recs, err = m.Store().Select(ctx, "notes", store.Query{})
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.Synced, r.ID)
	}

	hist, err := m.Engine().History(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, string(TriggerConnect), hist[0].Trigger)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Offline)
	assert.False(t, st.LastSync.IsZero())
}

func TestManager_QueueOperation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, network.NewManualSource(offline), nil)

	_, err := m.QueueOperation(ctx, createOp("first"), store.EncryptFields("title"))
	require.NoError(t, err)
	op := m.Queue().Pending()[0]
	require.NotEmpty(t, op.RecordID)

	rec, err := m.Store().Get(ctx, "notes", op.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Fields["title"])
	assert.True(t, m.Store().Encrypted())

	key := queue.RecordKey("notes", op.RecordID)
	cached, ok := queue.GetCached[map[string]any](m.Queue(), key)
	require.True(t, ok)
	assert.Equal(t, "first", cached["title"])

	_, err = m.QueueOperation(ctx, model.PendingOperation{
		Type: model.OpUpdate, Table: "notes", RecordID: op.RecordID, Payload: json.RawMessage(`{"done":true}`),
	})
	require.NoError(t, err)
	rec, err = m.Store().Get(ctx, "notes", op.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Fields["title"])
	assert.Equal(t, true, rec.Fields["done"])

	_, err = m.QueueOperation(ctx, model.PendingOperation{Type: model.OpDelete, Table: "notes", RecordID: op.RecordID})
	require.NoError(t, err)
	_, err = m.Store().Get(ctx, "notes", op.RecordID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, ok = queue.GetCached[map[string]any](m.Queue(), key)
	assert.False(t, ok)
	assert.Equal(t, 3, m.Queue().QueueSize())

	_, err = m.QueueOperation(ctx, model.PendingOperation{Type: model.OpCreate, Table: "notes", Payload: json.RawMessage(`[1]`)})
	assert.Error(t, err)
}

func TestManager_RateLimit(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t, network.NewManualSource(wifi), func(c *config.Config) {
		c.Sync.MinSyncInterval = time.Minute
	})

	first := m.TriggerSync(ctx)
	require.NotEmpty(t, first.CycleID)

	again := m.TriggerSync(ctx)
	assert.Equal(t, first.CycleID, again.CycleID)

	clk.Advance(61 * time.Second)
	later := m.TriggerSync(ctx)
	assert.NotEqual(t, first.CycleID, later.CycleID)
}

func TestManager_CircuitBreaker(t *testing.T) {
	ctx := context.Background()
	src := network.NewManualSource(wifi)
	m, auth, clk := newTestManager(t, src, func(c *config.Config) {
		c.Sync.MaxRetries = 10
		c.Sync.MaxConsecutiveFailures = 3
	})
	auth.setRespond(func(context.Context, []remote.Request) ([]remote.Response, error) {
		return nil, &apperr.SyncTransientError{StatusCode: 502, Cause: errors.New("bad gateway")}
	})
	_, err := m.QueueOperation(ctx, createOp("x"))
	require.NoError(t, err)

	fail := func(n int) {
		for i := 0; i < n; i++ {
			p := m.runCycle(ctx, TriggerAuto)
			require.Equal(t, model.SyncError, p.Status)
			clk.Advance(time.Hour)
		}
	}
	status := func() Status {
		st, err := m.Status(ctx)
		require.NoError(t, err)
		return st
	}

	fail(2)
	assert.False(t, status().AutoSyncPaused)
	fail(1)
	st := status()
	assert.True(t, st.AutoSyncPaused)
	assert.Equal(t, 3, st.ConsecutiveFailures)

	calls := auth.callCount()
	m.autoSync()
	assert.Equal(t, calls, auth.callCount(), "paused auto-sync must not transmit")

	t.Run("resume keeps the counter until a success", func(t *testing.T) {
		m.resume("test")
		st := status()
		assert.False(t, st.AutoSyncPaused)
		assert.Equal(t, 3, st.ConsecutiveFailures)

		fail(1)
		st = status()
		assert.True(t, st.AutoSyncPaused, "first failure after resume pauses again")
		assert.Equal(t, 4, st.ConsecutiveFailures)
	})

	t.Run("regained connectivity resumes", func(t *testing.T) {
		require.True(t, status().AutoSyncPaused)

		src.Set(offline)
		require.Eventually(t, m.Queue().IsOffline, time.Second, 5*time.Millisecond)
		src.Set(wifi)
		// The connect cycle fails again and re-pauses straight away.
		require.Eventually(t, func() bool {
			st := status()
			return st.AutoSyncPaused && st.ConsecutiveFailures == 5 && !m.Engine().State().Busy()
		}, 2*time.Second, 10*time.Millisecond)
		clk.Advance(time.Hour)
	})

	t.Run("manual trigger resumes and success resets the counter", func(t *testing.T) {
		auth.setRespond(nil)
		p := m.TriggerSync(ctx)
		assert.Equal(t, model.SyncSuccess, p.Status)
		st := status()
		assert.False(t, st.AutoSyncPaused)
		assert.Zero(t, st.ConsecutiveFailures)
		assert.Zero(t, m.Queue().QueueSize())
	})
}

func TestManager_AppState(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, network.NewManualSource(wifi), nil)

	history := func() []*model.SyncHistory {
		h, err := m.Engine().History(ctx, 0)
		require.NoError(t, err)
		return h
	}

	// A burst that ends where it started settles to nothing.
	m.SetAppState(model.AppBackground)
	m.SetAppState(model.AppForeground)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, history())

	m.SetAppState(model.AppBackground)
	require.Eventually(t, func() bool {
		st, err := m.Status(ctx)
		return err == nil && st.AppState == string(model.AppBackground)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, history())

	m.SetAppState(model.AppForeground)
	require.Eventually(t, func() bool {
		h := history()
		return len(h) == 1 && h[0].Trigger == string(TriggerForeground)
	}, time.Second, 5*time.Millisecond)
}

func TestManager_UpdateConfig(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, network.NewManualSource(wifi), nil)

	bad := m.Config()
	bad.Sync.BatchSize = 0
	err := m.UpdateConfig(bad)
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))

	good := m.Config()
	good.Sync.ConflictStrategy = config.StrategyManual
	good.Scheduler.AutoSync = true
	require.NoError(t, m.UpdateConfig(good))
	assert.Equal(t, config.StrategyManual, m.Config().Sync.ConflictStrategy)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.AutoSyncRunning)
	assert.Equal(t, network.RecommendedInterval(model.QualityGood), m.scheduler.AutoSyncInterval())

	require.NoError(t, m.StopAutoSync())
	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.AutoSyncRunning)
}

func TestManager_Initialize(t *testing.T) {
	t.Run("unusable data directory is fatal", func(t *testing.T) {
		cfg := testConfig(t)
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Store.DataDir, "user-1"), []byte("x"), 0o600))

		m := NewManager(cfg, Options{Authority: &fakeAuthority{}, UserID: "user-1"})
		require.Error(t, m.Initialize(context.Background()))
		m.Dispose()
	})

	t.Run("an authority is required", func(t *testing.T) {
		m := NewManager(testConfig(t), Options{Source: network.NewManualSource(offline)})
		err := m.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, apperr.IsConfiguration(err))
	})

	t.Run("queued work survives a restart", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Store.InMemory = false

		first := NewManager(cfg, Options{Authority: &fakeAuthority{}, Source: network.NewManualSource(offline)})
		require.NoError(t, first.Initialize(ctx))
		_, err := first.QueueOperation(ctx, createOp("persisted"))
		require.NoError(t, err)
		first.Dispose()

		second := NewManager(cfg, Options{Authority: &fakeAuthority{}, Source: network.NewManualSource(offline)})
		require.NoError(t, second.Initialize(ctx))
		defer second.Dispose()
		require.Equal(t, 1, second.Queue().QueueSize())
		recs, err := second.Store().Select(ctx, "notes", store.Query{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "persisted", recs[0].Fields["title"])
	})

	t.Run("operations outside the running window are refused", func(t *testing.T) {
		ctx := context.Background()
		auth := &fakeAuthority{}
		m := NewManager(testConfig(t), Options{Authority: auth, Source: network.NewManualSource(wifi), Prober: stubProber{}})

		refused := func(want error) {
			t.Helper()
			_, err := m.QueueOperation(ctx, createOp("x"))
			assert.ErrorIs(t, err, want)
			_, err = m.RunMaintenance(ctx)
			assert.ErrorIs(t, err, want)
			_, err = m.Status(ctx)
			assert.ErrorIs(t, err, want)
			_, err = m.GetConflicts(ctx)
			assert.ErrorIs(t, err, want)
			_, err = m.ResolveConflictManually(ctx, "c1", nil)
			assert.ErrorIs(t, err, want)
			assert.ErrorIs(t, m.StartAutoSync(), want)
			assert.ErrorIs(t, m.StopAutoSync(), want)
			assert.ErrorIs(t, m.UpdateConfig(m.Config()), want)

			sub := m.OnProgress(func(model.SyncProgress) {})
			<-sub.Done()
			<-m.OnConflict(func(model.SyncConflict) {}).Done()
			<-m.OnSyncError(func(SyncErrorEvent) {}).Done()
			<-m.OnNetworkChange(func(model.NetworkState) {}).Done()
			<-m.OnStorageWarning(func(queue.Event) {}).Done()
		}

		refused(apperr.ErrNotInitialized)
		p := m.TriggerSync(ctx)
		assert.Equal(t, model.SyncIdle, p.Status)
		assert.Equal(t, model.SyncIdle, m.Progress().Status)

		require.NoError(t, m.Initialize(ctx))
		_, err := m.QueueOperation(ctx, createOp("queued"))
		require.NoError(t, err)
		m.Dispose()

		refused(apperr.ErrClosed)
		calls := auth.callCount()
		m.TriggerSync(ctx)
		assert.Equal(t, calls, auth.callCount(), "a disposed manager never transmits")
	})
}

func TestManager_Maintenance(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, network.NewManualSource(offline), func(c *config.Config) {
		c.Queue.CacheQuotaBytes = 1000
		c.Queue.QuotaWarnRatio = 0.5
	})

	warnings := make(chan queue.Event, 4)
	sub := m.OnStorageWarning(func(ev queue.Event) { warnings <- ev })
	defer sub.Close()

	require.NoError(t, m.Queue().CacheData("blob", strings.Repeat("x", 600), 0))
	select {
	case ev := <-warnings:
		assert.Equal(t, queue.EventStorageWarning, ev.Kind)
		assert.Equal(t, int64(1000), ev.QuotaBytes)
	case <-time.After(time.Second):
		t.Fatal("no storage warning")
	}

	report, err := m.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.True(t, report.Vacuumed)
}
