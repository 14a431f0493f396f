package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/config"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/logger"
	"offline-sync-core/internal/metrics"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/network"
	"offline-sync-core/internal/pubsub"
	"offline-sync-core/internal/queue"
	"offline-sync-core/internal/remote"
	"offline-sync-core/internal/store"
)

const defaultUserID = "default"

// Options carries the collaborators the host provides. Nil fields get
// defaults built from the configuration.
type Options struct {
	Authority remote.Authority
	Source    network.Source
	Prober    network.Prober
	KeyStore  store.KeyStore
	UserID    string
	Now       func() time.Time
	Logger    *zap.Logger
}

// Manager wires the store, network monitor, queue and engine together and
// decides when cycles run.
type Manager struct {
	opts Options
	log  *zap.Logger

	kv        *kv.Store
	store     *store.Store
	monitor   *network.Monitor
	queue     *queue.Manager
	engine    *Engine
	scheduler *Scheduler
	limiter   *rate.Limiter
	subs      []interface{ Close() }

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.Mutex
	cfg                 config.Config
	status              string
	consecutiveFailures int
	paused              bool
	wasOnline           bool
	appState            model.AppState
	pendingAppState     model.AppState
	debounce            *time.Timer
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	if opts.UserID == "" {
		opts.UserID = defaultUserID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:            opts,
		log:             opts.Logger,
		cfg:             *cfg,
		ctx:             ctx,
		cancel:          cancel,
		status:          "idle",
		appState:        model.AppForeground,
		pendingAppState: model.AppForeground,
	}
}

// Initialize opens storage and starts the monitor and timers. Any failure is
// fatal and leaves nothing open.
func (m *Manager) Initialize(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != "idle" {
		return fmt.Errorf("sync manager is %s", m.status)
	}
	cfg := m.cfg
	dir := filepath.Join(cfg.Store.DataDir, m.opts.UserID)

	m.log.Info("Initializing sync manager", zap.String("dir", dir), zap.String("user", m.opts.UserID))
	defer func() {
		if err != nil {
			m.closeStorage()
		}
	}()

	m.kv, err = kv.Open(kv.Config{
		Path:       filepath.Join(dir, "kv"),
		InMemory:   cfg.Store.InMemory,
		GCInterval: cfg.Store.KVGCInterval,
		Logger:     m.log.Named("kv"),
	})
	if err != nil {
		return fmt.Errorf("failed to open key/value store: %w", err)
	}

	keys := m.opts.KeyStore
	if keys == nil {
		keys = store.NewKVKeyStore(m.kv)
	}
	m.store, err = store.Open(ctx, store.Options{
		Path:          filepath.Join(dir, "store.db"),
		UserID:        m.opts.UserID,
		KeyStore:      keys,
		EncryptFields: cfg.Store.EncryptFields,
		CacheEntries:  cfg.Store.SelectCacheEntries,
		KV:            m.kv,
		Now:           m.opts.Now,
		Logger:        m.log.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	source := m.opts.Source
	if source == nil {
		source = network.NewManualSource(network.Signal{Type: model.ConnectionUnknown})
	}
	prober := m.opts.Prober
	if prober == nil {
		prober = network.NewHTTPProber(cfg.Network.ProbeURL, cfg.Network.BandwidthURL)
	}
	m.monitor = network.NewMonitor(source, prober, network.Config{
		ProbeURL:      cfg.Network.ProbeURL,
		ProbeTimeout:  cfg.Network.ProbeTimeout,
		ProbeCacheTTL: cfg.Network.ProbeCacheTTL,
		SlowLatency:   cfg.Network.SlowLatency,
		Now:           m.opts.Now,
		Logger:        m.log.Named("network"),
	})

	m.queue = queue.New(m.kv, queue.Config{
		MaxRetries:          cfg.Sync.MaxRetries,
		CacheMaxEntries:     cfg.Queue.CacheMaxEntries,
		CacheQuotaBytes:     cfg.Queue.CacheQuotaBytes,
		QuotaWarnRatio:      cfg.Queue.QuotaWarnRatio,
		DefaultCacheTTL:     cfg.Queue.DefaultCacheTTL,
		DeadLetterRetention: cfg.Queue.DeadLetterRetention,
		Now:                 m.opts.Now,
		Logger:              m.log.Named("queue"),
	})
	if err = m.queue.Load(ctx); err != nil {
		return err
	}

	authority := m.opts.Authority
	if authority == nil {
		if cfg.Sync.AuthorityURL == "" {
			return &apperr.ConfigurationError{Field: "sync.authority_url", Reason: "required when no authority is provided"}
		}
		authority = remote.NewHTTPClient(cfg.Sync.AuthorityURL, cfg.Sync.RequestTimeout)
	}
	m.engine, err = NewEngine(EngineDeps{
		Queue:     m.queue,
		Store:     m.store,
		Authority: authority,
		State:     NewKVStateStore(m.kv),
		Now:       m.opts.Now,
		Logger:    m.log,
	}, cfg.Sync)
	if err != nil {
		return err
	}
	if err = m.engine.Load(ctx); err != nil {
		return err
	}

	m.limiter = rate.NewLimiter(limitFor(cfg.Sync.MinSyncInterval), 1)
	m.scheduler = NewScheduler(cfg.Scheduler, m.autoSync, m.maintain, m.log.Named("scheduler"))

	m.subs = append(m.subs, m.monitor.Subscribe(m.onNetworkChange))
	m.monitor.Start()
	st := m.monitor.GetCurrentState()
	m.queue.SetNetworkState(st)
	m.wasOnline = st.Online()
	metrics.NetworkQuality.Set(float64(st.Quality))

	m.scheduler.Start()
	if cfg.Scheduler.AutoSync {
		m.scheduler.StartAutoSync(network.RecommendedInterval(st.Quality))
	}
	m.status = "running"
	m.log.Info("Sync manager initialized",
		zap.Bool("online", st.Online()),
		zap.Int("queued", m.queue.QueueSize()),
		zap.Bool("encrypted", m.store.Encrypted()),
	)
	return nil
}

// Dispose stops timers and subscriptions, waits for background cycles and
// closes storage. It is safe to call more than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.status != "running" {
		m.mu.Unlock()
		return
	}
	m.status = "disposed"
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.mu.Unlock()

	m.log.Info("Stopping sync manager")
	m.cancel()
	m.scheduler.Stop()
	m.wg.Wait()
	for _, s := range m.subs {
		s.Close()
	}
	m.monitor.Stop()
	m.engine.Close()
	m.queue.Close()
	m.closeStorage()
}

func (m *Manager) closeStorage() {
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.log.Warn("Failed to close local store", zap.Error(err))
		}
	}
	if m.kv != nil {
		if err := m.kv.Close(); err != nil {
			m.log.Warn("Failed to close key/value store", zap.Error(err))
		}
	}
}

// checkRunning reports ErrNotInitialized before Initialize and ErrClosed
// after Dispose.
func (m *Manager) checkRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status {
	case "running":
		return nil
	case "disposed":
		return apperr.ErrClosed
	}
	return apperr.ErrNotInitialized
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func (m *Manager) Store() *store.Store { return m.store }

func (m *Manager) Queue() *queue.Manager { return m.queue }

func (m *Manager) Network() *network.Monitor { return m.monitor }

func (m *Manager) Engine() *Engine { return m.engine }

// Progress is the engine's latest progress, or an idle one before Initialize.
func (m *Manager) Progress() model.SyncProgress {
	if errors.Is(m.checkRunning(), apperr.ErrNotInitialized) {
		return model.SyncProgress{Status: model.SyncIdle}
	}
	return m.engine.Progress()
}

func (m *Manager) Config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// QueueOperation applies op to the local store right away and queues it for
// the authority. Create operations get a record id when they lack one.
func (m *Manager) QueueOperation(ctx context.Context, op model.PendingOperation, opts ...store.Option) (string, error) {
	if err := m.checkRunning(); err != nil {
		return "", err
	}
	if op.Type == model.OpCreate && op.RecordID == "" {
		op.RecordID = uuid.New().String()
	}
	if op.ClientTimestamp.IsZero() {
		op.ClientTimestamp = m.opts.Now()
	}

	var fields map[string]any
	if op.Type != model.OpDelete && len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &fields); err != nil {
			return "", fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}

	key := queue.RecordKey(op.Table, op.RecordID)
	var rec model.Record
	var err error
	switch op.Type {
	case model.OpCreate:
		rec, err = m.store.Upsert(ctx, model.Record{ID: op.RecordID, Table: op.Table, Fields: fields, UpdatedAt: op.ClientTimestamp}, opts...)
	case model.OpUpdate:
		rec, err = m.store.Update(ctx, op.Table, op.RecordID, fields, opts...)
		if errors.Is(err, apperr.ErrNotFound) {
			rec, err = m.store.Upsert(ctx, model.Record{ID: op.RecordID, Table: op.Table, Fields: fields, UpdatedAt: op.ClientTimestamp}, opts...)
		}
	case model.OpDelete:
		err = ignoreNotFound(m.store.Delete(ctx, op.Table, op.RecordID))
	default:
		return "", fmt.Errorf("invalid operation type %q", op.Type)
	}
	if err != nil {
		return "", err
	}

	id, err := m.queue.QueueOperation(ctx, op)
	if err != nil {
		return "", err
	}
	if op.Type == model.OpDelete {
		m.queue.InvalidateCache(key)
	} else if err := m.queue.CacheData(key, rec.Fields, 0, "table:"+op.Table); err != nil {
		m.log.Debug("Failed to cache record", zap.String("key", key), zap.Error(err))
	}
	metrics.QueueDepth.Set(float64(m.queue.QueueSize()))
	return id, nil
}

// TriggerSync runs a manual cycle and returns its progress. Calls within
// MinSyncInterval of the last accepted one return the current progress
// without syncing. A manual trigger resumes a paused auto-sync.
func (m *Manager) TriggerSync(ctx context.Context) model.SyncProgress {
	if err := m.checkRunning(); err != nil {
		m.log.Debug("Manual sync refused", zap.Error(err))
		return m.Progress()
	}
	if !m.limiter.AllowN(m.opts.Now(), 1) {
		metrics.SyncSkipped.WithLabelValues("rate_limited").Inc()
		m.log.Debug("Manual sync rate limited")
		return m.engine.Progress()
	}
	m.resume("manual trigger")
	return m.runCycle(ctx, TriggerManual)
}

func (m *Manager) runCycle(ctx context.Context, trigger Trigger) model.SyncProgress {
	if m.queue.IsOffline() {
		metrics.SyncSkipped.WithLabelValues("offline").Inc()
		return m.engine.Progress()
	}
	p := m.engine.Sync(ctx, trigger)
	m.recordOutcome(p)
	return p
}

// runAsync starts a cycle owned by the manager's lifetime.
func (m *Manager) runAsync(trigger Trigger) {
	m.mu.Lock()
	running := m.status == "running"
	if running {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	if !running {
		return
	}
	go func() {
		defer m.wg.Done()
		m.runCycle(m.ctx, trigger)
	}()
}

// recordOutcome drives the circuit breaker from finished cycles.
func (m *Manager) recordOutcome(p model.SyncProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch p.Status {
	case model.SyncSuccess:
		m.consecutiveFailures = 0
	case model.SyncError:
		m.consecutiveFailures++
		if !m.paused && m.consecutiveFailures >= m.cfg.Sync.MaxConsecutiveFailures {
			m.paused = true
			m.log.Warn("Auto-sync paused after consecutive failures",
				zap.Int("failures", m.consecutiveFailures),
				zap.String("lastError", p.LastError),
			)
		}
	}
}

func (m *Manager) resume(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		m.log.Info("Auto-sync resumed", zap.String("reason", reason))
	}
	m.paused = false
}

// autoSync is the scheduler tick.
func (m *Manager) autoSync() {
	m.mu.Lock()
	paused := m.paused
	background := m.appState == model.AppBackground && !m.cfg.Sync.BackgroundSync
	m.mu.Unlock()

	reason := ""
	switch {
	case paused:
		reason = "paused"
	case m.queue.IsOffline():
		reason = "offline"
	case !m.monitor.IsSuitableForBackgroundSync():
		reason = "unsuitable_network"
	case background:
		reason = "background"
	case len(m.queue.Due(m.opts.Now(), 1)) == 0:
		reason = "nothing_due"
	}
	if reason != "" {
		metrics.SyncSkipped.WithLabelValues(reason).Inc()
		m.log.Debug("Skipping auto-sync", zap.String("reason", reason))
		return
	}
	m.runCycle(m.ctx, TriggerAuto)
}

func (m *Manager) StartAutoSync() error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.scheduler.StartAutoSync(m.monitor.RecommendedSyncInterval())
	return nil
}

func (m *Manager) StopAutoSync() error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	m.scheduler.StopAutoSync()
	return nil
}

func (m *Manager) onNetworkChange(st model.NetworkState) {
	m.queue.SetNetworkState(st)
	metrics.NetworkQuality.Set(float64(st.Quality))
	m.scheduler.SetAutoSyncInterval(network.RecommendedInterval(st.Quality))

	if st.Status == model.StatusConnecting {
		m.validateAsync()
	}

	m.mu.Lock()
	regained := st.Online() && !m.wasOnline
	m.wasOnline = st.Online()
	onConnect := m.cfg.Sync.SyncOnConnect
	m.mu.Unlock()

	if regained {
		m.log.Info("Connectivity regained", zap.String("type", string(st.Type)), zap.Stringer("quality", st.Quality))
		m.resume("connectivity regained")
		if onConnect {
			m.runAsync(TriggerConnect)
		}
	}
}

// validateAsync probes a link the platform reports as connected but not yet
// reachable.
func (m *Manager) validateAsync() {
	m.mu.Lock()
	running := m.status == "running"
	if running {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	if !running {
		return
	}
	go func() {
		defer m.wg.Done()
		if _, err := m.monitor.ValidateConnection(m.ctx); err != nil {
			m.log.Debug("Connection validation failed", zap.Error(err))
		}
	}()
}

// SetAppState records a lifecycle transition. Transitions settle after
// LifecycleDebounce; only the last one in a burst takes effect.
func (m *Manager) SetAppState(state model.AppState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != "running" || state == m.pendingAppState {
		return
	}
	m.pendingAppState = state
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.cfg.Sync.LifecycleDebounce, func() { m.applyAppState(state) })
}

func (m *Manager) applyAppState(state model.AppState) {
	m.mu.Lock()
	if m.status != "running" || state != m.pendingAppState || state == m.appState {
		m.mu.Unlock()
		return
	}
	prev := m.appState
	m.appState = state
	onForeground := m.cfg.Sync.SyncOnForeground
	m.mu.Unlock()

	m.log.Info("App state changed", zap.String("from", string(prev)), zap.String("to", string(state)))
	if state == model.AppForeground && onForeground {
		m.runAsync(TriggerForeground)
	}
}

// UpdateConfig validates cfg and applies the sync and scheduler settings.
// Store and network settings take effect on the next Initialize.
func (m *Manager) UpdateConfig(cfg config.Config) error {
	if err := m.checkRunning(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := m.engine.UpdateConfig(cfg.Sync); err != nil {
		return &apperr.ConfigurationError{Field: "sync.conflict_strategy", Reason: err.Error()}
	}

	m.mu.Lock()
	prev := m.cfg
	m.cfg = cfg
	m.mu.Unlock()

	m.limiter.SetLimitAt(m.opts.Now(), limitFor(cfg.Sync.MinSyncInterval))
	m.scheduler.SetMaintenanceInterval(cfg.Scheduler.MaintenanceInterval)
	if cfg.Scheduler.AutoSync != prev.Scheduler.AutoSync {
		if cfg.Scheduler.AutoSync {
			m.scheduler.StartAutoSync(m.monitor.RecommendedSyncInterval())
		} else {
			m.scheduler.StopAutoSync()
		}
	}
	m.log.Info("Configuration updated",
		zap.Int("batchSize", cfg.Sync.BatchSize),
		zap.String("strategy", cfg.Sync.ConflictStrategy),
		zap.Duration("minSyncInterval", cfg.Sync.MinSyncInterval),
	)
	return nil
}

func (m *Manager) GetConflicts(ctx context.Context) ([]*model.SyncConflict, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	return m.engine.GetConflicts(ctx)
}

// ResolveConflictManually settles a conflict and, when online, syncs the
// outcome right away.
func (m *Manager) ResolveConflictManually(ctx context.Context, id string, chosen map[string]any) (*model.SyncConflict, error) {
	if err := m.checkRunning(); err != nil {
		return nil, err
	}
	c, err := m.engine.ResolveConflictManually(ctx, id, chosen)
	if err != nil {
		return nil, err
	}
	if chosen != nil {
		m.runAsync(TriggerResolve)
	}
	return c, nil
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	if err := m.checkRunning(); err != nil {
		return Status{}, err
	}
	conflicts, err := m.engine.GetConflicts(ctx)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	st := Status{
		ConsecutiveFailures: m.consecutiveFailures,
		AutoSyncPaused:      m.paused,
		AppState:            string(m.appState),
	}
	m.mu.Unlock()

	st.State = m.engine.State()
	st.Offline = m.queue.IsOffline()
	st.QueueSize = m.queue.QueueSize()
	st.UnresolvedConflicts = len(conflicts)
	st.AutoSyncRunning = m.scheduler.AutoSyncRunning()
	st.LastSync = m.engine.GetLastSyncTime()
	st.NextAutoSync = m.scheduler.NextAutoSync()
	return st, nil
}

type MaintenanceReport struct {
	queue.MaintenanceReport
	ExpiredSelectEntries int  `json:"expiredSelectEntries"`
	Vacuumed             bool `json:"vacuumed"`
}

// RunMaintenance purges expired cache entries and old dead letters, then
// compacts the local store.
func (m *Manager) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	if err := m.checkRunning(); err != nil {
		return report, err
	}
	qr, err := m.queue.PerformMaintenance(ctx)
	report.MaintenanceReport = qr
	if err != nil {
		return report, err
	}
	report.ExpiredSelectEntries = m.store.CleanupCache()
	if err := m.store.Vacuum(ctx); err != nil {
		return report, err
	}
	report.Vacuumed = true
	return report, nil
}

func (m *Manager) maintain() {
	if _, err := m.RunMaintenance(m.ctx); err != nil {
		m.log.Warn("Maintenance failed", zap.Error(err))
	}
}

// Listeners can only be attached while the manager is running. Outside that
// window the On* methods return an already closed subscription.

func (m *Manager) OnProgress(fn func(model.SyncProgress)) *pubsub.Subscription[model.SyncProgress] {
	if m.checkRunning() != nil {
		return pubsub.Closed[model.SyncProgress]()
	}
	return m.engine.OnProgress(fn)
}

func (m *Manager) OnConflict(fn func(model.SyncConflict)) *pubsub.Subscription[model.SyncConflict] {
	if m.checkRunning() != nil {
		return pubsub.Closed[model.SyncConflict]()
	}
	return m.engine.OnConflict(fn)
}

func (m *Manager) OnSyncError(fn func(SyncErrorEvent)) *pubsub.Subscription[SyncErrorEvent] {
	if m.checkRunning() != nil {
		return pubsub.Closed[SyncErrorEvent]()
	}
	return m.engine.OnError(fn)
}

func (m *Manager) OnNetworkChange(fn func(model.NetworkState)) *pubsub.Subscription[model.NetworkState] {
	if m.checkRunning() != nil {
		return pubsub.Closed[model.NetworkState]()
	}
	return m.monitor.Subscribe(fn)
}

// OnStorageWarning reports when the application cache nears its quota.
func (m *Manager) OnStorageWarning(fn func(queue.Event)) *pubsub.Subscription[queue.Event] {
	if m.checkRunning() != nil {
		return pubsub.Closed[queue.Event]()
	}
	return m.queue.Subscribe(func(ev queue.Event) {
		if ev.Kind == queue.EventStorageWarning {
			fn(ev)
		}
	})
}
