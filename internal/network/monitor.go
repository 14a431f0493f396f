// Package network derives NetworkState from platform connectivity signals and
// active probes, and maps it to a sync cadence.
package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"offline-sync-core/internal/apperr"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/pubsub"
)

const probeKey = "probe"

type Config struct {
	// ProbeURL labels validation errors.
	ProbeURL      string
	ProbeTimeout  time.Duration
	ProbeCacheTTL time.Duration
	SlowLatency   time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

type verdict struct {
	reachable bool
	latency   time.Duration
	at        time.Time
	err       error
}

type Monitor struct {
	source Source
	prober Prober
	cfg    Config
	log    *zap.Logger
	events *pubsub.Registry[model.NetworkState]
	group  singleflight.Group

	mu          sync.Mutex
	signal      Signal
	state       model.NetworkState
	verdict     *verdict
	probeGen    uint64
	cancelProbe context.CancelFunc
	unsubscribe func()
}

func NewMonitor(source Source, prober Prober, cfg Config) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.ProbeCacheTTL <= 0 {
		cfg.ProbeCacheTTL = 30 * time.Second
	}
	if cfg.SlowLatency <= 0 {
		cfg.SlowLatency = 1500 * time.Millisecond
	}
	m := &Monitor{
		source: source,
		prober: prober,
		cfg:    cfg,
		log:    cfg.Logger,
		events: pubsub.New[model.NetworkState]("network", cfg.Logger),
	}
	m.signal = source.Current()
	m.state = m.deriveLocked()
	return m
}

// Start begins listening for platform signals.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		return
	}
	m.unsubscribe = m.source.Subscribe(m.onSignal)
	m.applySignalLocked(m.source.Current())
}

// Stop unsubscribes from the source and cancels any in-flight probe.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	if m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
	}
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	m.events.Close()
}

// Subscribe registers fn for every state change.
func (m *Monitor) Subscribe(fn func(model.NetworkState)) *pubsub.Subscription[model.NetworkState] {
	return m.events.Subscribe(fn)
}

// GetCurrentState returns the last known state without blocking on I/O.
func (m *Monitor) GetCurrentState() model.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RefreshNetworkState re-reads the platform signal and forces a new probe.
// The returned error is the probe failure, if any; the state is always valid.
func (m *Monitor) RefreshNetworkState(ctx context.Context) (model.NetworkState, error) {
	m.mu.Lock()
	m.applySignalLocked(m.source.Current())
	m.mu.Unlock()

	_, err := m.validate(ctx, true)
	return m.GetCurrentState(), err
}

// ValidateConnection actively checks internet reachability. Verdicts are
// cached for ProbeCacheTTL and concurrent callers share one probe.
func (m *Monitor) ValidateConnection(ctx context.Context) (bool, error) {
	return m.validate(ctx, false)
}

// TestBandwidth samples download throughput and records it on the state.
func (m *Monitor) TestBandwidth(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	bps, err := m.prober.Bandwidth(ctx)
	if err != nil {
		return 0, &apperr.NetworkValidationError{URL: m.cfg.ProbeURL, Cause: err}
	}
	m.mu.Lock()
	m.state.DownloadSpeed = bps
	m.state.LastChecked = m.cfg.Now()
	m.events.Publish(m.state)
	m.mu.Unlock()
	return bps, nil
}

// RecommendedSyncInterval maps the current quality to an auto-sync cadence.
func (m *Monitor) RecommendedSyncInterval() time.Duration {
	return RecommendedInterval(m.GetCurrentState().Quality)
}

// IsSuitableForBackgroundSync is false on poor or absent links.
func (m *Monitor) IsSuitableForBackgroundSync() bool {
	st := m.GetCurrentState()
	return st.IsConnected && st.Quality != model.QualityPoor
}

func (m *Monitor) onSignal(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applySignalLocked(sig)
}

func (m *Monitor) applySignalLocked(sig Signal) {
	prev := m.signal
	m.signal = sig
	if prev.Connected != sig.Connected || prev.Type != sig.Type {
		// A different link invalidates what we measured on the old one.
		m.verdict = nil
		m.state.DownloadSpeed = 0
		if m.cancelProbe != nil {
			m.cancelProbe()
			m.cancelProbe = nil
			m.group.Forget(probeKey)
		}
	}
	m.state = m.deriveLocked()
	m.log.Debug("Network signal",
		zap.Bool("connected", sig.Connected),
		zap.String("type", string(sig.Type)),
		zap.Stringer("quality", m.state.Quality),
	)
	m.events.Publish(m.state)
}

func (m *Monitor) deriveLocked() model.NetworkState {
	sig := m.signal
	st := model.NetworkState{
		IsConnected:   sig.Connected,
		Type:          sig.Type,
		DownloadSpeed: m.state.DownloadSpeed,
		LastChecked:   m.cfg.Now(),
	}
	if st.Type == "" {
		st.Type = model.ConnectionUnknown
	}

	reachable := sig.Connected && sig.Reachable
	if sig.Connected && m.verdict != nil {
		reachable = m.verdict.reachable
		st.Latency = m.verdict.latency
	}
	st.IsInternetReachable = reachable

	switch {
	case sig.Connected && (reachable || m.verdict != nil):
		st.Status = model.StatusConnected
	case sig.Connected:
		st.Status = model.StatusConnecting
	case st.Type == model.ConnectionUnknown:
		st.Status = model.StatusUnknown
	default:
		st.Status = model.StatusDisconnected
	}

	st.Quality = Classify(st.Type, sig.Connected && reachable, st.Latency, m.cfg.SlowLatency)
	return st
}

func (m *Monitor) validate(ctx context.Context, force bool) (bool, error) {
	m.mu.Lock()
	if !m.signal.Connected {
		m.mu.Unlock()
		return false, nil
	}
	if !force && m.verdict != nil && m.cfg.Now().Sub(m.verdict.at) < m.cfg.ProbeCacheTTL {
		v := *m.verdict
		m.mu.Unlock()
		return v.reachable, v.err
	}
	if force && m.cancelProbe != nil {
		m.cancelProbe()
		m.cancelProbe = nil
		m.group.Forget(probeKey)
	}
	m.mu.Unlock()

	ch := m.group.DoChan(probeKey, func() (interface{}, error) {
		return m.runProbe(), nil
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		v := res.Val.(verdict)
		return v.reachable, v.err
	}
}

func (m *Monitor) runProbe() verdict {
	m.mu.Lock()
	m.probeGen++
	gen := m.probeGen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	m.cancelProbe = cancel
	m.mu.Unlock()
	defer cancel()

	latency, err := m.prober.Probe(ctx)
	v := verdict{reachable: err == nil, latency: latency, at: m.cfg.Now()}
	if err != nil {
		v.err = &apperr.NetworkValidationError{URL: m.cfg.ProbeURL, Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.probeGen || ctx.Err() == context.Canceled {
		// Superseded by a newer probe or a link change.
		return v
	}
	m.cancelProbe = nil
	m.verdict = &v
	prev := m.state
	m.state = m.deriveLocked()
	if err != nil {
		m.log.Info("Connection validation failed", zap.Error(err))
	}
	if prev.IsInternetReachable != m.state.IsInternetReachable ||
		prev.Quality != m.state.Quality || prev.Status != m.state.Status {
		m.events.Publish(m.state)
	}
	return v
}

// Classify maps a link to a quality level. A measured latency at or above
// slow downgrades one level.
func Classify(t model.ConnectionType, online bool, latency, slow time.Duration) model.Quality {
	if !online {
		return model.QualityPoor
	}
	var q model.Quality
	switch t {
	case model.ConnectionEthernet:
		q = model.QualityExcellent
	case model.ConnectionWifi:
		q = model.QualityGood
	case model.ConnectionNone:
		return model.QualityPoor
	default:
		q = model.QualityFair
	}
	if slow > 0 && latency >= slow && q > model.QualityPoor {
		q--
	}
	return q
}

// RecommendedInterval is the auto-sync cadence for a quality level.
func RecommendedInterval(q model.Quality) time.Duration {
	switch q {
	case model.QualityExcellent:
		return 60 * time.Second
	case model.QualityGood:
		return 180 * time.Second
	case model.QualityFair:
		return 600 * time.Second
	}
	return 1800 * time.Second
}
