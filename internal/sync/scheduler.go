package sync

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-core/internal/config"
)

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler owns the auto-sync and maintenance timers. A tick that fires
// while the previous run of the same job is still going is skipped.
type Scheduler struct {
	cfg      config.SchedulerConfig
	cron     *cron.Cron
	log      *zap.Logger
	autoSync func()
	maintain func()

	mu            sync.Mutex
	started       bool
	autoID        cron.EntryID
	autoInterval  time.Duration
	maintID       cron.EntryID
	maintInterval time.Duration
}

func NewScheduler(cfg config.SchedulerConfig, autoSync, maintain func(), log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	return &Scheduler{
		cfg:      cfg,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:      log,
		autoSync: autoSync,
		maintain: maintain,
	}
}

// Start runs the cron loop and schedules maintenance. Auto-sync is scheduled
// separately by StartAutoSync.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.scheduleMaintenanceLocked(s.cfg.MaintenanceInterval)
	s.cron.Start()
	s.log.Info("Started scheduler", zap.Duration("maintenance", s.cfg.MaintenanceInterval))
}

// Stop removes every entry and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("Stopped scheduler")
}

// StartAutoSync schedules auto-sync every interval, replacing any existing
// schedule.
func (s *Scheduler) StartAutoSync(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleAutoLocked(interval)
}

func (s *Scheduler) StopAutoSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoID != 0 {
		s.cron.Remove(s.autoID)
		s.autoID = 0
		s.autoInterval = 0
		s.log.Info("Auto-sync stopped")
	}
}

// SetAutoSyncInterval reschedules a running auto-sync when the interval
// changes. It does nothing while auto-sync is stopped.
func (s *Scheduler) SetAutoSyncInterval(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoID == 0 || interval == s.autoInterval {
		return
	}
	s.scheduleAutoLocked(interval)
}

func (s *Scheduler) scheduleAutoLocked(interval time.Duration) {
	if s.autoID != 0 {
		s.cron.Remove(s.autoID)
	}
	s.autoID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.autoSync))
	s.autoInterval = interval
	s.log.Info("Auto-sync scheduled", zap.Duration("interval", interval))
}

// SetMaintenanceInterval reschedules maintenance.
func (s *Scheduler) SetMaintenanceInterval(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaintenanceInterval = interval
	if s.started && interval != s.maintInterval {
		s.scheduleMaintenanceLocked(interval)
	}
}

func (s *Scheduler) scheduleMaintenanceLocked(interval time.Duration) {
	if s.maintID != 0 {
		s.cron.Remove(s.maintID)
		s.maintID = 0
	}
	if interval <= 0 {
		return
	}
	s.maintID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(s.maintain))
	s.maintInterval = interval
}

func (s *Scheduler) AutoSyncRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoID != 0
}

func (s *Scheduler) AutoSyncInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoInterval
}

// NextAutoSync is the next scheduled tick, zero when auto-sync is stopped or
// the scheduler is not running.
func (s *Scheduler) NextAutoSync() time.Time {
	s.mu.Lock()
	id := s.autoID
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}
