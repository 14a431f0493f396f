package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"offline-sync-core/internal/kv"
)

// CacheData stores value as JSON under key. A zero ttl uses the configured
// default; a negative ttl never expires.
func (m *Manager) CacheData(key string, value any, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	switch {
	case ttl == 0:
		ttl = m.cfg.DefaultCacheTTL
	case ttl < 0:
		ttl = 0
	}
	m.cache.Set(key, raw, ttl, tags...)
	m.enforceQuota()
	return nil
}

// GetCached decodes the cached value for key. Expired or undecodable entries
// are a miss.
func GetCached[T any](m *Manager, key string) (T, bool) {
	var zero T
	raw, ok := m.cache.Get(key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		m.log.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		m.cache.Delete(key)
		return zero, false
	}
	return v, true
}

// InvalidateCache drops one key.
func (m *Manager) InvalidateCache(key string) {
	m.cache.Delete(key)
}

// ClearCache removes entries matching the glob pattern; empty clears all.
func (m *Manager) ClearCache(pattern string) int {
	n := m.cache.Clear(pattern)
	m.enforceQuota()
	return n
}

// GetCacheSize returns the cached payload bytes.
func (m *Manager) GetCacheSize() int64 {
	return m.cache.Bytes()
}

// CacheEntries returns the number of cached keys.
func (m *Manager) CacheEntries() int {
	return m.cache.Len()
}

// enforceQuota evicts oldest entries above the hard quota and publishes one
// StorageWarning per upward crossing of the warning threshold.
func (m *Manager) enforceQuota() {
	quota := m.cfg.CacheQuotaBytes
	if quota <= 0 {
		return
	}
	for m.cache.Bytes() > quota {
		keys := m.cache.Keys()
		if len(keys) == 0 {
			break
		}
		m.cache.Delete(keys[0])
		m.log.Debug("Evicted cache entry over quota", zap.String("key", keys[0]))
	}

	bytes := m.cache.Bytes()
	threshold := int64(float64(quota) * m.cfg.QuotaWarnRatio)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case bytes >= threshold && !m.quotaWarned:
		m.quotaWarned = true
		m.log.Warn("Cache storage nearing quota", zap.Int64("bytes", bytes), zap.Int64("quota", quota))
		m.events.Publish(Event{
			Kind:       EventStorageWarning,
			Offline:    m.offline,
			QueueSize:  len(m.ops),
			CacheBytes: bytes,
			QuotaBytes: quota,
		})
	case bytes < threshold:
		m.quotaWarned = false
	}
}

type MaintenanceReport struct {
	ExpiredCacheEntries int   `json:"expiredCacheEntries"`
	PrunedDeadLetters   int   `json:"prunedDeadLetters"`
	QueueSize           int   `json:"queueSize"`
	CacheBytes          int64 `json:"cacheBytes"`
}

// PerformMaintenance purges expired cache entries and dead letters older
// than the retention window.
func (m *Manager) PerformMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	report.ExpiredCacheEntries = m.cache.Purge()

	letters, err := m.DeadLetters()
	if err != nil {
		return report, err
	}
	if m.cfg.DeadLetterRetention > 0 {
		cutoff := m.cfg.Now().Add(-m.cfg.DeadLetterRetention)
		for _, dl := range letters {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if dl.DeadLetteredAt.After(cutoff) {
				continue
			}
			if err := m.kv.Delete(kv.NSDeadLetter, dl.Operation.ID); err != nil {
				return report, err
			}
			report.PrunedDeadLetters++
		}
	}

	m.enforceQuota()
	report.QueueSize = m.QueueSize()
	report.CacheBytes = m.cache.Bytes()
	m.log.Info("Queue maintenance finished",
		zap.Int("expired_cache_entries", report.ExpiredCacheEntries),
		zap.Int("pruned_dead_letters", report.PrunedDeadLetters),
		zap.Int("queue_size", report.QueueSize),
	)
	return report, nil
}

// RecordKey is the cache key mirroring a stored record.
func RecordKey(table, id string) string {
	return "record:" + table + ":" + id
}
