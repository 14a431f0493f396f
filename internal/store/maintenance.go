package store

import (
	"context"

	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
)

type Stats struct {
	SizeBytes int64 `json:"sizeBytes"`
	Tables    int   `json:"tables"`
	Indexes   int   `json:"indexes"`
	// Fragmentation is the share of free pages, between 0 and 1.
	Fragmentation float64 `json:"fragmentation"`
	CacheEntries  int     `json:"cacheEntries"`
	Encrypted     bool    `json:"encrypted"`
}

// Vacuum rebuilds the SQL database and runs one kv value log GC pass.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	_, err := s.conn.ExecContext(ctx, "VACUUM")
	s.mu.Unlock()
	if err != nil {
		return apperr.NewStorageError("vacuum", s.path, err)
	}
	if s.kv != nil {
		reclaimed, err := s.kv.RunGC(0.5)
		if err != nil {
			return err
		}
		s.log.Debug("Key/value GC finished", zap.Bool("reclaimed", reclaimed))
	}
	return nil
}

// CleanupCache drops expired select results and returns how many went.
func (s *Store) CleanupCache() int {
	return s.cache.Purge()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		CacheEntries: s.cache.Len(),
		Encrypted:    s.Encrypted(),
	}

	var pageCount, pageSize, freePages int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return st, apperr.NewStorageError("stats", s.path, err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return st, apperr.NewStorageError("stats", s.path, err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return st, apperr.NewStorageError("stats", s.path, err)
	}
	st.SizeBytes = pageCount * pageSize
	if pageCount > 0 {
		st.Fragmentation = float64(freePages) / float64(pageCount)
	}

	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN type = 'table' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'index' THEN 1 ELSE 0 END), 0)
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite_%'`).Scan(&st.Tables, &st.Indexes)
	if err != nil {
		return st, apperr.NewStorageError("stats", s.path, err)
	}
	return st, nil
}
