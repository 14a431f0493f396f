// Package kv is the on-device key/value store: encryption key, cache entries,
// queued operations, conflicts and configuration all live here under fixed
// namespace prefixes so each concern can be enumerated and cleared in bulk.
package kv

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"offline-sync-core/internal/apperr"
)

// Namespace is a fixed key prefix owned by one concern.
type Namespace string

const (
	NSKey        Namespace = "key/"
	NSCache      Namespace = "cache/"
	NSQueue      Namespace = "queue/"
	NSDeadLetter Namespace = "deadletter/"
	NSConflict   Namespace = "conflict/"
	NSHistory    Namespace = "history/"
)

type Config struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zap.Logger
}

type Store struct {
	db     *badger.DB
	path   string
	log    *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, apperr.NewStorageError("open", "", errors.New("path is required for persistent key/value store"))
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, apperr.NewStorageError("open", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperr.NewStorageError("open", cfg.Path, err)
	}

	s := &Store{db: db, path: cfg.Path, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, ratio)
	}
	return s, nil
}

// OpenInMemory opens a throwaway store for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

func key(ns Namespace, k string) []byte {
	return []byte(string(ns) + k)
}

// Get returns apperr.ErrNotFound when the key is absent or expired.
func (s *Store) Get(ns Namespace, k string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ns, k))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.NewStorageError("get", string(ns)+k, err)
	}
	return out, nil
}

// Set writes value. A positive ttl lets badger expire the key on its own.
func (s *Store) Set(ns Namespace, k string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(ns, k), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	return apperr.NewStorageError("set", string(ns)+k, err)
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ns Namespace, k string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(ns, k))
	})
	return apperr.NewStorageError("delete", string(ns)+k, err)
}

// Scan calls fn for every key in ns, with the namespace stripped. Returning an
// error from fn stops the scan.
func (s *Store) Scan(ns Namespace, fn func(k string, v []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ns)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()[len(ns):]), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", ns, err)
	}
	return nil
}

// Count returns the number of keys in ns.
func (s *Store) Count(ns Namespace) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ns)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, apperr.NewStorageError("count", string(ns), err)
}

// DeletePrefix removes every key in ns.
func (s *Store) DeletePrefix(ns Namespace) error {
	return apperr.NewStorageError("delete-prefix", string(ns), s.db.DropPrefix([]byte(ns)))
}

// RunGC triggers one value log GC pass. It reports whether space was reclaimed.
func (s *Store) RunGC(ratio float64) (bool, error) {
	err := s.db.RunValueLogGC(ratio)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
		return false, nil
	}
	return false, apperr.NewStorageError("gc", s.path, err)
}

// Size returns the on-disk LSM and value log sizes in bytes.
func (s *Store) Size() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return apperr.NewStorageError("close", s.path, s.db.Close())
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if _, err := s.RunGC(ratio); err != nil {
				s.log.Warn("Value log GC failed", zap.Error(err))
			}
		}
	}
}
