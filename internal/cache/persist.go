package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
)

// KVPersister stores entries in the kv cache namespace, snappy-compressed.
type KVPersister struct {
	store *kv.Store
	now   func() time.Time
}

func NewKVPersister(store *kv.Store, now func() time.Time) *KVPersister {
	if now == nil {
		now = time.Now
	}
	return &KVPersister{store: store, now: now}
}

func (p *KVPersister) Save(e *model.CacheEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	// Let badger drop the key on its own shortly after it expires; reads
	// still check ExpiresAt so a lagging badger TTL is harmless.
	var ttl time.Duration
	if e.ExpiresAt != nil {
		ttl = e.ExpiresAt.Sub(p.now()) + time.Minute
	}
	return p.store.Set(kv.NSCache, e.Key, snappy.Encode(nil, raw), ttl)
}

func (p *KVPersister) Remove(key string) error {
	return p.store.Delete(kv.NSCache, key)
}

func (p *KVPersister) LoadAll(fn func(e *model.CacheEntry)) error {
	return p.store.Scan(kv.NSCache, func(k string, v []byte) error {
		raw, err := snappy.Decode(nil, v)
		if err != nil {
			return fmt.Errorf("decode cache entry %s: %w", k, err)
		}
		var e model.CacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode cache entry %s: %w", k, err)
		}
		fn(&e)
		return nil
	})
}
