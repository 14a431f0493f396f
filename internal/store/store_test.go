package store

import (
	"context"
	"errors"
	"path/filepath"
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

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by a millisecond per call so created_at values are distinct.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenKeyStore struct{}

func (brokenKeyStore) LoadKey() ([]byte, error) { return nil, errors.New("keychain locked") }
func (brokenKeyStore) SaveKey([]byte) error     { return errors.New("keychain locked") }

func openTestStore(t *testing.T, clock *testClock, encrypt map[string][]string) (*Store, *kv.Store) {
	t.Helper()
	kvs, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })

	s, err := Open(context.Background(), Options{
		Path:          filepath.Join(t.TempDir(), "user-1", "store.db"),
		UserID:        "user-1",
		KeyStore:      NewKVKeyStore(kvs),
		EncryptFields: encrypt,
		CacheEntries:  100,
		KV:            kvs,
		Now:           clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, kvs
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, newTestClock(), nil)

	t.Run("insert then get", func(t *testing.T) {
		rec, err := s.Insert(ctx, "notes", map[string]any{"title": "hello", "pinned": true})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.Synced)

		got, err := s.Get(ctx, "notes", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Fields["title"])
		assert.Equal(t, true, got.Fields["pinned"])
		assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
	})

	t.Run("update merges and clears synced", func(t *testing.T) {
		rec, err := s.Insert(ctx, "notes", map[string]any{"title": "a", "body": "b"})
		require.NoError(t, err)
		require.NoError(t, s.MarkSynced(ctx, "notes", rec.ID))

		updated, err := s.Update(ctx, "notes", rec.ID, map[string]any{"title": "a2", "body": nil})
		require.NoError(t, err)
		assert.Equal(t, "a2", updated.Fields["title"])
		assert.NotContains(t, updated.Fields, "body")
		assert.False(t, updated.Synced)
		assert.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

		got, err := s.Get(ctx, "notes", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.Fields, got.Fields)
	})

	t.Run("missing records", func(t *testing.T) {
		_, err := s.Get(ctx, "notes", "nope")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = s.Update(ctx, "notes", "nope", map[string]any{"x": 1})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "notes", "nope"), apperr.ErrNotFound)
		assert.ErrorIs(t, s.MarkSynced(ctx, "notes", "nope"), apperr.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		rec, err := s.Insert(ctx, "notes", map[string]any{"title": "bye"})
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "notes", rec.ID))
		_, err = s.Get(ctx, "notes", rec.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("upsert keeps given timestamps and flag", func(t *testing.T) {
		ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		_, err := s.Upsert(ctx, model.Record{
			ID: "fixed", Table: "notes", Fields: map[string]any{"v": 1},
			CreatedAt: ts, UpdatedAt: ts, Synced: true,
		})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, model.Record{
			ID: "fixed", Table: "notes", Fields: map[string]any{"v": 2},
			UpdatedAt: ts.Add(time.Hour), Synced: true,
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "notes", "fixed")
		require.NoError(t, err)
		assert.Equal(t, float64(2), got.Fields["v"])
		assert.True(t, got.Synced)
		assert.True(t, got.CreatedAt.Equal(ts))
		assert.True(t, got.UpdatedAt.Equal(ts.Add(time.Hour)))
	})

	t.Run("invalid table names are rejected", func(t *testing.T) {
		_, err := s.Insert(ctx, `notes"; DROP TABLE x; --`, map[string]any{})
		assert.ErrorIs(t, err, apperr.ErrInvalidTable)
		_, err = s.Select(ctx, "1abc", Query{})
		assert.ErrorIs(t, err, apperr.ErrInvalidTable)
	})
}

func TestStore_Encryption(t *testing.T) {
	ctx := context.Background()

	t.Run("configured and per-call fields are ciphertext at rest", func(t *testing.T) {
		s, _ := openTestStore(t, newTestClock(), map[string][]string{"users": {"ssn"}})
		require.True(t, s.Encrypted())

		rec, err := s.Insert(ctx, "users",
			map[string]any{"name": "ann", "ssn": "123-45-6789", "pin": 4321},
			EncryptFields("pin"))
		require.NoError(t, err)

		var raw string
		require.NoError(t, s.conn.QueryRow(`SELECT data FROM "users" WHERE id = ?`, rec.ID).Scan(&raw))
		assert.NotContains(t, raw, "123-45-6789")
		assert.NotContains(t, raw, "4321")
		assert.Contains(t, raw, "ann")
		assert.Equal(t, 2, strings.Count(raw, `"`+encField+`"`))

		got, err := s.Get(ctx, "users", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "123-45-6789", got.Fields["ssn"])
		assert.Equal(t, float64(4321), got.Fields["pin"])
	})

	t.Run("plaintext that looks like a marker is kept as text", func(t *testing.T) {
		s, _ := openTestStore(t, newTestClock(), map[string][]string{"users": {"ssn"}})
		rec, err := s.Insert(ctx, "users", map[string]any{"name": "enc:v1:ann", "ssn": "enc:v1:123"})
		require.NoError(t, err)

		var raw string
		require.NoError(t, s.conn.QueryRow(`SELECT data FROM "users" WHERE id = ?`, rec.ID).Scan(&raw))
		assert.NotContains(t, raw, "enc:v1:123")
		assert.Contains(t, raw, "enc:v1:ann")

		got, err := s.Get(ctx, "users", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "enc:v1:ann", got.Fields["name"])
		assert.Equal(t, "enc:v1:123", got.Fields["ssn"])
	})

	t.Run("key survives reopen", func(t *testing.T) {
		kvs, err := kv.OpenInMemory()
		require.NoError(t, err)
		defer kvs.Close()
		path := filepath.Join(t.TempDir(), "store.db")
		opts := Options{Path: path, UserID: "u", KeyStore: NewKVKeyStore(kvs),
			EncryptFields: map[string][]string{"t": {"secret"}}}

		s1, err := Open(ctx, opts)
		require.NoError(t, err)
		rec, err := s1.Insert(ctx, "t", map[string]any{"secret": "s"})
		require.NoError(t, err)
		require.NoError(t, s1.Close())

		s2, err := Open(ctx, opts)
		require.NoError(t, err)
		defer s2.Close()
		got, err := s2.Get(ctx, "t", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "s", got.Fields["secret"])
	})

	t.Run("other users cannot decrypt", func(t *testing.T) {
		key := make([]byte, masterKeySize)
		a, err := newFieldCipher(key, "alice")
		require.NoError(t, err)
		b, err := newFieldCipher(key, "bob")
		require.NoError(t, err)

		ct, err := a.encrypt("secret")
		require.NoError(t, err)
		_, err = b.decrypt(ct)
		assert.Error(t, err)
	})

	t.Run("unavailable key store degrades to plaintext", func(t *testing.T) {
		s, err := Open(ctx, Options{
			Path:          filepath.Join(t.TempDir(), "store.db"),
			KeyStore:      brokenKeyStore{},
			EncryptFields: map[string][]string{"users": {"ssn"}},
		})
		require.NoError(t, err)
		defer s.Close()
		assert.False(t, s.Encrypted())

		rec, err := s.Insert(ctx, "users", map[string]any{"ssn": "1"})
		require.NoError(t, err)
		got, err := s.Get(ctx, "users", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "1", got.Fields["ssn"])

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.False(t, st.Encrypted)
	})
}

func TestStore_Select(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, newTestClock(), nil)

	for i, title := range []string{"c", "a", "b"} {
		_, err := s.Insert(ctx, "tasks", map[string]any{"title": title, "done": i%2 == 0, "rank": i})
		require.NoError(t, err)
	}

	t.Run("default order is insertion", func(t *testing.T) {
		out, err := s.Select(ctx, "tasks", Query{})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, "c", out[0].Fields["title"])
		assert.Equal(t, "b", out[2].Fields["title"])
	})

	t.Run("filter on json field and bool", func(t *testing.T) {
		out, err := s.Select(ctx, "tasks", Query{Filter: map[string]any{"done": true}})
		require.NoError(t, err)
		assert.Len(t, out, 2)

		out, err = s.Select(ctx, "tasks", Query{Filter: map[string]any{"title": "a", "done": false}})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "a", out[0].Fields["title"])
	})

	t.Run("order by json field desc with limit", func(t *testing.T) {
		out, err := s.Select(ctx, "tasks", Query{OrderBy: "title", Descending: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "c", out[0].Fields["title"])
		assert.Equal(t, "b", out[1].Fields["title"])
	})

	t.Run("filter on synced column", func(t *testing.T) {
		out, err := s.Select(ctx, "tasks", Query{Filter: map[string]any{"synced": false}})
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("bad field names are rejected", func(t *testing.T) {
		_, err := s.Select(ctx, "tasks", Query{Filter: map[string]any{"a') OR 1=1 --": 1}})
		assert.Error(t, err)
		_, err = s.Select(ctx, "tasks", Query{OrderBy: "x y"})
		assert.Error(t, err)
	})
}

func TestStore_SelectCache(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s, _ := openTestStore(t, clock, nil)

	_, err := s.Insert(ctx, "items", map[string]any{"n": 1})
	require.NoError(t, err)

	q := Query{Cache: &CacheOptions{TTL: time.Minute}}
	first, err := s.Select(ctx, "items", q)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A write that bypasses the store is invisible while the entry is fresh.
	_, err = s.conn.Exec(`INSERT INTO "items" (id, data, created_at, updated_at, synced) VALUES ('raw', '{}', 0, 0, 0)`)
	require.NoError(t, err)

	cached, err := s.Select(ctx, "items", q)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	// Mutating a returned result must not leak into the cache.
	cached[0].Fields["n"] = 99
	again, err := s.Select(ctx, "items", q)
	require.NoError(t, err)
	assert.Equal(t, float64(1), again[0].Fields["n"])

	t.Run("expired entry is refetched", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		out, err := s.Select(ctx, "items", q)
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("writes invalidate the table", func(t *testing.T) {
		_, err := s.Select(ctx, "items", q)
		require.NoError(t, err)
		_, err = s.Insert(ctx, "items", map[string]any{"n": 3})
		require.NoError(t, err)
		out, err := s.Select(ctx, "items", q)
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("cleanup purges expired", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, s.CleanupCache())
		assert.Equal(t, 0, s.CleanupCache())
	})
}

func TestStore_Maintenance(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t, newTestClock(), nil)

	for i := 0; i < 20; i++ {
		_, err := s.Insert(ctx, "logs", map[string]any{"line": strings.Repeat("x", 512)})
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, "other", map[string]any{"a": 1})
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Tables)
	assert.Equal(t, 4, st.Indexes)
	assert.Greater(t, st.SizeBytes, int64(0))
	assert.True(t, st.Encrypted)

	require.NoError(t, s.Vacuum(ctx))
	after, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, after.Fragmentation)
}
