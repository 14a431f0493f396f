package kv

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-core/internal/apperr"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetSetDelete(t *testing.T) {
	s := openTest(t)

	_, err := s.Get(NSQueue, "op-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.Set(NSQueue, "op-1", []byte("payload"), 0))
	v, err := s.Get(NSQueue, "op-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), v)

	// same key in another namespace is independent
	_, err = s.Get(NSCache, "op-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.Delete(NSQueue, "op-1"))
	require.NoError(t, s.Delete(NSQueue, "op-1"))
	_, err = s.Get(NSQueue, "op-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_TTL(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Set(NSCache, "short", []byte("x"), time.Second))
	_, err := s.Get(NSCache, "short")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.Get(NSCache, "short")
		return errors.Is(err, apperr.ErrNotFound)
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStore_ScanCountDeletePrefix(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(NSHistory, fmt.Sprintf("h%d", i), []byte{byte(i)}, 0))
	}
	require.NoError(t, s.Set(NSConflict, "c1", []byte("c"), 0))

	var keys []string
	require.NoError(t, s.Scan(NSHistory, func(k string, v []byte) error {
		keys = append(keys, k)
		return nil
	}))
	assert.Equal(t, []string{"h0", "h1", "h2", "h3", "h4"}, keys)

	n, err := s.Count(NSHistory)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	stop := errors.New("stop")
	seen := 0
	err = s.Scan(NSHistory, func(string, []byte) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)

	require.NoError(t, s.DeletePrefix(NSHistory))
	n, err = s.Count(NSHistory)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Count(NSConflict)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_GCInMemory(t *testing.T) {
	s := openTest(t)
	reclaimed, err := s.RunGC(0.5)
	require.NoError(t, err)
	assert.False(t, reclaimed)
}

func TestOpen_OnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir, GCInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Set(NSQueue, "k", []byte("v"), 0))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(NSQueue, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = Open(Config{})
	var serr *apperr.StorageError
	assert.ErrorAs(t, err, &serr)
}
