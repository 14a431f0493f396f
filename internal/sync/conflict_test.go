package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-core/internal/config"
	"offline-sync-core/internal/kv"
	"offline-sync-core/internal/model"
	"offline-sync-core/internal/remote"
)

func newStateStore(t *testing.T) *KVStateStore {
	t.Helper()
	kvs, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })
	return NewKVStateStore(kvs)
}

func TestLastWriteWinsStrategy(t *testing.T) {
	cases := []struct {
		name   string
		local  time.Time
		remote time.Time
		want   string
	}{
		{"local newer", t0.Add(time.Second), t0, model.WinnerLocal},
		{"remote newer", t0, t0.Add(time.Second), model.WinnerRemote},
		{"tie goes to the authority", t0, t0, model.WinnerRemote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := LastWriteWinsStrategy{}.Resolve(&model.SyncConflict{LocalTimestamp: tc.local, RemoteTimestamp: tc.remote})
			require.NoError(t, err)
			assert.Equal(t, tc.want, d.Winner)
			assert.False(t, d.Deferred())
		})
	}
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor("")
	require.NoError(t, err)
	assert.Equal(t, config.StrategyLastWriteWins, s.Name())

	s, err = StrategyFor(config.StrategyManual)
	require.NoError(t, err)
	d, err := s.Resolve(&model.SyncConflict{})
	require.NoError(t, err)
	assert.True(t, d.Deferred())

	_, err = StrategyFor("newest_wins")
	assert.Error(t, err)
}

func TestConflictManager(t *testing.T) {
	ctx := context.Background()
	clk := &testClock{now: t0}
	cm := NewConflictManager(newStateStore(t), LastWriteWinsStrategy{}, clk.Now)

	op := model.PendingOperation{
		ID: "op-1", Type: model.OpUpdate, Table: "notes", RecordID: "n1",
		Payload: json.RawMessage(`{"title":"a"}`), ClientTimestamp: t0,
	}

	t.Run("same document is not a conflict", func(t *testing.T) {
		ok, c := cm.DetectConflict(op, remote.Response{ServerValue: json.RawMessage(` { "title" : "a" } `)})
		assert.False(t, ok)
		assert.Nil(t, c)
	})

	t.Run("delete against any value is a conflict", func(t *testing.T) {
		del := op
		del.Type = model.OpDelete
		ok, _ := cm.DetectConflict(del, remote.Response{ServerValue: json.RawMessage(`{"title":"a"}`)})
		assert.True(t, ok)
	})

	t.Run("policy resolution is persisted", func(t *testing.T) {
		ok, c := cm.DetectConflict(op, remote.Response{
			ServerValue:     json.RawMessage(`{"title":"b"}`),
			ServerTimestamp: t0.Add(time.Minute),
		})
		require.True(t, ok)
		assert.Equal(t, model.Unresolved, c.Resolution)
		assert.Equal(t, config.StrategyLastWriteWins, c.Strategy)
		require.NoError(t, cm.RecordConflict(ctx, c))

		d, err := cm.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, model.WinnerRemote, d.Winner)

		stored, err := cm.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ResolvedByPolicy, stored.Resolution)
		require.NotNil(t, stored.ResolvedAt)

		_, err = cm.ResolveManually(ctx, c.ID, model.WinnerUser)
		assert.Error(t, err)
	})

	t.Run("manual resolution", func(t *testing.T) {
		cm.SetStrategy(ManualStrategy{})
		defer cm.SetStrategy(LastWriteWinsStrategy{})

		_, c := cm.DetectConflict(op, remote.Response{ServerValue: json.RawMessage(`{"title":"c"}`)})
		require.NoError(t, cm.RecordConflict(ctx, c))
		d, err := cm.Resolve(ctx, c)
		require.NoError(t, err)
		assert.True(t, d.Deferred())

		open, err := cm.List(ctx, false, 0, 0)
		require.NoError(t, err)
		require.Len(t, open, 1)

		resolved, err := cm.ResolveManually(ctx, c.ID, model.WinnerUser)
		require.NoError(t, err)
		assert.Equal(t, model.ResolvedManually, resolved.Resolution)

		open, err = cm.List(ctx, false, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}
