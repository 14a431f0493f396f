package network

import (
	"sync"

	"offline-sync-core/internal/model"
	"offline-sync-core/internal/pubsub"
)

// Signal is one platform connectivity callback.
type Signal struct {
	Connected bool
	// Reachable is the platform's own reachability guess. Probes refine it.
	Reachable bool
	Type      model.ConnectionType
}

// Source is the platform "network changed" feed.
type Source interface {
	Current() Signal
	// Subscribe registers fn for every subsequent signal and returns a
	// function that unregisters it.
	Subscribe(fn func(Signal)) (unsubscribe func())
}

// ManualSource is a Source the host pushes platform callbacks into.
type ManualSource struct {
	mu   sync.Mutex
	cur  Signal
	subs *pubsub.Registry[Signal]
}

func NewManualSource(initial Signal) *ManualSource {
	return &ManualSource{cur: initial, subs: pubsub.New[Signal]("network-source", nil)}
}

func (s *ManualSource) Current() Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set records sig and notifies subscribers.
func (s *ManualSource) Set(sig Signal) {
	s.mu.Lock()
	s.cur = sig
	s.mu.Unlock()
	s.subs.Publish(sig)
}

func (s *ManualSource) Subscribe(fn func(Signal)) func() {
	sub := s.subs.Subscribe(fn)
	return sub.Close
}
