// Package pubsub is a small typed listener registry. Publishing never blocks
// the publisher: every subscriber owns a bounded mailbox drained by its own
// goroutine, so a slow or panicking listener only affects itself.
package pubsub

import (
	"sync"

	"go.uber.org/zap"
)

const defaultMailbox = 64

type Registry[T any] struct {
	name    string
	log     *zap.Logger
	mailbox int

	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// Subscription is the handle returned by Subscribe. Close unregisters it.
type Subscription[T any] struct {
	id    uint64
	reg   *Registry[T]
	ch    chan T
	fn    func(T)
	once  sync.Once
	done  chan struct{}
	drops int
}

func New[T any](name string, log *zap.Logger) *Registry[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry[T]{
		name:    name,
		log:     log,
		mailbox: defaultMailbox,
		subs:    make(map[uint64]*Subscription[T]),
	}
}

func (r *Registry[T]) Subscribe(fn func(T)) *Subscription[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	s := &Subscription[T]{
		id:   r.nextID,
		reg:  r,
		ch:   make(chan T, r.mailbox),
		fn:   fn,
		done: make(chan struct{}),
	}
	if r.closed {
		s.once.Do(func() { close(s.ch) })
		close(s.done)
		return s
	}
	r.subs[s.id] = s
	go s.run()
	return s
}

// Publish hands v to every subscriber without waiting for delivery. An event
// is dropped for a subscriber whose mailbox is full.
func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, s := range r.subs {
		select {
		case s.ch <- v:
		default:
			s.drops++
			r.log.Warn("Listener mailbox full, dropping event",
				zap.String("registry", r.name),
				zap.Uint64("subscription", s.id),
				zap.Int("dropped", s.drops),
			)
		}
	}
}

// Len returns the number of live subscriptions.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close unregisters every subscription. Pending events are still delivered.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[uint64]*Subscription[T])
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	r.mu.Unlock()
}

// Closed returns a subscription that never delivers. Its Done channel is
// already closed.
func Closed[T any]() *Subscription[T] {
	r := New[T]("closed", nil)
	r.Close()
	return r.Subscribe(func(T) {})
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.reg.mu.Lock()
	delete(s.reg.subs, s.id)
	s.once.Do(func() { close(s.ch) })
	s.reg.mu.Unlock()
}

// Done is closed once the subscription's goroutine has exited.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) run() {
	defer close(s.done)
	for v := range s.ch {
		s.deliver(v)
	}
}

func (s *Subscription[T]) deliver(v T) {
	defer func() {
		if rec := recover(); rec != nil {
			s.reg.log.Error("Listener panicked",
				zap.String("registry", s.reg.name),
				zap.Uint64("subscription", s.id),
				zap.Any("panic", rec),
			)
		}
	}()
	s.fn(v)
}
