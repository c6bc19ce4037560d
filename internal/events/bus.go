package events

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Bus is an in-process publish/subscribe channel. Every published value is
// offered to all subscribers whose match predicate accepts it.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	logger *slog.Logger
}

// Subscription is the token returned by Subscribe. Unsubscribe releases it.
type Subscription struct {
	id     uint64
	once   sync.Once
	remove func(id uint64) bool

	deliver func(v any)
	match   func(v any) bool
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default().
func NewBus[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus[T]{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe registers fn for every published value accepted by match. A nil
// match accepts everything.
func (b *Bus[T]) Subscribe(match func(T) bool, fn func(T)) *Subscription {
	sub := &Subscription{
		remove: b.remove,
		deliver: func(v any) {
			fn(v.(T))
		},
		match: func(v any) bool {
			if match == nil {
				return true
			}

			return match(v.(T))
		},
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Publish delivers v to every matching subscriber and returns the number of
// deliveries. Callbacks run on the publisher's goroutine without the bus lock
// held, so they may unsubscribe themselves.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))

	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	delivered := 0

	for _, sub := range targets {
		if !b.isRegistered(sub.id) {
			continue
		}

		if b.dispatch(sub, v) {
			delivered++
		}
	}

	return delivered
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

func (b *Bus[T]) dispatch(sub *Subscription, v T) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panic",
				"subscription_id", sub.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if !sub.match(v) {
		return false
	}

	sub.deliver(v)

	return true
}

func (b *Bus[T]) isRegistered(id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.subs[id]

	return ok
}

func (b *Bus[T]) remove(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}

	delete(b.subs, id)

	return true
}

// Unsubscribe removes the subscription. It is safe to call any number of
// times; only the first call reports true.
func (s *Subscription) Unsubscribe() bool {
	if s == nil {
		return false
	}

	removed := false

	s.once.Do(func() {
		removed = s.remove(s.id)
	})

	return removed
}
