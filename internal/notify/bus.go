package notify

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrBusClosed          = errors.New("notify: bus is closed")
	ErrSubscriberExists   = errors.New("notify: subscriber already exists")
	ErrSubscriberNotFound = errors.New("notify: subscriber not found")
	ErrNilChannel         = errors.New("notify: nil channel provided")
	ErrReceiverClosed     = errors.New("notify: receiver is closed")
)

// DropPolicy defines how the bus handles events when a subscriber cannot keep up.
type DropPolicy int

const (
	// DropNew discards the incoming event when the subscriber channel is full.
	DropNew DropPolicy = iota
	// DropOld keeps only the latest event, replacing the unread one.
	DropOld
)

// String returns the policy name.
func (p DropPolicy) String() string {
	switch p {
	case DropNew:
		return "drop_new"
	case DropOld:
		return "drop_old"
	default:
		return "unknown"
	}
}

// SubscriberStats tracks event distribution for one subscriber.
type SubscriberStats struct {
	Policy  DropPolicy
	Sent    uint64
	Dropped uint64
}

// Receiver gives blocking and non-blocking access to the latest event.
type Receiver[T any] interface {
	// Receive blocks until an event is available. ok is false once closed.
	Receive() (T, bool)
	// TryReceive returns the latest unread event without blocking.
	TryReceive() (T, bool)
	Close()
}

type subscriber[T any] struct {
	id     string
	policy DropPolicy
	sent   atomic.Uint64
	drops  atomic.Uint64

	ch     chan<- T
	holder *latestHolder[T]
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus[T any] struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber[T]
	totalPublished atomic.Uint64
	closed         bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers ch with the DropNew policy.
func (b *Bus[T]) Subscribe(id string, ch chan<- T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subscribers[id] = &subscriber[T]{id: id, policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver.
func (b *Bus[T]) SubscribeLatest(id string) (Receiver[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	s := &subscriber[T]{id: id, policy: DropOld, holder: newLatestHolder[T]()}
	b.subscribers[id] = s
	return s.holder, nil
}

// Publish distributes ev to every subscriber.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.totalPublished.Add(1)

	for _, s := range b.subscribers {
		switch s.policy {
		case DropNew:
			select {
			case s.ch <- ev:
				s.sent.Add(1)
			default:
				s.drops.Add(1)
			}

		case DropOld:
			if s.holder.Set(ev) {
				s.drops.Add(1)
			}
			s.sent.Add(1)
		}
	}
}

// Unsubscribe removes a subscriber. DropNew channels are not closed.
func (b *Bus[T]) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if s.holder != nil {
		s.holder.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns statistics for one subscriber.
func (b *Bus[T]) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Policy: s.policy, Sent: s.sent.Load(), Dropped: s.drops.Load()}, nil
}

// Published returns the number of events published since creation.
func (b *Bus[T]) Published() uint64 {
	return b.totalPublished.Load()
}

// Close shuts the bus down and releases every DropOld receiver.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.subscribers {
		if s.holder != nil {
			s.holder.Close()
		}
	}
	b.subscribers = nil
}

type latestHolder[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ev     T
	unread bool
	closed bool
}

func newLatestHolder[T any]() *latestHolder[T] {
	h := &latestHolder[T]{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Set stores ev and reports whether an unread event was overwritten.
func (h *latestHolder[T]) Set(ev T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	overwritten := h.unread
	h.ev = ev
	h.unread = true
	h.cond.Broadcast()
	return overwritten
}

func (h *latestHolder[T]) Receive() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for !h.unread && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		var zero T
		return zero, false
	}
	h.unread = false
	return h.ev, true
}

func (h *latestHolder[T]) TryReceive() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.unread {
		var zero T
		return zero, false
	}
	h.unread = false
	return h.ev, true
}

func (h *latestHolder[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.cond.Broadcast()
}
