// Package stream fans recorded events out to live subscribers. Each
// subscriber owns a small bounded queue; a slow consumer loses its
// oldest frames instead of slowing the ingestion path down.
package stream

import (
	"errors"
	"sync"

	"github.com/hooktrap/hooktrap/internal/counter"
	"github.com/hooktrap/hooktrap/store"
)

// ErrTooManySubscribers is returned when the concurrent subscriber cap
// is reached. The caller turns it into a user-facing error.
var ErrTooManySubscribers = errors.New("too many concurrent stream subscribers")

// ErrClosed is returned by Subscribe after the hub shut down.
var ErrClosed = errors.New("stream hub is closed")

const defaultMaxSubscribers = 100

// defaultQueueSize is the number of frames buffered per subscriber
// before the oldest one is dropped.
const defaultQueueSize = 64

// Hub is the in-process event bus behind the live stream endpoint.
type Hub struct {
	maxSubscribers int
	queueSize      int

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool

	subscribers counter.Counter
}

// Subscriber receives events for one stream connection. Events handed
// out are shared between subscribers and must be treated as read-only.
type Subscriber struct {
	hub       *Hub
	webhookID string
	ch        chan *store.Event
}

// NewHub returns a hub admitting at most maxSubscribers concurrent
// subscribers, each buffering queueSize frames. Non-positive arguments
// mean the defaults.
func NewHub(maxSubscribers, queueSize int) *Hub {
	if maxSubscribers <= 0 {
		maxSubscribers = defaultMaxSubscribers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		maxSubscribers: maxSubscribers,
		queueSize:      queueSize,
		subs:           make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber. A non-empty webhookID limits the
// feed to that endpoint's events.
func (h *Hub) Subscribe(webhookID string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if len(h.subs) >= h.maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	s := &Subscriber{
		hub:       h,
		webhookID: webhookID,
		ch:        make(chan *store.Event, h.queueSize),
	}
	h.subs[s] = struct{}{}
	h.subscribers.Inc()
	return s, nil
}

// Emit publishes ev to every matching subscriber. It never blocks on a
// full queue; the oldest buffered frame makes room for the new one.
func (h *Hub) Emit(ev *store.Event) {
	ev = ev.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		if s.webhookID != "" && s.webhookID != ev.WebhookID {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() uint32 {
	return h.subscribers.Load()
}

// Close drops every subscriber and rejects future subscriptions. Their
// event channels are closed so connection handlers unblock.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		h.subscribers.Dec()
		close(s.ch)
	}
	return nil
}

// Events returns the subscriber's frame channel. It is closed when the
// hub shuts down.
func (s *Subscriber) Events() <-chan *store.Event {
	return s.ch
}

// Close unsubscribes. Safe to call more than once and after hub close.
func (s *Subscriber) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	h.subscribers.Dec()
	close(s.ch)
}
