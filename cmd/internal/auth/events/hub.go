// Package events provides an in-process fanout for session lifecycle events.
//
// The hub implements session.EventSink. Subscribers get a buffered channel per
// owner; publishing never blocks, so slow consumers drop events rather than
// stall the rotation path.
package events

import (
	"log/slog"
	"sync"

	"paperbase/cmd/internal/auth/session"
)

const subscriberBuffer = 16

// Hub fans session lifecycle events out to per-owner subscribers.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	owners map[string]map[*Subscription]struct{}
}

// Subscription is one subscriber's event feed. Close it with Hub.Unsubscribe.
type Subscription struct {
	OwnerID string
	C       chan session.Event

	once sync.Once
	done chan struct{}
}

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		owners: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a feed for one owner's events.
func (h *Hub) Subscribe(ownerID string) *Subscription {
	sub := &Subscription{
		OwnerID: ownerID,
		C:       make(chan session.Event, subscriberBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.owners[ownerID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.owners[ownerID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a feed and signals its Done channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if h == nil || sub == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.owners[sub.OwnerID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.owners, sub.OwnerID)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() { close(sub.done) })
}

// Publish fans an event out to the owner's subscribers.
// Non-blocking: if a subscriber queue is full, the event is dropped.
func (h *Hub) Publish(ev session.Event) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.owners[ev.OwnerID] {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.C <- ev:
		default:
			// Drop rather than block the publisher.
			h.log.Debug("auth.events.drop", "owner_id", ev.OwnerID, "type", ev.Type)
		}
	}
}
