// Package event provides an in-process publish/subscribe hub for host
// notifications: connection status changes and session updates.
package event

import (
	"sync"
	"time"
)

// Category partitions events by kind; subscribers pick one category.
type Category string

const (
	CategoryConnectionStatus Category = "connection_status"
	CategorySessionUpdate    Category = "session_update"
)

// Event is one published notification.
type Event struct {
	Category Category
	Payload  any
	At       time.Time
}

// Subscription is a handle to one subscriber's event channel.
// Cancel detaches the subscriber and closes the channel.
type Subscription struct {
	id  int
	cat Category
	ch  chan Event
	hub *Hub
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unsubscribe(s)
}

// Hub fans events out to subscribers. Delivery is at-most-once per subscriber:
// a subscriber whose buffer is full misses the event rather than blocking the
// publisher. No ordering is guaranteed across subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[Category]map[int]*Subscription
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[Category]map[int]*Subscription{}}
}

// Subscribe registers a subscriber for one category. The buffer must be at
// least 1 so a slow consumer misses events instead of blocking publishers.
func (h *Hub) Subscribe(cat Category, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		cat: cat,
		ch:  make(chan Event, buffer),
		hub: h,
	}
	if h.subs[cat] == nil {
		h.subs[cat] = map[int]*Subscription{}
	}
	h.subs[cat][sub.id] = sub
	return sub
}

// Publish delivers the payload to every current subscriber of the category.
func (h *Hub) Publish(cat Category, payload any) {
	evt := Event{Category: cat, Payload: payload, At: time.Now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[cat] {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.subs[sub.cat]
	if group == nil {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	close(sub.ch)
}
