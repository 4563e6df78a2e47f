// Package bus is pith's per-session event fan-out: the Turn Orchestrator
// publishes turn lifecycle events here, and the HTTP/SSE API and any
// attached Channel subscribe to replay them to their own transport.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the SSE event names in the external interfaces spec.
type EventType string

const (
	EventTurnStarted      EventType = "turn_started"
	EventAssistantDelta   EventType = "assistant_delta"
	EventAssistantMessage EventType = "assistant_message"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallFinished EventType = "tool_call_finished"
	EventTurnFinished     EventType = "turn_finished"
	EventReloadFailure    EventType = "reload_failure"
	EventProfileUpdate    EventType = "profile_update"
	EventSubscriberLagged EventType = "subscriber_lagged"
)

// Event is one item on a session's event stream. Seq is monotonic within a
// session and lets a reconnecting SSE client detect gaps.
type Event struct {
	Type      EventType
	SessionID string
	TurnID    string
	Seq       uint64
	Data      map[string]interface{}
	CreatedAt time.Time
}

const (
	subscriberBufferSize = 64
	publishGrace         = 150 * time.Millisecond
)

type subscription struct {
	ch      chan Event
	dropped atomic.Uint64
}

// EventBus fans out Events to every subscriber of a session, matching the
// bounded-buffer, timeout-then-drop publish discipline used elsewhere in
// this codebase for cross-goroutine delivery, generalized from one global
// channel to one subscriber set per session.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
	seq  map[string]*atomic.Uint64
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string]map[*subscription]struct{}),
		seq:  make(map[string]*atomic.Uint64),
	}
}

// Subscribe registers a new listener for sessionID's events. cancel closes
// the returned channel and unregisters it.
func (b *EventBus) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBufferSize)}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscription]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			if _, present := set[sub]; present {
				delete(set, sub)
				close(sub.ch)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
	}
	return sub.ch, cancel
}

func (b *EventBus) nextSeq(sessionID string) uint64 {
	b.mu.Lock()
	c, ok := b.seq[sessionID]
	if !ok {
		c = &atomic.Uint64{}
		b.seq[sessionID] = c
	}
	b.mu.Unlock()
	return c.Add(1)
}

// Publish delivers ev to every current subscriber of ev.SessionID, assigning
// its Seq. A subscriber whose buffer is still full after publishGrace gets a
// subscriber_lagged marker instead (best effort) and the original event is
// dropped for that subscriber only — other subscribers are unaffected, and
// the transcript persisted in Store remains authoritative regardless.
func (b *EventBus) Publish(ev Event) {
	ev.Seq = b.nextSeq(ev.SessionID)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs[ev.SessionID]))
	for s := range b.subs[ev.SessionID] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			timer := time.NewTimer(publishGrace)
			select {
			case s.ch <- ev:
				timer.Stop()
			case <-timer.C:
				s.dropped.Add(1)
				select {
				case s.ch <- Event{Type: EventSubscriberLagged, SessionID: ev.SessionID, Seq: ev.Seq}:
				default:
				}
			}
		}
	}
}

// SubscriberCount reports how many listeners a session currently has, for
// GET /status.
func (b *EventBus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
