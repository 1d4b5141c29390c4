package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shawn111/goose/internal/observability"
)

// DefaultSubscriberBuffer bounds a subscriber's backlog before it is
// dropped.
const DefaultSubscriberBuffer = 256

// ErrOverflow marks a subscriber dropped for falling too far behind.
// Non-fatal to the session.
var ErrOverflow = errors.New("stream subscriber overflowed")

// Event types published by a running session.
const (
	EventSessionMetadata = "session.metadata"
	EventState           = "state"
	EventTextDelta       = "text.delta"
	EventToolCall        = "tool.call"
	EventToolResult      = "tool.result"
	EventTurnDone        = "turn.done"
	EventError           = "error"
	EventOverflow        = "stream.overflow"
)

// Event is one session event fanned out to subscribers. Seq is assigned on
// publish and is monotonic per session, so every subscriber observes the
// same order.
type Event struct {
	Seq       int64       `json:"seq"`
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscriber is one bounded event consumer. When its channel closes, check
// Overflowed to distinguish a drop from an orderly shutdown.
type Subscriber struct {
	id         string
	sessionID  string
	ch         chan Event
	closeOnce  sync.Once
	overflowed atomic.Bool
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// SessionID returns the session this subscriber watches.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Events returns the receive channel. It is closed on unsubscribe, session
// close, or overflow drop.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Overflowed reports whether the subscriber was dropped for a full backlog.
func (s *Subscriber) Overflowed() bool { return s.overflowed.Load() }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type topic struct {
	seq  int64
	subs map[string]*Subscriber
}

// Publisher fans session events out to per-session subscribers. Publishing
// never blocks: a subscriber whose buffer is full is dropped instead of
// slowing the producer.
type Publisher struct {
	buffer int

	mu     sync.Mutex
	topics map[string]*topic
	count  int
}

// NewPublisher creates a publisher whose subscribers buffer up to buffer
// events each.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Publisher{
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a new subscriber for the session.
func (p *Publisher) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ch:        make(chan Event, p.buffer),
	}

	p.mu.Lock()
	tp := p.topics[sessionID]
	if tp == nil {
		tp = &topic{subs: make(map[string]*Subscriber)}
		p.topics[sessionID] = tp
	}
	tp.subs[sub.id] = sub
	p.count++
	count := p.count
	p.mu.Unlock()

	observability.SetStreamSubscribers(count)
	log.Debug().Str("session_id", sessionID).Str("subscriber_id", sub.id).Msg("Subscriber attached")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent.
func (p *Publisher) Unsubscribe(sub *Subscriber) {
	p.mu.Lock()
	removed := false
	if tp := p.topics[sub.sessionID]; tp != nil {
		if _, ok := tp.subs[sub.id]; ok {
			delete(tp.subs, sub.id)
			p.count--
			removed = true
		}
	}
	count := p.count
	p.mu.Unlock()

	sub.close()
	if removed {
		observability.SetStreamSubscribers(count)
	}
}

// Publish stamps the event with the session's next sequence number and
// delivers it to every subscriber without blocking. Subscribers with a full
// buffer are dropped and their channel closed.
func (p *Publisher) Publish(sessionID, eventType string, data interface{}) Event {
	p.mu.Lock()
	tp := p.topics[sessionID]
	if tp == nil {
		tp = &topic{subs: make(map[string]*Subscriber)}
		p.topics[sessionID] = tp
	}
	tp.seq++
	ev := Event{
		Seq:       tp.seq,
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}

	var dropped []*Subscriber
	for id, sub := range tp.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(tp.subs, id)
			p.count--
			dropped = append(dropped, sub)
		}
	}
	count := p.count
	p.mu.Unlock()

	observability.RecordStreamPublished()
	for _, sub := range dropped {
		sub.overflowed.Store(true)
		sub.close()
		observability.RecordStreamDropped()
		log.Warn().
			Str("session_id", sessionID).
			Str("subscriber_id", sub.id).
			Int64("seq", ev.Seq).
			Msg("Subscriber dropped after backlog overflow")
	}
	if len(dropped) > 0 {
		observability.SetStreamSubscribers(count)
	}
	return ev
}

// SubscriberCount returns the number of live subscribers for the session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tp := p.topics[sessionID]; tp != nil {
		return len(tp.subs)
	}
	return 0
}

// CloseSession closes every subscriber of the session and forgets its
// sequence counter. Called when the session is removed.
func (p *Publisher) CloseSession(sessionID string) {
	p.mu.Lock()
	tp := p.topics[sessionID]
	delete(p.topics, sessionID)
	var subs []*Subscriber
	if tp != nil {
		for _, sub := range tp.subs {
			subs = append(subs, sub)
		}
		p.count -= len(tp.subs)
	}
	count := p.count
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		observability.SetStreamSubscribers(count)
	}
}

// Close shuts down every topic.
func (p *Publisher) Close() {
	p.mu.Lock()
	topics := p.topics
	p.topics = make(map[string]*topic)
	p.count = 0
	p.mu.Unlock()

	for _, tp := range topics {
		for _, sub := range tp.subs {
			sub.close()
		}
	}
	observability.SetStreamSubscribers(0)
}
