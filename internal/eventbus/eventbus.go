// Package eventbus fans out typed job/follower events to subscribers
// (normally one per connected WebSocket client), never blocking the
// publisher on a slow or dead subscriber.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// sendBuffer bounds how many unconsumed events a subscriber can queue
// before it is treated as slow and dropped from future broadcasts.
const sendBuffer = 32

// Envelope is the wire shape delivered to every subscriber.
type Envelope struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Event type constants, matching the client-facing protocol.
const (
	EventConnected     = "connected"
	EventJobCreated    = "job:created"
	EventJobUpdated    = "job:updated"
	EventJobStart      = "job:start"
	EventJobProgress   = "job:progress"
	EventJobComplete   = "job:complete"
	EventJobFail       = "job:fail"
	EventStatusCounts  = "status-counts"
	EventJobsCleared   = "jobs:cleared"
	EventFollowerStatus = "followers:status"
)

// Clock lets tests stamp envelopes deterministically; production code uses
// time.Now, provided by New's default.
type Clock func() time.Time

// subscriber is one registered consumer's mailbox.
type subscriber struct {
	ch   chan Envelope
	drop bool
}

// Bus is a process-local pub/sub fan-out. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	now         Clock
}

// New returns a ready Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*subscriber),
		now:         time.Now,
	}
}

// Subscribe registers id (typically a connection id) and returns the
// channel it will receive envelopes on. Call Unsubscribe when the consumer
// disconnects.
func (b *Bus) Subscribe(id string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{ch: make(chan Envelope, sendBuffer)}
	b.subscribers[id] = sub
	return sub.ch
}

// Unsubscribe removes id and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Publish implements processor.EventPublisher and distributor-adjacent
// callers: it wraps payload in an Envelope and fans it out to every
// subscriber without blocking on any one of them.
func (b *Bus) Publish(event string, payload any) {
	env := Envelope{Type: event, Payload: payload, Timestamp: b.now().UnixMilli()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- env:
		default:
			log.Warn().Str("subscriber", id).Str("event", event).Msg("eventbus: subscriber slow, dropping subscriber")
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}

// SubscriberCount reports how many consumers are currently registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Marshal is a convenience for transports (the WebSocket handler) that need
// the raw JSON bytes of an envelope.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
