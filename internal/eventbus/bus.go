// Package eventbus provides topic-based publish/subscribe messaging between
// the stream bridges and background consumers such as the knowledge indexer.
package eventbus

import (
	"log"
	"sync"
	"time"
)

// Topic identifies an event stream.
type Topic string

const (
	// TopicToolResults carries tool results observed in worker output.
	TopicToolResults Topic = "tool.results"
	// TopicSessionsLifecycle carries worker start/exit notifications.
	TopicSessionsLifecycle Topic = "sessions.lifecycle"
)

// ToolResultEvent is published for every tool_result a worker emits.
type ToolResultEvent struct {
	Connector string
	Tool      string
	Account   string
	Result    string
}

// SessionLifecycleEvent is published when a worker starts or exits.
type SessionLifecycleEvent struct {
	Kind     string // "chat", "briefing", "voice", "login"
	ID       string
	State    string // "started" or "exited"
	ExitCode int
}

// Event is a delivered message.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

const defaultBuffer = 128

// Bus orchestrates topic-based pub/sub. Delivery is non-blocking: slow
// subscribers lose events rather than stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[Topic]map[uint64]chan Event
	buffers map[Topic]int
	logger  *log.Logger
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the subscription buffer size for a topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.buffers[topic] = size
	}
}

// New constructs a bus with default buffer sizes.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		subs: make(map[Topic]map[uint64]chan Event),
		buffers: map[Topic]int{
			TopicToolResults:       512,
			TopicSessionsLifecycle: 128,
		},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Subscribe registers a consumer for a topic. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.buffers[topic]
	if size <= 0 {
		size = defaultBuffer
	}
	ch := make(chan Event, size)

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan Event)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers payload to every subscriber of topic. A Bus of nil is a
// no-op so optional wiring stays one-liner at call sites.
func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			b.logger.Printf("[EventBus] dropping event on %s: subscriber buffer full", topic)
		}
	}
}
