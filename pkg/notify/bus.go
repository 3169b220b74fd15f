// Package notify implements the client's topic based notification bus.
//
// Topics are "ready", "change", "change:<flagKey>" and "error". Handlers run
// synchronously on the emitting goroutine, in subscription order.
package notify

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/rafaeljc/flagsync/pkg/flags"
)

// Well-known topics.
const (
	TopicReady  = "ready"
	TopicChange = "change"
	TopicError  = "error"
)

// ChangeTopic returns the per-key change topic for a flag.
func ChangeTopic(key string) string {
	return TopicChange + ":" + key
}

// IsChangeTopic reports whether topic is "change" or a per-key change topic.
func IsChangeTopic(topic string) bool {
	return topic == TopicChange || strings.HasPrefix(topic, TopicChange+":")
}

// Event is the payload delivered to handlers. Only the fields relevant to the
// topic are set: Key/Current/Previous for per-key changes, Changes for the
// aggregate change topic and Err for errors.
type Event struct {
	Topic    string
	Key      string
	Current  any
	Previous any
	Changes  flags.DiffSet
	Err      error
}

// Handler receives bus events.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	id    uint64
	topic string
}

// Topic returns the subscribed topic.
func (s Subscription) Topic() string {
	return s.topic
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus is a topic based emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	log      *slog.Logger
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{handlers: make(map[string][]entry), log: log}
}

// On registers handler for topic.
func (b *Bus) On(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, handler: handler})
	return Subscription{id: b.nextID, topic: topic}
}

// Once registers a handler that is removed after its first delivery.
func (b *Bus) Once(topic string, handler Handler) Subscription {
	var (
		once sync.Once
		sub  Subscription
		mu   sync.Mutex
	)
	mu.Lock()
	sub = b.On(topic, func(e Event) {
		once.Do(func() {
			mu.Lock()
			s := sub
			mu.Unlock()
			b.Off(s)
			handler(e)
		})
	})
	mu.Unlock()
	return sub
}

// Off removes a subscription. Unknown subscriptions are ignored.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.topic]
	for i, e := range list {
		if e.id == sub.id {
			b.handlers[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.handlers[sub.topic]) == 0 {
		delete(b.handlers, sub.topic)
	}
}

// OffTopic removes every handler of topic.
func (b *Bus) OffTopic(topic string) {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
}

// HasHandlers reports whether topic has at least one handler.
func (b *Bus) HasHandlers(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic]) > 0
}

// Emit delivers e to the handlers of e.Topic. The handler list is snapshotted
// first, so handlers may subscribe or unsubscribe while being called.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	list := append([]entry(nil), b.handlers[e.Topic]...)
	b.mu.RUnlock()

	for _, en := range list {
		en.handler(e)
	}
}

// ReportError delivers err to "error" handlers. Without any handler the
// error is dropped and only logged at debug level.
func (b *Bus) ReportError(err error) {
	if err == nil {
		return
	}
	if !b.HasHandlers(TopicError) {
		b.log.Debug("dropping error without subscribers", slog.Any("error", err))
		return
	}
	b.Emit(Event{Topic: TopicError, Err: err})
}

// KeyChanged implements flags.Notifier.
func (b *Bus) KeyChanged(key string, change flags.Change) {
	b.Emit(Event{Topic: ChangeTopic(key), Key: key, Current: change.Current, Previous: change.Previous})
}

// Changed implements flags.Notifier.
func (b *Bus) Changed(changes flags.DiffSet) {
	b.Emit(Event{Topic: TopicChange, Changes: changes})
}
