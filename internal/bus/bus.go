// Package bus is a topic-based publish/subscribe layer for session fan-out.
// Delivery is best-effort and at most once per subscriber: a subscriber
// whose buffer is full, or that is gone, simply misses the message.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrUnavailable = errors.New("notification bus unavailable")

// Message is an encoded outbound frame. Payload is the JSON sent to clients.
type Message struct {
	Type    string
	Payload []byte
}

// NewMessage encodes v as the payload of a message of the given type.
func NewMessage(typ string, v any) (Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Payload: b}, nil
}

func RideTopic(rideID string) string     { return "ride:" + rideID }
func DriverTopic(driverID string) string { return "driver:" + driverID }

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Bus keeps a topic -> subscriber set table. The table lock is only taken
// for membership changes; publishing locks just the target topic.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &Bus{topics: make(map[string]*topic), buffer: buffer}
}

type Subscription struct {
	Topic string
	ch    chan Message
	bus   *Bus
	t     *topic
	once  sync.Once
}

// C delivers messages until the subscription is closed.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[name] = t
	}
	s := &Subscription{Topic: name, ch: make(chan Message, b.buffer), bus: b, t: t}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.t.mu.Lock()
	delete(s.t.subs, s)
	close(s.ch)
	empty := len(s.t.subs) == 0
	s.t.mu.Unlock()
	if empty && b.topics[s.Topic] == s.t {
		delete(b.topics, s.Topic)
	}
}

// Publish delivers msg to every current subscriber of name and returns how
// many received it. Messages from one publisher on one topic keep their order
// for each subscriber because delivery happens under the topic lock.
func (b *Bus) Publish(_ context.Context, name string, msg Message) (int, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for s := range t.subs {
		select {
		case s.ch <- msg:
			delivered++
		default:
			observability.BusDropped.Inc()
		}
	}
	observability.BusDelivered.Add(float64(delivered))
	return delivered, nil
}

// Subscribers reports the current subscriber count for a topic.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
