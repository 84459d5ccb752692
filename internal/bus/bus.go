// Package bus defines the event broadcaster contract the services emit on,
// plus a lossy in-process implementation for single-binary deployments.
package bus

import (
	"sync"
	"sync/atomic"
)

// Broadcaster delivers best-effort events to interested listeners. Emit must
// never block the caller; implementations drop events under backpressure.
type Broadcaster interface {
	Emit(event string, payload any)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(string, any) {}

// Message is a single broadcast event.
type Message struct {
	Event   string
	Payload any
}

// Memory fans events out to subscriber channels. Sends are non-blocking: a
// subscriber that falls behind loses events, counted in Dropped.
type Memory struct {
	mu      sync.RWMutex
	subs    []chan Message
	buffer  int
	dropped atomic.Uint64
}

// NewMemory creates an in-process broadcaster with the given per-subscriber
// channel buffer.
func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{buffer: buffer}
}

// Subscribe registers a new listener channel.
func (m *Memory) Subscribe() <-chan Message {
	ch := make(chan Message, m.buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Emit delivers the event to every subscriber that has buffer space.
func (m *Memory) Emit(event string, payload any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- Message{Event: event, Payload: payload}:
		default:
			m.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded due to full subscribers.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}
