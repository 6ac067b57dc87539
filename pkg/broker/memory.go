package broker

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/metrics"
)

// subscriberBuffer is the capacity of each subscription's channel. A
// subscriber that falls this far behind is cancelled to protect the others
// on the same channel.
const subscriberBuffer = 64

// Memory is an in-process Broker. It backs the embedded single-process mode
// and the test suites, and the websocket Server reuses it for fan-out
// between connected clients.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{} // channel -> subscribers
	kv     map[string][]byte
	closed bool
}

// NewMemory creates an in-process broker
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[*Subscription]struct{}),
		kv:   make(map[string][]byte),
	}
}

// Publish delivers payload to every current subscriber of channel.
// Subscribers whose buffer is full are cancelled and counted as dropped.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "publish", Err: err}
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return &TransportError{Op: "publish", Err: ErrClosed}
	}

	// Sends happen under the read lock: unsubscribe closes channels under
	// the write lock, so no send can race a close. Sends never block, the
	// select falls through to the slow path instead.
	msg := Message{Channel: channel, Payload: payload}
	var slow []*Subscription
	for sub := range m.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	m.mu.RUnlock()

	// Subscribers too slow to keep up are disconnected rather than allowed
	// to stall the channel. Cancel needs the write lock, so it runs after
	// the read lock is released.
	for _, sub := range slow {
		metrics.BrokerDroppedTotal.Inc()
		sub.Cancel()
	}

	metrics.BrokerPublishedTotal.WithLabelValues(channel).Inc()
	return nil
}

// Subscribe registers a new subscriber on channel
func (m *Memory) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &TransportError{Op: "subscribe", Err: ErrClosed}
	}

	var sub *Subscription
	var once sync.Once
	sub = newSubscription(subscriberBuffer, func() {
		once.Do(func() {
			m.unsubscribe(channel, sub)
		})
	})

	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*Subscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	metrics.BrokerSubscribers.Inc()

	return sub, nil
}

func (m *Memory) unsubscribe(channel string, sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[channel][sub]; !ok {
		return
	}
	delete(m.subs[channel], sub)
	if len(m.subs[channel]) == 0 {
		delete(m.subs, channel)
	}
	close(sub.ch)
	metrics.BrokerSubscribers.Dec()
}

// Set stores value under key, overwriting any previous value
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "set", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &TransportError{Op: "set", Err: ErrClosed}
	}
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

// Get returns the value stored under key and whether it exists
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &TransportError{Op: "get", Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, &TransportError{Op: "get", Err: ErrClosed}
	}
	value, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// SetNX stores value under key only if the key does not exist yet.
// Returns true if the value was stored, false if the key was taken.
func (m *Memory) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &TransportError{Op: "setnx", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, &TransportError{Op: "setnx", Err: ErrClosed}
	}
	if _, exists := m.kv[key]; exists {
		return false, nil
	}
	m.kv[key] = append([]byte(nil), value...)
	return true, nil
}

// Close cancels all subscriptions and rejects further operations
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var all []*Subscription
	for _, subs := range m.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	m.subs = make(map[string]map[*Subscription]struct{})
	for range all {
		metrics.BrokerSubscribers.Dec()
	}
	for _, sub := range all {
		close(sub.ch)
	}
	m.mu.Unlock()
	return nil
}

// SubscriberCount returns the number of active subscribers on channel
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}
