package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// subscriptionBuffer is the per-subscriber channel capacity. Publishers never
// block; a subscriber that falls this far behind loses notifications and
// falls back to its wait timeout.
const subscriptionBuffer = 64

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	values map[string]string
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		values: make(map[string]string),
		subs:   make(map[string]map[*memorySubscription]struct{}),
	}
}

// Get implements Registry.
func (m *MemoryRegistry) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// Keys implements Registry. Results are sorted.
func (m *MemoryRegistry) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Set implements Registry.
func (m *MemoryRegistry) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

// Delete implements Registry.
func (m *MemoryRegistry) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Publish implements Registry.
func (m *MemoryRegistry) Publish(_ context.Context, event string, n Notification) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[event] {
		select {
		case sub.ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe implements Registry.
func (m *MemoryRegistry) Subscribe(_ context.Context, event string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		registry: m,
		event:    event,
		ch:       make(chan Notification, subscriptionBuffer),
	}
	if m.subs[event] == nil {
		m.subs[event] = make(map[*memorySubscription]struct{})
	}
	m.subs[event][sub] = struct{}{}
	return sub, nil
}

// Close releases all subscriptions. Further calls fail with ErrClosed.
func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	m.subs = nil
	return nil
}

func (m *MemoryRegistry) subscriberCount(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[event])
}

type memorySubscription struct {
	registry *MemoryRegistry
	event    string
	ch       chan Notification
	done     bool
}

func (s *memorySubscription) C() <-chan Notification {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	s.closeLocked()
	if subs := s.registry.subs[s.event]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.registry.subs, s.event)
		}
	}
	return nil
}

func (s *memorySubscription) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}
