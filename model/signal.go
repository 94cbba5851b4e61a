package model

import "sync"

// ListenerKey identifies a registered listener so a caller can
// deregister every subscription it holds on an object in one call.
type ListenerKey any

type signalEntry[T any] struct {
	key ListenerKey
	fn  func(T)
}

// Signal is a small observer registry: listeners fire synchronously, in
// registration order.
type Signal[T any] struct {
	mu        sync.Mutex
	listeners []signalEntry[T]
}

// Listen registers fn under key. Calling Listen again with the same key
// adds an additional listener; it does not replace one.
func (s *Signal[T]) Listen(key ListenerKey, fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, signalEntry[T]{key: key, fn: fn})
}

// RemoveListener drops every listener registered under key.
func (s *Signal[T]) RemoveListener(key ListenerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.listeners[:0]
	for _, e := range s.listeners {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	s.listeners = kept
}

// Fire invokes every listener with v, in registration order. The listener
// slice is snapshotted first so a listener registering or removing during
// Fire cannot corrupt this delivery.
func (s *Signal[T]) Fire(v T) {
	s.mu.Lock()
	snapshot := append([]signalEntry[T]{}, s.listeners...)
	s.mu.Unlock()
	for _, e := range snapshot {
		e.fn(v)
	}
}
