package gocnc

import (
	"reflect"
	"sync"
)

// Dispatcher decouples the Communicator from whoever consumes its events.
type Dispatcher interface {
	AddListener(Listener)
	RemoveListener(Listener)
	Dispatch(Event)
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener removes the first registration of l. Listeners are compared
// with ==, so register pointers; a listener of a non-comparable type stays
// registered.
func (s *listenerSet) RemoveListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ll := range s.listeners {
		if reflect.TypeOf(ll) == reflect.TypeOf(l) && ll == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// SyncDispatcher delivers every event on the calling goroutine, in listener
// registration order, before Dispatch returns. A panicking listener unwinds
// into the caller of Dispatch.
type SyncDispatcher struct {
	listenerSet
}

var _ Dispatcher = (*SyncDispatcher)(nil)

func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{}
}

func (d *SyncDispatcher) Dispatch(e Event) {
	for _, l := range d.snapshot() {
		deliver(l, e)
	}
}
