package controller

import "sync"

// listenerSet is the thread-safe listener registry. Publishing takes a
// snapshot of the current listeners so a listener may add or remove
// listeners from within Handle without deadlocking.
type listenerSet struct {
	mu        sync.Mutex
	listeners map[Listener]struct{}
}

func newListenerSet() *listenerSet {
	return &listenerSet{listeners: make(map[Listener]struct{})}
}

func (s *listenerSet) Add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
}

func (s *listenerSet) Remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// Publish delivers e to every registered listener plus the given extra
// listener, if any. The extra listener receives the event even when it
// is also registered, but only once.
func (s *listenerSet) Publish(e Event, extra Listener) {
	seen := false
	for _, l := range s.snapshot() {
		if l == extra {
			seen = true
		}
		l.Handle(e)
	}
	if extra != nil && !seen {
		extra.Handle(e)
	}
}
