// Package live implements tag-based revalidation: a notifier fanning out
// live-event messages, the server-sent event stream feeding it, and the
// per-query tag channel that decides which queries to refetch.
package live

import "sync"

// Listener receives the tags of a live event and the event id.
type Listener func(tags []string, lastEventID string)

// Notifier fans out live events to registered listeners. It is owned by the
// application context; there is no package-level instance.
type Notifier struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
	restarts  map[uint64]func()
}

func NewNotifier() *Notifier {
	return &Notifier{
		listeners: make(map[uint64]Listener),
		restarts:  make(map[uint64]func()),
	}
}

// Listen registers fn for every subsequent Notify.
func (n *Notifier) Listen(fn Listener) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// OnRestart registers fn for every subsequent Restart.
func (n *Notifier) OnRestart(fn func()) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.restarts[id] = fn
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.restarts, id)
			n.mu.Unlock()
		})
	}
}

// Notify delivers tags and id to every listener.
func (n *Notifier) Notify(tags []string, id string) {
	n.mu.Lock()
	fns := make([]Listener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(tags, id)
	}
}

// Restart tells every restart listener that all content may have changed.
func (n *Notifier) Restart() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.restarts))
	for _, fn := range n.restarts {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}
