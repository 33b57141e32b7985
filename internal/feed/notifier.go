package feed

import (
	"sync"

	"github.com/google/uuid"
)

// Notifier fans an insert signal out to feed subscribers. Signals are
// coalesced: each subscriber channel holds at most one pending wakeup, so a
// burst of inserts wakes a slow subscriber once and the catch-up read picks
// up the whole burst.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]chan struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]chan struct{})}
}

// Register adds a subscriber and returns its id and wakeup channel.
func (n *Notifier) Register() (string, <-chan struct{}) {
	id := uuid.NewString()
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	n.subs[id] = ch
	n.mu.Unlock()
	return id, ch
}

// Unregister removes a subscriber. Safe to call with an unknown id.
func (n *Notifier) Unregister(id string) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

// Broadcast wakes every subscriber without blocking. A subscriber with a
// wakeup already pending is skipped.
func (n *Notifier) Broadcast() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Len reports the current subscriber count.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}
