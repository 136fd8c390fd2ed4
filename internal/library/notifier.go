package library

import (
	"sync"
	"time"

	"streamflix/pkg/models"
)

// Origin says where a library change came from.
type Origin int

const (
	// OriginLocal is a change made on this device.
	OriginLocal Origin = iota
	// OriginRemote is a change applied from the remote store during a pull.
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Change is broadcast after a mutation has been persisted.
type Change struct {
	Collections []models.Collection
	Origin      Origin
	At          time.Time
}

// Notifier fans library changes out to subscribers.
type Notifier struct {
	mutex     sync.RWMutex
	listeners []chan Change
}

func NewNotifier() *Notifier {
	return &Notifier{listeners: make([]chan Change, 0)}
}

// Subscribe adds a listener for library changes
func (n *Notifier) Subscribe() <-chan Change {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	ch := make(chan Change, 16)
	n.listeners = append(n.listeners, ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel. Changes already
// buffered stay readable.
func (n *Notifier) Unsubscribe(ch <-chan Change) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for i, listener := range n.listeners {
		if listener == ch {
			close(listener)
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			break
		}
	}
}

// Publish delivers c to every listener without blocking. A listener whose
// buffer is full already has an undelivered change queued; readers always
// re-read the store, so the newer change is covered by that one.
func (n *Notifier) Publish(c Change) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	for _, listener := range n.listeners {
		select {
		case listener <- c:
		default:
		}
	}
}

// Listeners returns the number of active subscribers.
func (n *Notifier) Listeners() int {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return len(n.listeners)
}
