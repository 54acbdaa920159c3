// Package notify is a small in-process fan-out used for config changes and
// session lifecycle events.
package notify

import "sync"

// Notifier fans values out to subscribers. Sends never block: a subscriber
// whose buffer is full misses the value.
type Notifier[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	closed bool
	buffer int
}

// New returns a Notifier whose subscriber channels hold buffer values.
func New[T any](buffer int) *Notifier[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Notifier[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Notify delivers v to every subscriber and reports how many received it.
func (n *Notifier[T]) Notify(v T) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return 0
	}
	delivered := 0
	for _, ch := range n.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribe returns a channel of future values and a cancel func that
// closes it. After Close the channel is returned already closed.
func (n *Notifier[T]) Subscribe() (<-chan T, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan T, n.buffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel. Further Notify calls are no-ops.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
