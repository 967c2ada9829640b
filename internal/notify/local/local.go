// Package local is an in-process notify.Notifier, grounded directly on
// primal-pds's events.Manager fan-out: registration completes before
// Subscribe returns, and non-blocking delivery so one slow subscriber can
// never stall a publisher or its siblings.
//
// No example repo ships a standalone pub/sub client (Redis, NATS) outside
// a broader SDK pulled in for unrelated reasons, so the notifier stays
// in-process; see DESIGN.md for the full justification.
package local

import (
	"context"
	"sync"

	"github.com/primal-host/session-backend/internal/notify"
)

const subscriberBuffer = 32

type subscriber struct {
	ch   chan notify.Notice
	done chan struct{}
}

// Notifier is an in-process, best-effort pub/sub bus keyed by stream.
type Notifier struct {
	mu   sync.RWMutex
	subs map[notify.StreamKey]map[*subscriber]struct{}
}

// New constructs an empty in-process notifier.
func New() *Notifier {
	return &Notifier{subs: make(map[notify.StreamKey]map[*subscriber]struct{})}
}

// Publish delivers a notice to every live subscriber of key. When a
// subscriber's buffer is full the notice is dropped for that subscriber
// rather than blocking; the subscriber stays registered.
func (n *Notifier) Publish(ctx context.Context, key notify.StreamKey, seq int64) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subs[key] {
		select {
		case sub.ch <- notify.Notice{Key: key, Seq: seq}:
		default:
		}
	}
}

// Subscribe registers for notices on key before returning, so every
// notice published after it returns is offered to the new subscriber.
// Notices published before that are not delivered to it.
func (n *Notifier) Subscribe(ctx context.Context, key notify.StreamKey) (<-chan notify.Notice, func()) {
	sub := &subscriber{
		ch:   make(chan notify.Notice, subscriberBuffer),
		done: make(chan struct{}),
	}

	n.mu.Lock()
	if n.subs[key] == nil {
		n.subs[key] = make(map[*subscriber]struct{})
	}
	n.subs[key][sub] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[key], sub)
			if len(n.subs[key]) == 0 {
				delete(n.subs, key)
			}
			n.mu.Unlock()
			close(sub.done)
		})
	}

	return sub.ch, cancel
}

var _ notify.Notifier = (*Notifier)(nil)
