// Package notify fans local record changes out to subscribers.
package notify

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ironwolf/localsync/internal/record"
)

// Origin tells a subscriber where a change came from.
type Origin string

const (
	// OriginLocal is a write made through this process.
	OriginLocal Origin = "local"
	// OriginRemote is a change applied from the authoritative store.
	OriginRemote Origin = "remote"
	// OriginPeer is a change made by another process sharing the cache.
	OriginPeer Origin = "peer"
)

// Event describes one mutation of the local cache.
type Event struct {
	Collection string            `json:"collection"`
	Type       record.ChangeType `json:"type"`
	Record     record.Record     `json:"record"`
	Origin     Origin            `json:"origin"`
}

// Callback receives events. A returned error is logged and does not stop
// delivery to other subscribers.
type Callback func(Event) error

// Handle identifies a subscription.
type Handle uint64

type subscriber struct {
	handle     Handle
	collection string // empty means every collection
	cb         Callback
}

// Notifier delivers events synchronously, in subscription order.
type Notifier struct {
	mu     sync.RWMutex
	subs   []subscriber
	next   Handle
	logger *log.Logger
}

// New returns a notifier logging callback failures to logger.
func New(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{logger: logger}
}

// Subscribe registers cb for changes to collection.
func (n *Notifier) Subscribe(collection string, cb Callback) Handle {
	return n.add(collection, cb)
}

// SubscribeAll registers cb for changes to every collection.
func (n *Notifier) SubscribeAll(cb Callback) Handle {
	return n.add("", cb)
}

func (n *Notifier) add(collection string, cb Callback) Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.subs = append(n.subs, subscriber{handle: n.next, collection: collection, cb: cb})
	return n.next
}

// Unsubscribe removes the subscription. Unknown handles are ignored.
func (n *Notifier) Unsubscribe(h Handle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.handle == h {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Notify delivers ev to every matching subscriber. Each callback gets its
// own copy of the record.
func (n *Notifier) Notify(ev Event) {
	n.mu.RLock()
	subs := make([]subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		if s.collection == "" || s.collection == ev.Collection {
			subs = append(subs, s)
		}
	}
	n.mu.RUnlock()

	for _, s := range subs {
		e := ev
		e.Record = ev.Record.Clone()
		if err := n.deliver(s, e); err != nil {
			n.logger.Printf("WARNING: subscriber %d failed on %s %s/%s: %v",
				s.handle, ev.Type, ev.Collection, ev.Record.ID, err)
		}
	}
}

func (n *Notifier) deliver(s subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.cb(ev)
}
