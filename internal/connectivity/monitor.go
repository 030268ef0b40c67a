// Package connectivity tracks whether the remote store is reachable.
//
// A Monitor holds the boolean online signal. It can be driven by the
// application (Set) or by a Prober that polls a health check.
package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
)

// Monitor holds the online signal and runs transition handlers.
type Monitor struct {
	// setMu serializes transitions so handlers observe them in order.
	setMu sync.Mutex

	mu       sync.Mutex
	online   bool
	handlers []func(online bool)
	changed  chan struct{}

	logger *log.Logger
}

// NewMonitor returns a monitor starting in the given state.
func NewMonitor(online bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		online:  online,
		changed: make(chan struct{}),
		logger:  logger,
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn to run on every transition. Handlers run in
// registration order on the goroutine that called Set and must not call Set.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Set records the current state. Repeating the current state is a no-op.
func (m *Monitor) Set(online bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	close(m.changed)
	m.changed = make(chan struct{})
	handlers := append([]func(bool){}, m.handlers...)
	m.mu.Unlock()

	if online {
		m.logger.Println("Remote reachable, now online")
	} else {
		m.logger.Println("Remote unreachable, now offline")
	}
	for _, fn := range handlers {
		fn(online)
	}
}

// watch returns the current state and a channel closed on the next transition.
func (m *Monitor) watch() (bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.changed
}

// WaitOnline blocks until the monitor is online or ctx is done.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		online, changed := m.watch()
		if online {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// OnlineContext waits until online and returns a context derived from ctx
// that is cancelled as soon as the monitor goes offline.
func (m *Monitor) OnlineContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := m.WaitOnline(ctx); err != nil {
		return nil, nil, err
	}

	child, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		for {
			online, changed := m.watch()
			if !online {
				return
			}
			select {
			case <-child.Done():
				return
			case <-changed:
			}
		}
	}()
	return child, cancel, nil
}
