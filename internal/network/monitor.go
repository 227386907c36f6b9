// Package network tracks device connectivity for the sync engine. The
// platform shell feeds state transitions in through SetState; consumers
// subscribe for synchronous change notifications.
package network

import (
	"sync"

	"github.com/parloapp/parlo-core/internal/logging"
)

// Transport identifies the active network transport.
type Transport string

const (
	TransportWifi     Transport = "wifi"
	TransportCellular Transport = "cellular"
	TransportOther    Transport = "other"
	TransportUnknown  Transport = "unknown"
)

// State is a connectivity snapshot.
type State struct {
	Online    bool      `json:"online"`
	Transport Transport `json:"transport"`
}

// Listener receives connectivity transitions. Callbacks run synchronously
// on the goroutine calling SetState and must not block.
type Listener func(State)

// Monitor holds the current connectivity state and a listener list.
// All methods are safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	state     State
	listeners []*subscription
}

type subscription struct {
	fn      Listener
	removed bool
}

// NewMonitor starts in the unknown-offline state until the platform
// reports otherwise.
func NewMonitor() *Monitor {
	return &Monitor{
		state: State{Online: false, Transport: TransportUnknown},
	}
}

// CurrentState returns the latest reported snapshot.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState records a new snapshot and notifies listeners if it changed.
// Notification order follows subscription order.
func (m *Monitor) SetState(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	logging.Info("Connectivity changed", logging.Fields{
		"online":    s.Online,
		"transport": string(s.Transport),
		"was":       prev.Online,
	})
	for _, fn := range listeners {
		fn(s)
	}
}

// Subscribe registers a listener and immediately invokes it with the
// current state, so the subscriber needs no separate initial read. The
// returned function removes the listener; calling it more than once is
// harmless.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	sub := &subscription{fn: fn}
	m.listeners = append(m.listeners, sub)
	current := m.state
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub.removed {
			return
		}
		sub.removed = true
		for i, s := range m.listeners {
			if s == sub {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
	}
}

func (m *Monitor) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, s := range m.listeners {
		if !s.removed {
			out = append(out, s.fn)
		}
	}
	return out
}
