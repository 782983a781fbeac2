// Package network provides the network status signal consumed by the sync
// coordinator and scheduler: a boolean online state plus notifications on
// transition to online.
package network

import "sync"

// Monitor exposes the current connectivity state and online transitions.
type Monitor interface {
	// Online reports whether the network is currently reachable.
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// transition. The channel is never closed; slow consumers miss
	// intermediate transitions rather than blocking the monitor.
	Subscribe() <-chan bool
}

// ManualMonitor is a Monitor whose state is set by the caller: the platform
// shell reporting connectivity changes, or tests driving transitions.
type ManualMonitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewManualMonitor creates a monitor in the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{online: online}
}

// Online implements Monitor.
func (m *ManualMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *ManualMonitor) Subscribe() <-chan bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan bool, 1)
	m.subs = append(m.subs, ch)
	return ch
}

// SetOnline updates the state. Subscribers are notified only on actual
// transitions; setting the same state twice is a no-op.
func (m *ManualMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Drop rather than block: the subscriber can read Online()
			// when it catches up.
		}
	}
}
