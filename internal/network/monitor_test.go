package network

import "testing"

// TestInitialState verifies the monitor starts offline-unknown.
func TestInitialState(t *testing.T) {
	m := NewMonitor()
	s := m.CurrentState()
	if s.Online || s.Transport != TransportUnknown {
		t.Errorf("Expected offline/unknown, got %+v", s)
	}
}

// TestSubscribeNotifiesImmediately verifies a new subscriber sees the
// current state without waiting for a transition.
func TestSubscribeNotifiesImmediately(t *testing.T) {
	m := NewMonitor()
	m.SetState(State{Online: true, Transport: TransportWifi})

	var got []State
	m.Subscribe(func(s State) { got = append(got, s) })

	if len(got) != 1 || !got[0].Online || got[0].Transport != TransportWifi {
		t.Errorf("Expected immediate wifi notification, got %v", got)
	}
}

// TestTransitionsNotifyInOrder verifies listeners fire per transition and
// duplicate states are suppressed.
func TestTransitionsNotifyInOrder(t *testing.T) {
	m := NewMonitor()

	var got []State
	m.Subscribe(func(s State) { got = append(got, s) })

	m.SetState(State{Online: true, Transport: TransportCellular})
	m.SetState(State{Online: true, Transport: TransportCellular}) // no change
	m.SetState(State{Online: true, Transport: TransportWifi})
	m.SetState(State{Online: false, Transport: TransportUnknown})

	// Initial notification plus three real transitions.
	if len(got) != 4 {
		t.Fatalf("Expected 4 notifications, got %d", len(got))
	}
	if got[1].Transport != TransportCellular || got[2].Transport != TransportWifi || got[3].Online {
		t.Errorf("Transitions delivered out of order: %v", got)
	}
}

// TestUnsubscribe verifies removal stops delivery and is idempotent.
func TestUnsubscribe(t *testing.T) {
	m := NewMonitor()

	calls := 0
	unsubscribe := m.Subscribe(func(State) { calls++ })

	m.SetState(State{Online: true, Transport: TransportWifi})
	unsubscribe()
	unsubscribe() // second call is a no-op
	m.SetState(State{Online: false, Transport: TransportUnknown})

	if calls != 2 {
		t.Errorf("Expected 2 calls (subscribe + one transition), got %d", calls)
	}
}

// TestMultipleListeners verifies independent delivery and selective removal.
func TestMultipleListeners(t *testing.T) {
	m := NewMonitor()

	first, second := 0, 0
	removeFirst := m.Subscribe(func(State) { first++ })
	m.Subscribe(func(State) { second++ })

	m.SetState(State{Online: true, Transport: TransportWifi})
	removeFirst()
	m.SetState(State{Online: true, Transport: TransportCellular})

	if first != 2 {
		t.Errorf("Expected first listener called twice, got %d", first)
	}
	if second != 3 {
		t.Errorf("Expected second listener called three times, got %d", second)
	}
}
