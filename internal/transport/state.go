package transport

// State describes the lifecycle of the persistent connection.
type State int

const (
	// StateStarted - transport created, no connection attempt yet
	StateStarted State = iota

	// StateConnected - connection established and usable
	StateConnected

	// StateDisconnected - cleanly closed on request; no reconnection
	StateDisconnected

	// StateLost - connection dropped unexpectedly; reconnection in progress.
	// Distinguished from Disconnected so observers can tell a requested
	// close from a failure that will heal on its own.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// StateObserver receives connection state transitions.
type StateObserver func(old, new State)

// AddStateObserver registers an observer for every distinct state transition.
// Duplicate consecutive notifications are suppressed: an observer never sees
// the same state twice in a row.
func (t *Transport) AddStateObserver(obs StateObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState transitions the connection state and notifies observers.
// Notification happens outside the lock; observers may call back into the
// transport.
func (t *Transport) setState(next State) {
	t.mu.Lock()
	if t.state == next {
		t.mu.Unlock()
		return
	}
	prev := t.state
	t.state = next
	observers := make([]StateObserver, len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	t.logger.Debug().
		Str("link", t.name).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("transport state")

	for _, obs := range observers {
		obs(prev, next)
	}
}
