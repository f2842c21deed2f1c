package session

import (
	"fmt"
	"sync"
)

// State is the connection lifecycle state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	DiscoveringServices
	Ready
	Dropped
	RestoringDuringDiscovery
	RestoringAfterDiscovery
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case DiscoveringServices:
		return "discoveringServices"
	case Ready:
		return "ready"
	case Dropped:
		return "dropped"
	case RestoringDuringDiscovery:
		return "restoringDuringDiscovery"
	case RestoringAfterDiscovery:
		return "restoringAfterDiscovery"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// recoveryPath selects what a recovered link has to do before it is Ready again.
type recoveryPath int

const (
	// no discovery started yet: nothing to replay
	recoverNone recoveryPath = iota
	// discovery was in flight when the link dropped: rediscover, then replay
	recoverRediscover
	// discovery had completed: replay against the retained registry
	recoverReplay
)

func (p recoveryPath) String() string {
	switch p {
	case recoverRediscover:
		return "rediscover"
	case recoverReplay:
		return "replay"
	default:
		return "none"
	}
}

// Disconnected is reachable from every state and is handled separately.
var transitions = map[State][]State{
	Disconnected:             {Connecting},
	Connecting:               {Connected},
	Connected:                {DiscoveringServices, Dropped},
	DiscoveringServices:      {Ready, Connected, Dropped},
	Ready:                    {DiscoveringServices, Dropped},
	Dropped:                  {RestoringDuringDiscovery, RestoringAfterDiscovery, Connected},
	RestoringDuringDiscovery: {Ready, Dropped},
	RestoringAfterDiscovery:  {Ready, Dropped},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine guards the lifecycle state and the recovery path installed by discovery.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	path     recoveryPath
	onChange func(from, to State)
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	return &stateMachine{state: Disconnected, onChange: onChange}
}

func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state; a transition to the current state is a no-op.
func (m *stateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// TransitionIf moves to the given state only while the current state is one of from.
// It reports whether the transition happened.
func (m *stateMachine) TransitionIf(to State, from ...State) bool {
	m.mu.Lock()
	cur := m.state
	matched := false
	for _, s := range from {
		if s == cur {
			matched = true
			break
		}
	}
	if !matched || cur == to || !CanTransition(cur, to) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(cur, to)
	}
	return true
}

// Reset forces Disconnected and forgets the recovery path. It returns the
// state it left.
func (m *stateMachine) Reset() State {
	m.mu.Lock()
	from := m.state
	m.state = Disconnected
	m.path = recoverNone
	m.mu.Unlock()

	if from != Disconnected && m.onChange != nil {
		m.onChange(from, Disconnected)
	}
	return from
}

func (m *stateMachine) Path() recoveryPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

func (m *stateMachine) SetPath(p recoveryPath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = p
}
