package syncer

import (
	"fmt"

	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateReceived
	StateFetching
	StateResolving
	StatePersisting
	StateMapperUpdating
	StateReporting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceived:
		return "received"
	case StateFetching:
		return "fetching"
	case StateResolving:
		return "resolving"
	case StatePersisting:
		return "persisting"
	case StateMapperUpdating:
		return "mapper_updating"
	case StateReporting:
		return "reporting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Asset events update the mapper before persisting, so MapperUpdating and Persisting may
// follow each other in both directions.
var transitions = map[State][]State{
	StateIdle:           {StateReceived},
	StateReceived:       {StateFetching, StatePersisting, StateMapperUpdating, StateReporting, StateError},
	StateFetching:       {StateResolving, StatePersisting, StateMapperUpdating, StateError},
	StateResolving:      {StatePersisting, StateError},
	StatePersisting:     {StateMapperUpdating, StateReporting, StateError},
	StateMapperUpdating: {StatePersisting, StateReporting, StateError},
	StateReporting:      {StateIdle},
	StateError:          {StateReporting},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is handed to the OnTransition observer.
type Transition struct {
	EventID string
	From    State
	To      State
}

type machine struct {
	eventID  string
	state    State
	observer func(Transition)
	logger   *zap.Logger
}

func newMachine(eventID string, observer func(Transition), logger *zap.Logger) *machine {
	return &machine{eventID: eventID, state: StateIdle, observer: observer, logger: logger}
}

// to moves the machine to next. An edge missing from the table is a bug in a flow and
// panics.
func (m *machine) to(next State) {
	from := m.state
	if !canTransition(from, next) {
		panic(fmt.Sprintf("syncer: invalid transition %s -> %s", from, next))
	}
	m.state = next
	m.logger.Debug("sync state changed", zap.Stringer("from", from), zap.Stringer("to", next))
	if m.observer != nil {
		m.observer(Transition{EventID: m.eventID, From: from, To: next})
	}
}

// fail routes the machine through Error to Reporting from wherever it stands.
func (m *machine) fail() {
	switch m.state {
	case StateReporting:
		return
	case StateIdle:
		m.to(StateReceived)
	}
	if m.state != StateError {
		m.to(StateError)
	}
	m.to(StateReporting)
}
