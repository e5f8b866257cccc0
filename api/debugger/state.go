package debugger

import "sync"

// State is the lifecycle of one debug session.
type State int

const (
	StateStarting State = iota
	StateReady
	StateRunning
	StateShuttingDown
	StateStopped
	stateMax
)

var stateNames = [stateMax]string{
	"starting",
	"ready",
	"running",
	"shutting_down",
	"stopped",
}

func (s State) String() string {
	if s < 0 || s >= stateMax {
		return "unknown"
	}
	return stateNames[s]
}

type sessionState struct {
	lock  sync.Mutex
	state State
}

func (s *sessionState) get() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// set only moves forward, Starting may jump straight to ShuttingDown.
func (s *sessionState) set(n State) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if n <= s.state {
		return false
	}
	s.state = n
	return true
}
