package agent

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
)

// StateType is where the remote slot is in its agent lifecycle.
type StateType int

const (
	StateNotInstalled StateType = iota // slot holds the original
	StateInstalling                    // backup and agent writes in flight
	StateInstalled                     // slot holds the agent
	StateRestoring                     // original being written back
	StateRestored                      // original back, terminal
	StateMax
)

var stateKeys = [StateMax]string{
	"not_installed",
	"installing",
	"installed",
	"restoring",
	"restored",
}

var stateGaugeKeys = [StateMax]string{
	"",
	"agent_installing_total",
	"agent_installed_total",
	"agent_restoring_total",
	"",
}

var stateTimeKeys = [StateMax]string{
	"",
	"agent_installing_duration_seconds",
	"agent_installed_duration_seconds",
	"agent_restoring_duration_seconds",
	"",
}

func (s StateType) String() string {
	if s < 0 || s >= StateMax {
		return "unknown"
	}
	return stateKeys[s]
}

type agentState struct {
	lock  sync.Mutex
	state StateType
	start time.Time
}

func (s *agentState) get() StateType {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// set moves to newState and reflects the move in the gauges.
//
// Allowed moves are forward, plus Installed -> Restoring -> NotInstalled
// when a leftover agent is taken down before a reinstall.
func (s *agentState) set(ctx context.Context, newState StateType) {
	s.lock.Lock()
	oldState, before := s.state, s.start
	ok := oldState < newState || (oldState == StateRestoring && newState == StateNotInstalled) ||
		(oldState == StateInstalling && newState == StateNotInstalled)
	now := time.Now()
	if ok {
		s.state, s.start = newState, now
	}
	s.lock.Unlock()

	if !ok {
		return
	}

	if stateGaugeKeys[oldState] != "" {
		stats.Record(ctx, stateGaugeMeasures[oldState].M(-1))
	}
	if stateTimeKeys[oldState] != "" {
		stats.Record(ctx, stateTimeMeasures[oldState].M(int64(now.Sub(before)/time.Millisecond)))
	}
	if stateGaugeKeys[newState] != "" {
		stats.Record(ctx, stateGaugeMeasures[newState].M(1))
	}
}
