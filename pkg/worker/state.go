package worker

import (
	"github.com/skyfold/nbworker/pkg/metrics"
)

// State is the worker's lifecycle phase.
type State string

const (
	// StateStarting covers configuration and dependency setup.
	StateStarting State = "starting"

	// StateClaiming means the worker is acquiring an identity from the
	// catalog.
	StateClaiming State = "claiming_identity"

	// StateAuthenticating means the worker holds an identity and is
	// establishing its lab session.
	StateAuthenticating State = "authenticating"

	// StateReady means a live session exists and the worker is waiting for
	// jobs.
	StateReady State = "ready"

	// StateProcessing means at least one job is executing.
	StateProcessing State = "processing"

	// StateDraining means no new jobs are accepted and in-flight jobs are
	// finishing within the grace period.
	StateDraining State = "draining"

	// StateStopped is terminal.
	StateStopped State = "stopped"

	// StateErrored means startup failed before a session existed.
	StateErrored State = "errored"
)

// allStates feeds the one-hot state gauge.
var allStates = []string{
	string(StateStarting),
	string(StateClaiming),
	string(StateAuthenticating),
	string(StateReady),
	string(StateProcessing),
	string(StateDraining),
	string(StateStopped),
	string(StateErrored),
}

func (r *Runtime) setState(state State) {
	r.stateMu.Lock()
	previous := r.state
	r.state = state
	r.stateMu.Unlock()

	if previous == state {
		return
	}
	metrics.SetWorkerState(string(state), allStates)
	r.logger.Info().
		Str("from", string(previous)).
		Str("to", string(state)).
		Msg("Worker state changed")
}

// CurrentState returns the worker's lifecycle phase.
func (r *Runtime) CurrentState() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}
