// Package lifecycle implements the Container Lifecycle Engine: the
// stateful object that reconciles a user-requested target state for one
// container with the state its interior actually reports, driving the
// transient states in between and serializing the two independent
// sources of truth — user intent and interior events — onto a single
// execution context per container.
//
// # Engine Lifecycle
//
// Every engine starts at [transition.Offline] with no expectation. A call
// to [Engine.SetState] records the caller's desired stable state and, if
// the engine is currently settled, begins executing a plan drawn from
// [transition.Path]. If the engine is mid-flight, the new expectation
// takes effect at the next settle point.
//
// # Thread Safety
//
// An Engine is safe for concurrent use. All mutation of its state,
// expectation, and interior-state fields happens on a single internal
// goroutine; calls from other goroutines (SetState, Status, the
// interior's monitor callback) only ever enqueue work for it. Snapshot
// reads take a read lock and never touch the task queue.
//
// # OpenTelemetry Integration
//
// Action invocations against the interior create spans under tracer
// scope "github.com/cradlesystems/cradle-core/pkg/lifecycle".
package lifecycle

import (
	"github.com/cradlesystems/cradle-core/pkg/transition"
)

// State re-exports transition.State so callers that only need the
// lifecycle package don't also need to import transition directly.
type State = transition.State

// Stable states, re-exported from transition for convenience.
const (
	Offline = transition.Offline
	Stopped = transition.Stopped
	Running = transition.Running
)

// Transient states, re-exported from transition for convenience.
const (
	Loading   = transition.Loading
	Unloading = transition.Unloading
	Starting  = transition.Starting
	Stopping  = transition.Stopping
)

// statesToStrings converts a slice of states to their string form, for
// embedding in error payloads.
func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
