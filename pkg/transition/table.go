// Package transition holds the pure pair-rule table that drives the
// container lifecycle state machine: for every (current, target) pair of
// stable states it names the transient state to enter, the interior action
// to invoke, the fallback to take if that action is unimplemented, and the
// set of stable states the engine may legally observe while the plan is in
// flight.
//
// The table has no notion of an engine, an interior, or time — it is a
// lookup, not a process. [Path] is deterministic and side-effect free.
package transition

import "fmt"

// State is a container lifecycle state, stable or transient.
type State string

// Stable states. These are the only states an interior ever reports.
const (
	Offline State = "offline"
	Stopped State = "stopped"
	Running State = "running"
)

// Transient states. The engine occupies these while a plan is in flight;
// an interior never reports one of these via its monitor.
const (
	Loading   State = "loading"
	Unloading State = "unloading"
	Starting  State = "starting"
	Stopping  State = "stopping"
)

// IsStable reports whether s is one of the three states an interior may
// authoritatively report.
func (s State) IsStable() bool {
	switch s {
	case Offline, Stopped, Running:
		return true
	default:
		return false
	}
}

// Action names an interior method the engine invokes at the start of a
// transient state. A zero Action means the intermediate state has no
// associated interior call and the engine waits for an external event or
// an auto-advance.
type Action string

const (
	ActionLoad   Action = "load"
	ActionUnload Action = "unload"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
)

// Plan is the result of looking up a (current, target) pair: the
// transient state to occupy, the action to schedule, the state to
// auto-advance to when the interior does not implement that action, and
// the traversal this plan documents.
type Plan struct {
	// Intermediate is the transient state the engine enters immediately.
	Intermediate State

	// Action is the interior method to invoke once Intermediate is
	// entered. Empty if this step has no associated action (the
	// unloading → stopped/running and stopping → running/offline
	// re-plans resolve purely from interior state reports).
	Action Action

	// AutoAdvance is the stable state to jump to directly when Action is
	// non-empty but the interior does not implement it. Empty means no
	// fallback is defined — either Action has none, or the interior is
	// required to implement it (stop).
	AutoAdvance State

	// Traversal lists the full traversal this plan documents, transient
	// labels included, in the order they may be observed. Only its
	// stable members are ever matched against an interior report (see
	// [Plan.Accepts]) — an interior never reports a transient state — but
	// the transient labels are kept so error payloads read exactly like
	// the plan they describe.
	Traversal []State
}

// noPlan is returned, together with an error, when current equals target
// or the pair is not in the table.
var noPlan Plan

// rules holds every (current, target) pair with current != target. Pairs
// are keyed on the transient or stable state the engine may currently be
// in — both stable starting points (§4.1) and the re-plan starting points
// reachable mid-flight from a transient state (loading, starting,
// stopping, unloading) are
// listed explicitly, since a retarget during flight calls Path again with
// the engine's present (transient) state as current.
var rules = map[State]map[State]Plan{
	Offline: {
		Stopped: {Intermediate: Loading, Action: ActionLoad, AutoAdvance: Stopped, Traversal: []State{Loading, Stopped}},
		Running: {Intermediate: Loading, Action: ActionLoad, AutoAdvance: Stopped, Traversal: []State{Loading, Stopped, Running}},
	},
	Stopped: {
		Offline: {Intermediate: Unloading, Action: ActionUnload, AutoAdvance: Offline, Traversal: []State{Unloading, Offline}},
		Running: {Intermediate: Starting, Action: ActionStart, Traversal: []State{Starting, Running}},
	},
	Running: {
		Stopped: {Intermediate: Stopping, Action: ActionStop, Traversal: []State{Stopping, Stopped}},
		Offline: {Intermediate: Stopping, Action: ActionStop, Traversal: []State{Stopping, Stopped, Offline}},
	},
	Loading: {
		Offline: {Intermediate: Unloading, Action: ActionUnload, AutoAdvance: Offline, Traversal: []State{Loading, Stopped, Unloading, Offline}},
	},
	Starting: {
		Stopped: {Intermediate: Stopping, Action: ActionStop, Traversal: []State{Starting, Running, Stopping, Stopped}},
		Offline: {Intermediate: Stopping, Action: ActionStop, Traversal: []State{Starting, Running, Stopping, Stopped, Offline}},
	},
	Stopping: {
		Running: {Traversal: []State{Stopping, Stopped}},
		Offline: {Traversal: []State{Stopping, Stopped, Offline}},
	},
	Unloading: {
		Stopped: {Traversal: []State{Unloading, Offline}},
		Running: {Traversal: []State{Unloading, Offline}},
	},
}

// Path looks up the plan for moving an engine currently at current toward
// the stable target. current may be a stable state (a fresh plan) or a
// transient state (a re-plan triggered by retargeting mid-flight).
//
// Path returns an error if target is not a stable state, if current
// equals target, or if the pair names no rule (e.g. loading → running).
// Unloading's "accept nothing further, ride it out to offline" rule is
// not an error: the unloading → stopped and unloading → running plans
// carry no action and accept only offline, so the engine waits for the
// unload to finish before replanning from offline.
func Path(current, target State) (Plan, error) {
	if !target.IsStable() {
		return noPlan, fmt.Errorf("transition: target %q is not a stable state", target)
	}
	if current == target {
		return noPlan, fmt.Errorf("transition: current and target are both %q", target)
	}
	byTarget, ok := rules[current]
	if !ok {
		return noPlan, fmt.Errorf("transition: no rules defined for current state %q", current)
	}
	plan, ok := byTarget[target]
	if !ok {
		return noPlan, fmt.Errorf("transition: no path from %q to %q", current, target)
	}
	return plan, nil
}

// Accepts reports whether s is a legal stable state to observe while plan
// is active.
func (p Plan) Accepts(s State) bool {
	for _, a := range p.Traversal {
		if a == s {
			return true
		}
	}
	return false
}
