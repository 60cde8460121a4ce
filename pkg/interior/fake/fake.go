// Package fake implements [interior.Interior] in memory, for tests that
// need to drive an engine or registry through real transitions without a
// subprocess, a VM, or a network call.
//
// The base [Interior] exposes only the mandatory Stop method, mirroring
// a minimal backend. Tests that need Load, Unload, Start, or Status grant
// that capability explicitly by wrapping the Interior in [WithLoad],
// [WithUnload], [WithStart], or [WithStatus] (or [Full] for all four) —
// the same pattern used to probe capabilities on a real backend.
package fake

import (
	"context"
	"sync"

	"github.com/cradlesystems/cradle-core/pkg/interior"
)

// Call records one invocation of a capability method, for tests that
// want to assert on call order or arguments.
type Call struct {
	Method string
	Opts   interior.Options
}

// Interior is an in-memory, deterministic interior test double. Each
// *Func field, if set, is invoked and its error returned; when unset the
// call succeeds immediately and reports the obvious next stable state
// through Monitor in a separate goroutine, the way a real asynchronous
// backend would. Tests that need tighter control over timing set the
// *Func field and call Report themselves.
//
// All exported methods are safe for concurrent use.
type Interior struct {
	LoadFunc   func(ctx context.Context, opts interior.Options) error
	UnloadFunc func(ctx context.Context, opts interior.Options) error
	StartFunc  func(ctx context.Context, opts interior.Options) error
	StopFunc   func(ctx context.Context, opts interior.Options) error
	StatusFunc func(ctx context.Context, opts interior.Options) error

	monitor interior.Monitor

	mu    sync.Mutex
	calls []Call
}

// New constructs an Interior wired to deps.Monitor, with only the
// mandatory Stop capability.
func New(deps interior.Dependencies) *Interior {
	return &Interior{monitor: deps.Monitor}
}

// NewFactory returns an [interior.Factory] that always produces a fresh,
// fully-capable ([Full]) Interior, ignoring id and config.
func NewFactory() interior.Factory {
	return func(ctx context.Context, id string, config interior.Config, deps interior.Dependencies) (interior.Interior, error) {
		return Full{New(deps)}, nil
	}
}

func (f *Interior) record(method string, opts interior.Options) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Opts: opts})
	f.mu.Unlock()
}

// Calls returns a copy of every call recorded so far, in order.
func (f *Interior) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Report delivers an EventState notification through the Interior's
// Monitor, as if the backend had observed that stable state on its own.
func (f *Interior) Report(state string) {
	if f.monitor != nil {
		f.monitor(interior.EventState, state)
	}
}

// ReportError delivers an EventError notification through the
// Interior's Monitor.
func (f *Interior) ReportError(err error) {
	if f.monitor != nil {
		f.monitor(interior.EventError, err)
	}
}

// ReportStatus delivers an EventStatus notification through the
// Interior's Monitor.
func (f *Interior) ReportStatus(payload any) {
	if f.monitor != nil {
		f.monitor(interior.EventStatus, payload)
	}
}

func (f *Interior) Stop(ctx context.Context, opts interior.Options) error {
	f.record("Stop", opts)
	if f.StopFunc != nil {
		return f.StopFunc(ctx, opts)
	}
	go f.Report("stopped")
	return nil
}

// WithLoad grants Load, reporting "stopped" on success unless LoadFunc
// is set.
type WithLoad struct{ *Interior }

func (w WithLoad) Load(ctx context.Context, opts interior.Options) error {
	w.record("Load", opts)
	if w.LoadFunc != nil {
		return w.LoadFunc(ctx, opts)
	}
	go w.Report("stopped")
	return nil
}

// WithUnload grants Unload, reporting "offline" on success unless
// UnloadFunc is set.
type WithUnload struct{ *Interior }

func (w WithUnload) Unload(ctx context.Context, opts interior.Options) error {
	w.record("Unload", opts)
	if w.UnloadFunc != nil {
		return w.UnloadFunc(ctx, opts)
	}
	go w.Report("offline")
	return nil
}

// WithStart grants Start, reporting "running" on success unless
// StartFunc is set.
type WithStart struct{ *Interior }

func (w WithStart) Start(ctx context.Context, opts interior.Options) error {
	w.record("Start", opts)
	if w.StartFunc != nil {
		return w.StartFunc(ctx, opts)
	}
	go w.Report("running")
	return nil
}

// WithStatus grants Status, emitting a placeholder payload unless
// StatusFunc is set.
type WithStatus struct{ *Interior }

func (w WithStatus) Status(ctx context.Context, opts interior.Options) error {
	w.record("Status", opts)
	if w.StatusFunc != nil {
		return w.StatusFunc(ctx, opts)
	}
	w.ReportStatus(map[string]any{"fake": true})
	return nil
}

// Full grants every optional capability, mirroring a backend that
// implements the complete interior contract.
type Full struct{ *Interior }

func (f Full) Load(ctx context.Context, opts interior.Options) error {
	return WithLoad{f.Interior}.Load(ctx, opts)
}

func (f Full) Unload(ctx context.Context, opts interior.Options) error {
	return WithUnload{f.Interior}.Unload(ctx, opts)
}

func (f Full) Start(ctx context.Context, opts interior.Options) error {
	return WithStart{f.Interior}.Start(ctx, opts)
}

func (f Full) Status(ctx context.Context, opts interior.Options) error {
	return WithStatus{f.Interior}.Status(ctx, opts)
}

var (
	_ interior.Interior = (*Interior)(nil)
	_ interior.Loader   = WithLoad{}
	_ interior.Unloader = WithUnload{}
	_ interior.Starter  = WithStart{}
	_ interior.Statuser = WithStatus{}
	_ interior.Interior = Full{}
	_ interior.Loader   = Full{}
	_ interior.Unloader = Full{}
	_ interior.Starter  = Full{}
	_ interior.Statuser = Full{}
)
