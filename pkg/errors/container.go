package errors

// TransitionFailedError reports that an interior diverged from the set of
// stable states a transition plan was willing to accept. It embeds *Error
// so existing code paths that only know about the common shape (HTTPStatus,
// Details, the Is*/AsError predicates in checks.go) keep working, while callers
// that care about the specifics can pull them out directly or via
// errors.As.
type TransitionFailedError struct {
	*Error

	// Expectation is the stable state the engine was aiming for.
	Expectation string

	// Actual is the stable state the interior reported instead.
	Actual string

	// Accepts is the set of stable states the active plan was willing
	// to see reported.
	Accepts []string
}

// NewTransitionFailedError builds a TransitionFailedError for an engine
// that was aiming for expectation, observed actual from its interior, and
// had accepts as its active plan's accepted set.
func NewTransitionFailedError(id, expectation, actual string, accepts []string) *TransitionFailedError {
	base := Newf(CodeConflict, "container %q: interior reported %q, expected one of %v", id, actual, accepts).
		WithDetails(map[string]any{
			"id":          id,
			"expectation": expectation,
			"actual":      actual,
			"accepts":     accepts,
		})
	return &TransitionFailedError{
		Error:       base,
		Expectation: expectation,
		Actual:      actual,
		Accepts:     accepts,
	}
}

// InteriorError reports a backend-originated failure passed through
// unchanged by the engine. Category defaults to CodeInternal; interiors
// that know their failure is a dependency outage should construct one
// with CodeUnavailableDependency instead via NewInteriorErrorWithCode.
type InteriorError struct {
	*Error

	// ID is the container the error concerns.
	ID string
}

// NewInteriorError wraps cause as a container-internal interior error.
func NewInteriorError(id string, cause error) *InteriorError {
	return NewInteriorErrorWithCode(id, CodeInternal, cause)
}

// NewInteriorErrorWithCode wraps cause under the given code, so interiors
// that can distinguish "my backend is down" from "my backend rejected this"
// surface the right HTTP status and retry semantics.
func NewInteriorErrorWithCode(id string, code Code, cause error) *InteriorError {
	return &InteriorError{
		Error: Wrapf(cause, code, "container %q: interior error", id),
		ID:    id,
	}
}
