package engine

import "errors"

// The advancement engine's error taxonomy. Callers branch with errors.Is;
// anything else is a store failure surfaced verbatim.
var (
	// ErrConfigMissing: no workflow configuration exists for the
	// certificate type. Fatal for request creation.
	ErrConfigMissing = errors.New("no workflow configured for certificate type")

	// ErrNotAuthorizedForStep: the actor holds no pending assignment for
	// the step. No mutation occurred.
	ErrNotAuthorizedForStep = errors.New("no pending assignment for this step")

	// ErrAlreadyResolved: the step or request was already resolved, by this
	// actor or a concurrent one. No mutation occurred; safe to ignore.
	ErrAlreadyResolved = errors.New("action already resolved")
)
