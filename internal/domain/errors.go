package domain

import "errors"

// Error kinds, per the error taxonomy: validation, not-found, forbidden,
// busy, engine-unavailable, engine-timeout, session-error, spawn-failed,
// stream-error, logical-failure, internal.
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrBusy               = errors.New("busy")
	ErrEngineUnavailable  = errors.New("engine unavailable")
	ErrEngineTimeout      = errors.New("engine timeout")
	ErrSessionError       = errors.New("session error")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrStreamError        = errors.New("stream error")
	ErrLogicalFailure     = errors.New("logical failure")
	ErrInternal           = errors.New("internal error")
)

// StatusCode maps an error kind to an HTTP-like status code, per the
// propagation policy: 400 for validation, 403 for forbidden, 404 for
// not-found, 409 for busy, 504 for engine-timeout, everything else 500.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrBusy):
		return 409
	case errors.Is(err, ErrEngineTimeout):
		return 504
	default:
		return 500
	}
}
