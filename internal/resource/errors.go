package resource

import "errors"

// Allocation-level errors are always returned to the caller. Platform-reported
// outcomes (blocked, captcha) are routed to the manual task queue and also
// surface as these sentinels.
var (
	ErrDuplicate         = errors.New("duplicate resource")
	ErrNotFound          = errors.New("resource not found")
	ErrInUse             = errors.New("resource in use")
	ErrCapacityExceeded  = errors.New("no proxy with free capacity")
	ErrSessionUnusable   = errors.New("account session is not allocatable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAccountBlocked    = errors.New("account blocked by platform")
	ErrCaptchaRequired   = errors.New("captcha required")
	ErrNetwork           = errors.New("network error")
	ErrSweepInProgress   = errors.New("sweep already running")
)

// NeedsManualIntervention reports whether err is a platform outcome that
// must be handed to an operator instead of retried.
func NeedsManualIntervention(err error) bool {
	return errors.Is(err, ErrAccountBlocked) || errors.Is(err, ErrCaptchaRequired)
}
