// Package rosyerr defines the stable error taxonomy shared across the Rosey
// Core components: bus, supervisor, permission, rate limiter, router,
// registry, and KV.
package rosyerr

import (
	"errors"
	"strconv"
)

// Bus errors.
var (
	ErrNotConnected  = errors.New("bus: not connected")
	ErrPublishFailed = errors.New("bus: publish failed")
	ErrSubscribeFailed = errors.New("bus: subscribe failed")
	ErrRequestTimeout  = errors.New("bus: request timed out")
	ErrInvalidSubject  = errors.New("bus: invalid subject")
	ErrCodecError      = errors.New("bus: codec error")
)

// Supervisor errors.
var (
	ErrSpawnFailed          = errors.New("supervisor: spawn failed")
	ErrReadinessTimeout     = errors.New("supervisor: readiness timeout")
	ErrStopTimeoutForceKilled = errors.New("supervisor: stop timeout, force killed")
	ErrCrashObserved        = errors.New("supervisor: crash observed")
	ErrCircuitOpen          = errors.New("supervisor: circuit open")
	ErrInvalidTransition    = errors.New("supervisor: invalid state transition")
)

// Permission errors.
var (
	ErrPermissionDenied = errors.New("permission: denied")
	ErrPathNotAllowed   = errors.New("permission: path not allowed")
)

// Rate-limit errors.
var (
	ErrRateLimit   = errors.New("ratelimit: request limit exceeded")
	ErrTokenLimit  = errors.New("ratelimit: token limit exceeded")
)

// Router errors.
var (
	ErrUnhandledCommand = errors.New("router: unhandled command")
	ErrRouteRuleInvalid = errors.New("router: invalid route rule")
	ErrHandlerRaised    = errors.New("router: handler raised")
)

// Registry errors.
var (
	ErrPluginUnknown         = errors.New("registry: unknown plugin")
	ErrCommandPrefixConflict = errors.New("registry: command prefix conflict")
	ErrDuplicatePlugin       = errors.New("registry: duplicate plugin")
)

// KV errors.
var (
	ErrKVUnavailable = errors.New("kv: unavailable")
	ErrKVConflict    = errors.New("kv: conflict")
)

// Config errors.
var (
	ErrInvalidRestartPolicy     = errors.New("config: invalid restart policy")
	ErrInvalidPermissionProfile = errors.New("config: invalid permission profile")
)

// PermissionError carries the capability and context that were denied.
type PermissionError struct {
	Capability string
	Context    string
	Err        error
}

func (e *PermissionError) Error() string {
	if e.Context != "" {
		return "permission: " + e.Capability + " denied for " + e.Context
	}
	return "permission: " + e.Capability + " denied"
}

func (e *PermissionError) Unwrap() error { return e.Err }

// IsPermissionDenied reports whether err is (or wraps) a permission denial.
func IsPermissionDenied(err error) bool {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrPathNotAllowed)
}

// RateLimitError carries which window tripped and when it resets.
type RateLimitError struct {
	Window        string
	Current       int64
	Limit         int64
	ResetInSeconds float64
	Err           error
}

func (e *RateLimitError) Error() string {
	return "ratelimit: " + e.Window + " window exceeded (" +
		strconv.FormatInt(e.Current, 10) + "/" + strconv.FormatInt(e.Limit, 10) + ")"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is (or wraps) a rate-limit denial.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTokenLimit)
}

