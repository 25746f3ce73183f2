package supervisor

import (
	"math"
	"sync"
	"time"
)

// RestartPolicy selects whether and when a crashed/exited plugin process
// should be restarted.
type RestartPolicy int

const (
	RestartNever RestartPolicy = iota
	RestartOnFailure
	RestartAlways
)

// RestartConfig governs the backoff and circuit-breaking behavior applied
// to restarts.
type RestartConfig struct {
	Policy            RestartPolicy
	MaxRestarts       int
	Window            time.Duration
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

func (c RestartConfig) withDefaults() RestartConfig {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// restartTracker counts restart attempts within a rolling window and
// computes the backoff for the next attempt, implementing the circuit
// breaker described in spec §4.F.
type restartTracker struct {
	cfg RestartConfig

	mu         sync.Mutex
	attempts   int
	windowFrom time.Time
}

func newRestartTracker(cfg RestartConfig) *restartTracker {
	return &restartTracker{cfg: cfg.withDefaults()}
}

// recordAttempt registers a restart attempt at now, resetting the window
// if it has expired, and returns the backoff duration to wait before
// spawning, plus whether the circuit is open (too many attempts in window).
func (t *restartTracker) recordAttempt(now time.Time) (backoff time.Duration, circuitOpen bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.windowFrom.IsZero() || now.Sub(t.windowFrom) > t.cfg.Window {
		t.windowFrom = now
		t.attempts = 0
	}
	t.attempts++

	if t.attempts > t.cfg.MaxRestarts {
		return 0, true
	}

	backoff = time.Duration(float64(t.cfg.InitialBackoff) * math.Pow(t.cfg.BackoffMultiplier, float64(t.attempts-1)))
	if backoff > t.cfg.MaxBackoff {
		backoff = t.cfg.MaxBackoff
	}
	return backoff, false
}

// shouldRestart applies the restart policy to an exit, given its exit code
// (0 for clean, non-zero/unknown otherwise) and whether it was a crash
// (abnormal exit while RUNNING) as opposed to a requested stop.
func (c RestartConfig) shouldRestart(crashed bool, exitCode int) bool {
	switch c.Policy {
	case RestartNever:
		return false
	case RestartAlways:
		return true
	case RestartOnFailure:
		return crashed && exitCode != 0
	default:
		return false
	}
}
