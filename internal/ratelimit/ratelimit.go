// Package ratelimit implements per-principal sliding-window request and
// token accounting: three lazily-rolling request windows (minute/hour/day)
// plus a daily token counter. Grounded on the teacher's
// api/internal/middleware/ratelimit.go map-of-limiters-plus-RWMutex shape,
// generalized from a single token bucket to discrete window counts per
// spec §3/§4.I (golang.org/x/time/rate doesn't expose discrete window
// counts, so the accounting here is hand-rolled arithmetic, matching the
// teacher's own hand-rolled comparisons in quota/enforcer.go).
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/rosymetrics"
)

// Config is the set of recognized limits per spec §6.
type Config struct {
	RequestsPerMinute int64
	RequestsPerHour   int64
	RequestsPerDay    int64
	TokensPerDay      int64
}

// Decision is the result of Check.
type Decision struct {
	Allow  bool
	Reason string

	// Window/Current/Limit/ResetIn describe the window that denied the
	// request, populated only when Allow is false.
	Window  string
	Current int64
	Limit   int64
	ResetIn time.Duration
}

// Err converts a denied Decision into a RateLimitError carrying the
// offending window, for propagation via events.command.error (spec §7).
// Returns nil when the decision allowed the request.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	sentinel := rosyerr.ErrRateLimit
	if d.Window == "tokens" {
		sentinel = rosyerr.ErrTokenLimit
	}
	return &rosyerr.RateLimitError{
		Window:         d.Window,
		Current:        d.Current,
		Limit:          d.Limit,
		ResetInSeconds: d.ResetIn.Seconds(),
		Err:            sentinel,
	}
}

// Counters is a snapshot of one principal's current usage.
type Counters struct {
	Minute int64
	Hour   int64
	Day     int64
	Tokens int64
}

// Capacities is the remaining headroom in each window.
type Capacities struct {
	Minute int64
	Hour   int64
	Day     int64
	Tokens int64
}

// ThresholdEvent reports a window that has crossed a configured ratio of
// its limit, for spec §4.I check_threshold.
type ThresholdEvent struct {
	Window  string
	Current int64
	Limit   int64
}

// window is one sliding horizon's counter and lazy reset time.
type window struct {
	count    int64
	resetsAt time.Time
}

func (w *window) rollIfExpired(now time.Time, horizon time.Duration) {
	if w.resetsAt.IsZero() || now.After(w.resetsAt) || now.Equal(w.resetsAt) {
		w.count = 0
		w.resetsAt = now.Add(horizon)
	}
}

type principalState struct {
	mu     sync.Mutex
	minute window
	hour   window
	day    window
	tokens window
}

// Store is the backing counter storage for Limiter. The default, in-memory
// Store is a per-principal map; an optional Redis-backed Store (see
// redis_store.go) lets counters be shared across replicas, mirroring the
// teacher's cache.Cache enabled/disabled-fallback duality: state() read-
// throughs from the backing store, and persist() writes mutations back
// after the caller releases the principal's mutex.
type Store interface {
	state(principal string) *principalState
	persist(principal string, st *principalState)
}

// Limiter enforces Config's windows per principal. check and record are
// performed under the principal's own mutex to avoid over-admission
// (spec §4.I).
type Limiter struct {
	cfg   Config
	store Store
}

// New constructs a Limiter with an in-memory Store.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, store: newMemoryStore()}
}

// NewWithStore constructs a Limiter backed by a custom Store (e.g. Redis).
func NewWithStore(cfg Config, store Store) *Limiter {
	return &Limiter{cfg: cfg, store: store}
}

// Check reports whether principal may make another request right now,
// without recording it. Windows are evaluated minute, hour, day, then
// day-tokens in that order; the first failing produces the Decision's
// reason, per spec §4.I.
func (l *Limiter) Check(principal string) Decision {
	return l.checkAt(principal, time.Now())
}

func (l *Limiter) checkAt(principal string, now time.Time) Decision {
	st := l.store.state(principal)
	defer l.store.persist(principal, st)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.minute.rollIfExpired(now, time.Minute)
	st.hour.rollIfExpired(now, time.Hour)
	st.day.rollIfExpired(now, 24*time.Hour)
	st.tokens.rollIfExpired(now, 24*time.Hour)

	if d := checkWindow(now, &st.minute, l.cfg.RequestsPerMinute, "minute"); !d.Allow {
		rosymetrics.RecordRateLimitDecision("minute", "deny")
		return d
	}
	if d := checkWindow(now, &st.hour, l.cfg.RequestsPerHour, "hour"); !d.Allow {
		rosymetrics.RecordRateLimitDecision("hour", "deny")
		return d
	}
	if d := checkWindow(now, &st.day, l.cfg.RequestsPerDay, "day"); !d.Allow {
		rosymetrics.RecordRateLimitDecision("day", "deny")
		return d
	}
	if d := checkWindow(now, &st.tokens, l.cfg.TokensPerDay, "tokens"); !d.Allow {
		rosymetrics.RecordRateLimitDecision("tokens", "deny")
		return d
	}
	rosymetrics.RecordRateLimitDecision("minute", "allow")
	return Decision{Allow: true}
}

func checkWindow(now time.Time, w *window, limit int64, name string) Decision {
	if limit <= 0 {
		return Decision{Allow: true}
	}
	if w.count >= limit {
		resetIn := w.resetsAt.Sub(now)
		return Decision{
			Allow:   false,
			Reason:  fmt.Sprintf("rate limit exceeded for %s window, resets in %.0fs", name, resetIn.Seconds()),
			Window:  name,
			Current: w.count,
			Limit:   limit,
			ResetIn: resetIn,
		}
	}
	return Decision{Allow: true}
}

// Record increments all three request windows by one and the day-tokens
// window by tokens.
func (l *Limiter) Record(principal string, tokens int64) {
	now := time.Now()
	st := l.store.state(principal)
	defer l.store.persist(principal, st)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.minute.rollIfExpired(now, time.Minute)
	st.hour.rollIfExpired(now, time.Hour)
	st.day.rollIfExpired(now, 24*time.Hour)
	st.tokens.rollIfExpired(now, 24*time.Hour)

	st.minute.count++
	st.hour.count++
	st.day.count++
	st.tokens.count += tokens
}

// Usage returns the current counters for principal.
func (l *Limiter) Usage(principal string) Counters {
	now := time.Now()
	st := l.store.state(principal)
	defer l.store.persist(principal, st)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.minute.rollIfExpired(now, time.Minute)
	st.hour.rollIfExpired(now, time.Hour)
	st.day.rollIfExpired(now, 24*time.Hour)
	st.tokens.rollIfExpired(now, 24*time.Hour)
	return Counters{Minute: st.minute.count, Hour: st.hour.count, Day: st.day.count, Tokens: st.tokens.count}
}

// Remaining returns the headroom left in each window.
func (l *Limiter) Remaining(principal string) Capacities {
	u := l.Usage(principal)
	return Capacities{
		Minute: remainingOf(l.cfg.RequestsPerMinute, u.Minute),
		Hour:   remainingOf(l.cfg.RequestsPerHour, u.Hour),
		Day:     remainingOf(l.cfg.RequestsPerDay, u.Day),
		Tokens: remainingOf(l.cfg.TokensPerDay, u.Tokens),
	}
}

func remainingOf(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}

// Reset clears all counters for principal.
func (l *Limiter) Reset(principal string) {
	st := l.store.state(principal)
	st.mu.Lock()
	st.minute = window{}
	st.hour = window{}
	st.day = window{}
	st.tokens = window{}
	st.mu.Unlock()
	l.store.persist(principal, st)
}

// CheckThreshold reports whether any window's usage has crossed ratio of
// its limit (e.g. 0.8 for an 80% early-warning event).
func (l *Limiter) CheckThreshold(principal string, ratio float64) *ThresholdEvent {
	u := l.Usage(principal)
	if ev := thresholdOf("minute", u.Minute, l.cfg.RequestsPerMinute, ratio); ev != nil {
		return ev
	}
	if ev := thresholdOf("hour", u.Hour, l.cfg.RequestsPerHour, ratio); ev != nil {
		return ev
	}
	if ev := thresholdOf("day", u.Day, l.cfg.RequestsPerDay, ratio); ev != nil {
		return ev
	}
	if ev := thresholdOf("tokens", u.Tokens, l.cfg.TokensPerDay, ratio); ev != nil {
		return ev
	}
	return nil
}

func thresholdOf(name string, current, limit int64, ratio float64) *ThresholdEvent {
	if limit <= 0 {
		return nil
	}
	if float64(current) >= float64(limit)*ratio {
		return &ThresholdEvent{Window: name, Current: current, Limit: limit}
	}
	return nil
}

// GlobalStats aggregates usage across every principal seen by this
// Limiter's in-memory store. For any other Store (e.g. Redis-backed) it
// returns nil, since those don't enumerate keys cheaply.
func (l *Limiter) GlobalStats() map[string]Counters {
	ms, ok := l.store.(*memoryStore)
	if !ok {
		return nil
	}
	ms.mu.RLock()
	principals := make([]string, 0, len(ms.byPrincipal))
	for p := range ms.byPrincipal {
		principals = append(principals, p)
	}
	ms.mu.RUnlock()

	out := make(map[string]Counters, len(principals))
	for _, p := range principals {
		out[p] = l.Usage(p)
	}
	return out
}

