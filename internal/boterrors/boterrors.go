// Package boterrors implements the error taxonomy the control loop and
// supervisor branch on: not Go types, but a small set of recognizable kinds
// so a transient network blip, a rate-limit trip, and an uncaught panic are
// handled differently without type-switching on concrete error values.
package boterrors

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Kind names one bucket of the taxonomy.
type Kind int

const (
	Network Kind = iota
	RateLimited
	Stale
	Rejected
	Configuration
	Internal
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "transient.network"
	case RateLimited:
		return "transient.rate_limited"
	case Stale:
		return "transient.stale"
	case Rejected:
		return "permanent.rejected"
	case Configuration:
		return "permanent.configuration"
	case Internal:
		return "fatal.internal"
	default:
		return "unknown"
	}
}

// Transient reports whether the kind should be retried on the next tick.
func (k Kind) Transient() bool {
	return k == Network || k == RateLimited || k == Stale
}

// BotError wraps an underlying error with a taxonomy kind.
type BotError struct {
	Kind Kind
	Err  error
}

func (e *BotError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BotError) Unwrap() error { return e.Err }

// New wraps err under the given kind.
func New(kind Kind, err error) *BotError {
	return &BotError{Kind: kind, Err: err}
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var be *BotError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

var rateLimitMarkers = []string{"429", "rate limit", "too many request"}

// IsRateLimited does a case-insensitive substring match against a venue
// error message for the markers spec §4.5.9 names as rate-limit signals.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RateLimitDelay computes the backoff delay for the given retry attempt
// (0-indexed): min(base * 2^attempt, cap).
func RateLimitDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// LogThrottle rate-limits hot-loop error logging to at most once per window
// per (symbol, kind), so a stuck venue call can't flood the log.
type LogThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewLogThrottle creates a throttle with the given minimum gap between log
// lines for the same (symbol, kind) pair.
func NewLogThrottle(window time.Duration) *LogThrottle {
	return &LogThrottle{
		window:   window,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a log line for (symbol, kind) should be emitted now,
// and records the emission if so.
func (t *LogThrottle) Allow(symbol string, kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := symbol + "|" + kind.String()
	now := t.now()
	if last, ok := t.lastSeen[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.lastSeen[key] = now
	return true
}
