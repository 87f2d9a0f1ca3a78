// Package ratelimit provides keyed token-bucket rate limiting for the API
// surface. Buckets are scoped per authenticated user and per client IP,
// created lazily on first sight and evicted after an idle period so the
// bucket table does not grow without bound during an enrollment rush.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/enrollware/enroll-core/internal/infrastructure/logging"
)

// Scope identifies which bucket family a key belongs to.
type Scope string

const (
	// ScopeUser buckets are keyed by user ID and gate authenticated calls.
	ScopeUser Scope = "user"

	// ScopeIP buckets are keyed by client IP and gate unauthenticated
	// calls (login, registration).
	ScopeIP Scope = "ip"

	// ScopeTOTP buckets are keyed by user ID and count failed TOTP
	// attempts; an empty bucket locks the user out of stage 2.
	ScopeTOTP Scope = "totp"
)

// Config carries the per-scope bucket parameters.
type Config struct {
	UserCapacity     int
	UserRefillPerMin int
	IPCapacity       int
	IPRefillPerMin   int

	// TOTPFailCapacity is how many bad TOTP codes a user may present
	// before stage 2 locks them out; TOTPFailRefillPerMin is how fast
	// the allowance recovers. Both default to 3.
	TOTPFailCapacity     int
	TOTPFailRefillPerMin int

	// BucketIdle is how long an untouched bucket survives before the
	// janitor evicts it.
	BucketIdle time.Duration
}

// janitorInterval is how often idle buckets are swept.
const janitorInterval = time.Minute

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter maintains one token bucket per (scope, key) pair.
//
// Thread Safety: safe for concurrent use. The map is guarded by a mutex;
// the buckets themselves are internally synchronised.
type Limiter struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	buckets map[string]*entry
}

// New creates a Limiter. Call Run to start idle-bucket eviction.
func New(cfg Config, logger *logging.Logger) *Limiter {
	if cfg.BucketIdle <= 0 {
		cfg.BucketIdle = 10 * time.Minute
	}
	if cfg.TOTPFailCapacity <= 0 {
		cfg.TOTPFailCapacity = 3
	}
	if cfg.TOTPFailRefillPerMin <= 0 {
		cfg.TOTPFailRefillPerMin = 3
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
		buckets: make(map[string]*entry),
	}
}

// Allow consumes one token from the bucket for (scope, key). When the
// bucket is empty it reports false plus how long the caller should wait
// before retrying.
func (l *Limiter) Allow(scope Scope, key string) (bool, time.Duration) {
	e := l.bucket(scope, key)

	if e.lim.Allow() {
		return true, 0
	}

	// Reserve tells us when the next token lands; cancel so the probe
	// doesn't consume it.
	res := e.lim.Reserve()
	retryAfter := res.Delay()
	res.Cancel()

	return false, retryAfter
}

// RecordTOTPFailure charges one failed TOTP attempt against the user and
// reports whether the user is now locked out, and for how long. Successful
// attempts are never charged; the allowance recovers as the bucket refills.
func (l *Limiter) RecordTOTPFailure(userID string) (bool, time.Duration) {
	ok, retryAfter := l.Allow(ScopeTOTP, userID)
	return !ok, retryAfter
}

// Run sweeps idle buckets until the context is cancelled. Intended to be
// started once alongside the API server.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := l.evictIdle(time.Now()); evicted > 0 {
				l.logger.Debug("evicted idle rate-limit buckets", "count", evicted)
			}
		}
	}
}

// bucket returns the bucket for (scope, key), creating it on first use.
func (l *Limiter) bucket(scope Scope, key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	mapKey := string(scope) + ":" + key
	e, ok := l.buckets[mapKey]
	if !ok {
		capacity, refill := l.params(scope)
		e = &entry{
			lim: rate.NewLimiter(rate.Limit(float64(refill)/60.0), capacity),
		}
		l.buckets[mapKey] = e
	}
	e.lastSeen = time.Now()
	return e
}

// params returns (capacity, refill per minute) for a scope.
func (l *Limiter) params(scope Scope) (int, int) {
	switch scope {
	case ScopeIP:
		return l.cfg.IPCapacity, l.cfg.IPRefillPerMin
	case ScopeTOTP:
		return l.cfg.TOTPFailCapacity, l.cfg.TOTPFailRefillPerMin
	default:
		return l.cfg.UserCapacity, l.cfg.UserRefillPerMin
	}
}

// evictIdle drops buckets untouched for longer than the idle window and
// returns how many were removed.
func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.cfg.BucketIdle {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// size reports the current bucket count (for tests and stats).
func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientIP extracts the client address for IP-scoped limiting. The first
// entry of X-Forwarded-For wins when present (the service is expected to
// sit behind a trusted proxy); otherwise the connection's remote address
// is used.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
