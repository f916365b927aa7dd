// Package ratelimit provides per-message-type token-bucket rate limiting for
// inbound WebSocket traffic on the rendezvous. It guards against a single
// socket flooding the session table.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// Limit defines the rate limit parameters for a single message type.
type Limit struct {
	MaxBurst       int
	RefillInterval time.Duration
}

// DefaultLimits returns sensible per-type limits for the rendezvous signaling
// path: offers and TOTP attempts are rare and expensive, ICE candidates
// arrive in legitimate bursts during gathering, heartbeats are periodic.
func DefaultLimits() map[wsmsg.Type]Limit {
	return map[wsmsg.Type]Limit{
		wsmsg.TypeRegisterHost: {MaxBurst: 2, RefillInterval: 5 * time.Second},
		wsmsg.TypeJoinSession:  {MaxBurst: 5, RefillInterval: 5 * time.Second},
		wsmsg.TypeVerifyTOTP:   {MaxBurst: 5, RefillInterval: 10 * time.Second},
		wsmsg.TypeOffer:        {MaxBurst: 2, RefillInterval: 5 * time.Second},
		wsmsg.TypeAnswer:       {MaxBurst: 2, RefillInterval: 5 * time.Second},
		wsmsg.TypeIceCandidate: {MaxBurst: 30, RefillInterval: 1 * time.Second},
		wsmsg.TypeLeaveSession: {MaxBurst: 5, RefillInterval: 10 * time.Second},
		wsmsg.TypeHeartbeat:    {MaxBurst: 4, RefillInterval: 30 * time.Second},
	}
}

type bucket struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// Limiter is a per-key set of token buckets, one per message type, keyed
// additionally by an arbitrary caller-chosen key (typically the socket or
// session identifier) so that one noisy peer cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	limits  map[wsmsg.Type]Limit
	buckets map[string]map[wsmsg.Type]*bucket
}

// New creates a Limiter with the given per-type limits.
func New(limits map[wsmsg.Type]Limit) *Limiter {
	return &Limiter{
		limits:  limits,
		buckets: make(map[string]map[wsmsg.Type]*bucket),
	}
}

// Allow reports whether a message of the given type from the given key
// should be processed, consuming a token if so.
func (l *Limiter) Allow(key string, t wsmsg.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	perKey, ok := l.buckets[key]
	if !ok {
		perKey = make(map[wsmsg.Type]*bucket)
		l.buckets[key] = perKey
	}

	b, ok := perKey[t]
	if !ok {
		limit, known := l.limits[t]
		if !known {
			limit = Limit{MaxBurst: 10, RefillInterval: 5 * time.Second}
		}
		b = &bucket{tokens: limit.MaxBurst, maxTokens: limit.MaxBurst, refillRate: limit.RefillInterval, lastRefill: time.Now()}
		perKey[t] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if b.refillRate > 0 && elapsed >= b.refillRate && b.tokens < b.maxTokens {
		add := int(elapsed / b.refillRate)
		b.tokens += add
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Forget drops all bucket state for a key, e.g. on socket disconnect.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
