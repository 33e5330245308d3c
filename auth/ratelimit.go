// Package auth covers login rate limiting, credential hashing and the
// generation of verification codes and reset tokens.
package auth

import (
	"fmt"
	"sync"
	"time"
)

const (
	// MaxAttempts is the number of failed logins permitted before lockout.
	MaxAttempts = 5

	// LockoutDuration is how long a key stays locked once the limit is hit.
	LockoutDuration = 15 * time.Minute
)

type attempt struct {
	count       int
	lockedUntil time.Time
}

// RateLimiter tracks login attempts keyed by (username, source address).
// It lives for the process lifetime and is shared across all sessions, so
// every read and update happens under one lock. Contention is low, one
// global lock is plenty.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]attempt

	// now is swappable so lockout expiry can be tested without sleeping.
	now func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]attempt),
		now:      time.Now,
	}
}

// Check records one login attempt for the key and reports whether it may
// proceed, with a client-facing message when it may not. Attempts during an
// active lockout are rejected without consuming an attempt slot; an expired
// lockout is cleared lazily here, on the next attempt.
func (l *RateLimiter) Check(username, addr string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(username, addr)
	current := l.now()

	a, ok := l.attempts[key]
	if !ok {
		l.attempts[key] = attempt{count: 1}
		return true, "Rate limit check passed"
	}

	if !a.lockedUntil.IsZero() {
		if current.Before(a.lockedUntil) {
			remaining := int(a.lockedUntil.Sub(current).Seconds())
			return false, fmt.Sprintf("Too many failed attempts. Try again in %d seconds.", remaining)
		}

		a = attempt{}
	}

	if a.count >= MaxAttempts {
		a.lockedUntil = current.Add(LockoutDuration)
		l.attempts[key] = a
		return false, fmt.Sprintf("Too many failed attempts. Account locked for %d minutes.",
			int(LockoutDuration.Minutes()))
	}

	a.count++
	l.attempts[key] = a

	return true, "Rate limit check passed"
}

// Reset clears the key after a successful login.
func (l *RateLimiter) Reset(username, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(username, addr)
	if _, ok := l.attempts[key]; ok {
		l.attempts[key] = attempt{}
	}
}

func limiterKey(username, addr string) string {
	return username + ":" + addr
}
