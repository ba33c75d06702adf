// Package throttle provides per-key rate limiting for authentication
// attempts, so a credential-stuffing run against one account cannot also
// burn CPU on hash verification.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the limiter settings.
type Config struct {
	// Rate is the sustained attempts-per-second allowance per key.
	Rate rate.Limit
	// Burst is the instantaneous allowance per key.
	Burst int
	// CleanupInterval controls how often idle per-key limiters are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig allows 5 attempts at once and one attempt every 5 seconds
// sustained, per key.
func DefaultConfig() Config {
	return Config{
		Rate:            rate.Limit(0.2),
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
	}
}

type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter manages one token bucket per key (typically a normalized email).
type Limiter struct {
	config Config

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New starts a Limiter and its background cleanup of idle entries.
func New(config Config) *Limiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	l := &Limiter{
		config:   config,
		limiters: make(map[string]*keyLimiter),
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow reports whether an attempt for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(l.config.Rate, l.config.Burst)}
		l.limiters[key] = kl
	}
	kl.lastAccess = time.Now()
	return kl.limiter.Allow()
}

// Len reports the number of tracked keys, for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	ttl := l.config.CleanupInterval * 2
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, kl := range l.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(l.limiters, key)
		}
	}
}
