package preprocess

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/EduPipe/LeadPipe/internal/config"
)

// Limiter applies a per-sender sliding-window message count with burst
// tolerance, plus an optional global token-bucket guard protecting the
// whole deployment.
type Limiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     int
	senders   map[string][]time.Time
	lastSweep time.Time

	global *rate.Limiter
	now    func() time.Time
}

// NewLimiter creates a limiter from configuration.
func NewLimiter(cfg config.RateLimitConfig, now func() time.Time) *Limiter {
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	limit := cfg.MaxPerWindow
	if limit <= 0 {
		limit = 10
	}
	limit += cfg.Burst

	var global *rate.Limiter
	if cfg.GlobalPerSec > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalPerSec) + 1
		}
		global = rate.NewLimiter(rate.Limit(cfg.GlobalPerSec), burst)
	}

	if now == nil {
		now = time.Now
	}
	return &Limiter{
		window:    window,
		limit:     limit,
		senders:   make(map[string][]time.Time),
		lastSweep: now(),
		global:    global,
		now:       now,
	}
}

// Allow records one message for the sender and reports whether it fits the
// window. A rejected message does not consume a slot, so a replayed
// duplicate cannot double-count.
func (l *Limiter) Allow(senderID string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.senders[senderID], cutoff)
	if len(recent) >= l.limit {
		l.senders[senderID] = recent
		return false
	}
	l.senders[senderID] = append(recent, now)

	if now.Sub(l.lastSweep) > l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}
	return true
}

// Pending returns how many messages the sender has in the current window.
func (l *Limiter) Pending(senderID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(prune(l.senders[senderID], l.now().Add(-l.window)))
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}

// sweep drops senders with no activity in the window. Caller holds the lock.
func (l *Limiter) sweep(cutoff time.Time) {
	for id, stamps := range l.senders {
		if recent := prune(stamps, cutoff); len(recent) == 0 {
			delete(l.senders, id)
		} else {
			l.senders[id] = recent
		}
	}
}
