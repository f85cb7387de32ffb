package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

// maxTrackedClients bounds the per-client limiter map; beyond it the oldest
// idle buckets are pruned.
const maxTrackedClients = 1000

// Limiter is the token-bucket admission gate. In per-client mode each
// identified client gets its own bucket; the global bucket covers calls with
// no client identity. Internal faults fail open.
type Limiter struct {
	global    *rate.Limiter
	perClient bool
	rpm       int
	burst     int
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterOptions configures the limiter.
type LimiterOptions struct {
	RequestsPerMinute int
	Burst             int
	PerClient         bool
}

func NewLimiter(opts LimiterOptions, logger *slog.Logger) *Limiter {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 60
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Limiter{
		global:    rate.NewLimiter(perMinute(opts.RequestsPerMinute), opts.Burst),
		perClient: opts.PerClient,
		rpm:       opts.RequestsPerMinute,
		burst:     opts.Burst,
		logger:    logger,
		clients:   make(map[string]*clientBucket),
	}
}

func perMinute(rpm int) rate.Limit {
	return rate.Limit(float64(rpm) / 60.0)
}

// Allow admits or rejects one call for the client. Rejections carry a
// retryAfter hint in seconds.
func (l *Limiter) Allow(clientID string) error {
	if l == nil || l.global == nil {
		// Limiter misconfiguration must not take the bridge down.
		return nil
	}

	if l.perClient && clientID != "" {
		// One noisy client drains only its own bucket.
		if !l.bucket(clientID).Allow() {
			return l.reject(clientID)
		}
		return nil
	}

	if !l.global.Allow() {
		return l.reject("global")
	}
	return nil
}

func (l *Limiter) reject(scope string) error {
	l.logger.Warn("rate limit exceeded", "scope", scope)
	retryAfter := 60.0 / float64(l.rpm)
	return qerr.New(qerr.KindRateLimited, "rate limit exceeded").
		WithDetails(map[string]interface{}{"retryAfter": retryAfter})
}

func (l *Limiter) bucket(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[clientID]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.pruneLocked()
		}
		b = &clientBucket{limiter: rate.NewLimiter(perMinute(l.rpm), l.burst)}
		l.clients[clientID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// pruneLocked drops buckets idle for over an hour, then the oldest half if
// the map is still full.
func (l *Limiter) pruneLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for id, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, id)
		}
	}
	if len(l.clients) < maxTrackedClients {
		return
	}
	var oldest string
	for len(l.clients) >= maxTrackedClients/2 {
		oldest = ""
		var oldestAt time.Time
		for id, b := range l.clients {
			if oldest == "" || b.lastSeen.Before(oldestAt) {
				oldest = id
				oldestAt = b.lastSeen
			}
		}
		delete(l.clients, oldest)
	}
}
