package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	defaultMaxClients          = 1000
	defaultGlobalRPS           = 100
	defaultClientRPS           = 50
	defaultUnAuthRPS           = 10
	thresholdPercentage        = 80
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed. clientID is the API key id of an
	// authenticated request and "" otherwise.
	RateLimiter interface {
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter is a single-process RateLimiter built on token buckets. The global
	// bucket is checked first, then the bucket of the key or the shared unauthenticated one.
	// Idle per-key buckets are dropped by a background sweep until Close.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		unauthenticated *rate.Limiter

		mu        sync.RWMutex
		perClient map[string]*clientLimiter

		clientRPS   int
		clientBurst int
		idleTimeout time.Duration
		maxClients  int
		logger      *slog.Logger

		cleanupTicker *time.Ticker
		done          chan struct{}
		closeOnce     sync.Once
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		mu         sync.Mutex
		lastAccess time.Time
	}
)

// NewInMemoryRateLimiter starts a limiter configured by cfg. Call Close to stop its sweep.
func NewInMemoryRateLimiter(cfg *Config, logger *slog.Logger) *InMemoryRateLimiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		unauthenticated: rate.NewLimiter(rate.Limit(cfg.UnAuthRPS), computeBurstCapacity(cfg.UnAuthRPS, cfg.UnAuthBurst)),
		perClient:       make(map[string]*clientLimiter),
		clientRPS:       cfg.ClientRPS,
		clientBurst:     computeBurstCapacity(cfg.ClientRPS, cfg.ClientBurst),
		idleTimeout:     orDefault(cfg.IdleTimeout, rateLimiterIdleTimeout),
		maxClients:      cfg.MaxClients,
		logger:          logger,
		done:            make(chan struct{}),
	}

	if rl.maxClients <= 0 {
		rl.maxClients = defaultMaxClients
	}

	rl.cleanupTicker = time.NewTicker(orDefault(cfg.CleanupInterval, rateLimiterCleanupInterval))

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup(time.Now())
			case <-rl.done:
				return
			}
		}
	}()

	return rl
}

func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}

	return d
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.unauthenticated.Allow()
	}

	cl := rl.clientLimiter(clientID)

	cl.mu.Lock()
	cl.lastAccess = time.Now()
	cl.mu.Unlock()

	return cl.limiter.Allow()
}

func (rl *InMemoryRateLimiter) clientLimiter(clientID string) *clientLimiter {
	rl.mu.RLock()
	cl, ok := rl.perClient[clientID]
	rl.mu.RUnlock()

	if ok {
		return cl
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if cl, ok = rl.perClient[clientID]; ok {
		return cl
	}

	cl = &clientLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
		lastAccess: time.Now(),
	}
	rl.perClient[clientID] = cl

	if count := len(rl.perClient); count*100 >= rl.maxClients*thresholdPercentage {
		rl.logger.Warn("Rate limiter approaching max clients",
			slog.Int("current_clients", count),
			slog.Int("max_clients", rl.maxClients),
		)
	}

	return cl
}

// cleanup drops limiters idle for longer than the idle timeout.
func (rl *InMemoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, cl := range rl.perClient {
		cl.mu.Lock()
		idle := now.Sub(cl.lastAccess)
		cl.mu.Unlock()

		if idle > rl.idleTimeout {
			delete(rl.perClient, clientID)
		}
	}
}

// Close stops the background sweep. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.done)
	})

	return nil
}

// RateLimit rejects requests over the limit with a 429 problem response. It must run after
// Authenticate so authenticated requests are limited per key.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if client, ok := GetClientContext(r.Context()); ok {
				clientID = client.KeyID
			}

			if !limiter.Allow(clientID) {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, r, logger, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
