package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	defaultGlobalRPS           = 20
	defaultClientRPS           = 2
	defaultMaxClients          = 1000
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = time.Hour
	retryAfterSeconds          = 1
)

type (
	// RateLimiter decides whether a request from clientID may proceed.
	RateLimiter interface {
		Allow(clientID string) bool
	}

	// InMemoryRateLimiter applies a global token bucket and one bucket per client
	// address. Idle client buckets are dropped periodically.
	InMemoryRateLimiter struct {
		global    *rate.Limiter
		perClient map[string]*clientLimiter
		mu        sync.Mutex
		done      chan struct{}
		closeOnce sync.Once
		wg        sync.WaitGroup

		clientRPS   int
		clientBurst int
		idleTimeout time.Duration
		maxClients  int
		now         func() time.Time
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}
)

// NewInMemoryRateLimiter creates a rate limiter and starts its cleanup goroutine.
// Call Close to stop it.
func NewInMemoryRateLimiter(cfg *Config) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		perClient:   make(map[string]*clientLimiter),
		done:        make(chan struct{}),
		clientRPS:   cfg.ClientRPS,
		clientBurst: computeBurstCapacity(cfg.ClientRPS, cfg.ClientBurst),
		idleTimeout: cfg.IdleTimeout,
		maxClients:  cfg.MaxClients,
		now:         time.Now,
	}

	if rl.idleTimeout <= 0 {
		rl.idleTimeout = rateLimiterIdleTimeout
	}

	if rl.maxClients <= 0 {
		rl.maxClients = defaultMaxClients
	}

	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = rateLimiterCleanupInterval
	}

	rl.wg.Add(1)

	go rl.runCleanup(interval)

	return rl
}

// computeBurstCapacity returns burstOverride when set, otherwise twice the rate.
func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow checks the global bucket first, then the client's own bucket. When the client
// table is full, unknown clients are rejected until idle entries expire.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.perClient[clientID]
	if !ok {
		if len(rl.perClient) >= rl.maxClients {
			slog.Warn("Rate limiter client table full, rejecting new client",
				slog.Int("max_clients", rl.maxClients),
			)

			return false
		}

		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst)}
		rl.perClient[clientID] = cl
	}

	cl.lastAccess = rl.now()

	return cl.limiter.Allow()
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		close(rl.done)
	})

	rl.wg.Wait()

	return nil
}

func (rl *InMemoryRateLimiter) runCleanup(interval time.Duration) {
	defer rl.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.done:
			return
		}
	}
}

// cleanup removes client buckets idle for longer than the idle timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, cl := range rl.perClient {
		if now.Sub(cl.lastAccess) > rl.idleTimeout {
			delete(rl.perClient, clientID)
		}
	}
}

// clientAddress returns the host part of the request's remote address.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// RateLimit returns a middleware that answers 429 when limiter rejects the client.
// Public paths are never limited so probes keep working under load.
func RateLimit(limiter RateLimiter, public PublicPaths, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public.Contains(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			client := clientAddress(r)

			if !limiter.Allow(client) {
				logger.Warn("Rate limit exceeded",
					slog.String("client", client),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
				writeProblem(w, r, logger, http.StatusTooManyRequests, "Too Many Requests",
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
