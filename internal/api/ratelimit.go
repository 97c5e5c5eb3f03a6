package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// Operation weights. File transfers move whole database images through
// the pool, so they draw more from a client's budget than metadata
// calls do.
const (
	costDefault  = 1
	costTransfer = 4
)

// budgetTTL is how long an idle client's budget is kept before it is
// swept away.
const budgetTTL = 5 * time.Minute

// clientBudget tracks one client's remaining request tokens.
type clientBudget struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter enforces a per-client token budget over the management
// surface. Tokens refill continuously up to the burst size; stale
// budgets are swept inline rather than by a background goroutine.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBudget
	rate    float64 // tokens per second
	burst   float64
	sweepAt time.Time
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rate := float64(config.RequestsPerMinute) / 60.0
	if rate <= 0 {
		rate = 1.0 / 60.0
	}
	burst := float64(config.BurstSize)
	if burst < costTransfer {
		// The budget must admit at least one transfer.
		burst = costTransfer
	}
	return &RateLimiter{
		clients: make(map[string]*clientBudget),
		rate:    rate,
		burst:   burst,
		sweepAt: time.Now().Add(budgetTTL),
	}
}

// take draws cost tokens from the client's budget. It reports whether
// the request may proceed, how many default-cost requests remain, and
// how long the client must wait before this request would fit.
func (rl *RateLimiter) take(client string, cost float64) (ok bool, remaining int, retry time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweep(now)

	b := rl.clients[client]
	if b == nil {
		b = &clientBudget{tokens: rl.burst}
		rl.clients[client] = b
	} else {
		b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.rate)
	}
	b.lastSeen = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, int(b.tokens), 0
	}
	wait := time.Duration((cost - b.tokens) / rl.rate * float64(time.Second))
	return false, int(b.tokens), wait
}

// sweep drops budgets idle past the TTL. Runs at most once per TTL.
// Callers hold rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Before(rl.sweepAt) {
		return
	}
	for client, b := range rl.clients {
		if now.Sub(b.lastSeen) > budgetTTL {
			delete(rl.clients, client)
		}
	}
	rl.sweepAt = now.Add(budgetTTL)
}

// Allow reports whether a default-cost request from the client should
// be admitted.
func (rl *RateLimiter) Allow(client string) bool {
	ok, _, _ := rl.take(client, costDefault)
	return ok
}

// costFor weighs a request against the client budget.
func costFor(r *http.Request) float64 {
	if _, op := poolOperation(r); op == "import" || op == "export" {
		return costTransfer
	}
	return costDefault
}

// Middleware returns an HTTP middleware that applies the budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, retry := rl.take(getClientIP(r), costFor(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(rl.rate*60)))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !ok {
			retryAfter := int(retry.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP resolves the originating client address, trusting the
// forwarding headers only when they parse as addresses.
func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// Leftmost entry is the original client.
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" && net.ParseIP(real) != nil {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) != nil {
		return host
	}
	return "unknown"
}
