package api

import (
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"listing-aggregator/utils"
)

// RateRule limits requests under a path prefix to Requests per Window for
// each client.
type RateRule struct {
	Prefix   string
	Requests int
	Window   time.Duration
}

// DefaultRateRules are the limits of the public API.
var DefaultRateRules = []RateRule{
	{Prefix: "/api/v1/listings", Requests: 2, Window: 5 * time.Minute},
	{Prefix: "/api/v1/thumbnails", Requests: 100, Window: time.Minute},
}

type rateEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter keeps one token bucket per client, user agent and path.
type RateLimiter struct {
	rules  []RateRule
	expiry time.Duration
	logger *utils.Logger
	now    func() time.Time

	mu        sync.Mutex
	entries   map[string]*rateEntry
	lastSweep time.Time
}

// NewRateLimiter creates a RateLimiter. Entries idle for longer than the
// longest window plus five minutes are dropped.
func NewRateLimiter(rules []RateRule, logger *utils.Logger) *RateLimiter {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	var longest time.Duration
	for _, r := range rules {
		if r.Window > longest {
			longest = r.Window
		}
	}
	return &RateLimiter{
		rules:   rules,
		expiry:  longest + 5*time.Minute,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*rateEntry),
	}
}

// Middleware rejects requests without a client address or user agent and
// answers 429 with a Retry-After once a client exceeds its rule.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ua := r.Header.Get("User-Agent")
		if ip == "" || ua == "" {
			forbidden(w)
			return
		}

		rule, ok := rl.ruleFor(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if wait := rl.reserve(ip+"|"+ua+"|"+r.URL.Path, rule); wait > 0 {
			retryAfter := int(math.Ceil(wait.Seconds()))
			rl.logger.Warn("[api] rate limited %s on %s, retry in %ds", ip, r.URL.Path, retryAfter)
			rateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) ruleFor(path string) (RateRule, bool) {
	for _, r := range rl.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return RateRule{}, false
}

// reserve takes a token for key and returns how long the client has to
// wait when none is available.
func (rl *RateLimiter) reserve(key string, rule RateRule) time.Duration {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > time.Minute {
		rl.sweepLocked(now)
	}

	e, ok := rl.entries[key]
	if !ok {
		interval := rule.Window / time.Duration(rule.Requests)
		e = &rateEntry{limiter: rate.NewLimiter(rate.Every(interval), rule.Requests)}
		rl.entries[key] = e
	}
	e.seen = now

	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return rule.Window
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait
	}
	return 0
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, e := range rl.entries {
		if now.Sub(e.seen) > rl.expiry {
			delete(rl.entries, key)
		}
	}
	rl.lastSweep = now
}

// Len returns how many clients are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// clientIP reads the address set by middleware.RealIP, dropping any port.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
