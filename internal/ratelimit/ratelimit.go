package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/httpmw"
)

// RetryAfterSeconds is advertised on every 429.
const RetryAfterSeconds = "30"

const (
	DefaultRate        = 10
	DefaultBurst       = 30
	DefaultTTL         = 5 * time.Minute
	DefaultMaxVisitors = 100_000
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// denied is set on the first rejection and cleared with the entry
	denied bool
}

// IPLimiter keeps one token bucket per client address and evicts idle ones.
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	full     bool

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int

	// OnFirstDenied fires once per visitor entry, OnDenied on every rejection,
	// OnCapacity once each time the visitor table fills.
	OnFirstDenied func(ip string)
	OnDenied      func(ip string)
	OnCapacity    func()
}

type Option func(*IPLimiter)

// WithRate refills perSecond tokens per second into a bucket holding burst.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) { l.perSecond, l.burst = rate.Limit(perSecond), burst }
}

// WithTTL sets how long an idle address is remembered, <= 0 keeps DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked addresses; unseen addresses are rejected once
// the cap is hit. 0 removes the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxVisitors = n }
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New returns a limiter whose eviction loop runs until ctx is done.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   DefaultRate,
		burst:       DefaultBurst,
		ttl:         DefaultTTL,
		maxVisitors: DefaultMaxVisitors,
	}
	for _, o := range opts {
		o(l)
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	go l.evictLoop(ctx)
	return l
}

// Stage builds the limiter stage, or returns nil when perSecond <= 0 so the
// pipeline runs without it.
func Stage(ctx context.Context, perSecond float64, burst int, opts ...Option) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return nil
	}
	opts = append([]Option{WithRate(perSecond, burst)}, opts...)
	return New(ctx, opts...).Middleware
}

// allow spends a token for ip. Callbacks run after the lock is released.
func (l *IPLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok && l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
		firstFull := !l.full
		l.full = true
		l.mu.Unlock()

		if firstFull && l.OnCapacity != nil {
			l.OnCapacity()
		}
		l.denied(ip, false)
		return false
	}
	if !ok {
		v = &visitor{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	allowed := v.bucket.AllowN(now, 1)
	first := !allowed && !v.denied
	if !allowed {
		v.denied = true
	}
	l.mu.Unlock()

	if !allowed {
		l.denied(ip, first)
	}
	return allowed
}

func (l *IPLimiter) denied(ip string, first bool) {
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	// sweep at half the ttl, never faster than once a millisecond
	tick := time.NewTicker(max(l.ttl/2, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			l.evictIdle(now)
		}
	}
}

// evictIdle drops visitors idle longer than the TTL and reopens the table
// once there is room again.
func (l *IPLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, ip)
		}
	}
	if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
		l.full = false
	}
}

// Middleware rejects requests over the per-ip rate limit with a 429 envelope.
// The rejection is reported like any handler failure so access logs and
// metrics see RATE_LIMITED.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return httperr.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Retry-After", RetryAfterSeconds)
			// no detail about limits, remaining budget, or when the bucket refills
			return httperr.New(http.StatusTooManyRequests, httperr.CodeRateLimited, "Too many requests")
		}
		next.ServeHTTP(w, r)
		return nil
	})
}
