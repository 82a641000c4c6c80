package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/crud-api/internal/httperr"
	"github.com/keithlinneman/crud-api/internal/httpmw"
)

// newLimiter uses a slow refill so buckets do not recover mid-test.
func newLimiter(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, append([]Option{WithRate(0.001, 3), WithTTL(time.Hour)}, opts...)...)
}

func TestNew_Defaults(t *testing.T) {
	l := newLimiter(t)
	d := New(context.Background())
	assert.Equal(t, time.Hour, l.ttl)
	assert.EqualValues(t, DefaultRate, d.perSecond)
	assert.Equal(t, DefaultBurst, d.burst)
	assert.Equal(t, DefaultTTL, d.ttl)
	assert.Equal(t, DefaultMaxVisitors, d.maxVisitors)
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := newLimiter(t)
	for i := 0; i < 3; i++ {
		require.Truef(t, l.allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, l.allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.allow("10.0.0.2"), "other addresses have their own bucket")
}

func TestAllow_Refills(t *testing.T) {
	l := newLimiter(t, WithRate(20, 1))
	require.True(t, l.allow("10.0.0.1"))
	require.False(t, l.allow("10.0.0.1"))
	time.Sleep(80 * time.Millisecond)
	assert.True(t, l.allow("10.0.0.1"))
}

func TestAllow_DenialCallbacks(t *testing.T) {
	var first, every []string
	l := newLimiter(t,
		WithOnFirstDenied(func(ip string) { first = append(first, ip) }),
		WithOnDenied(func(ip string) { every = append(every, ip) }),
	)

	for i := 0; i < 6; i++ {
		l.allow("10.0.0.1")
	}
	for i := 0; i < 5; i++ {
		l.allow("10.0.0.2")
	}

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, first)
	assert.Len(t, every, 5)
}

func TestEvictIdle(t *testing.T) {
	var first int
	l := newLimiter(t, WithOnFirstDenied(func(string) { first++ }))

	for i := 0; i < 4; i++ {
		l.allow("10.0.0.1")
	}
	l.allow("10.0.0.2")
	require.Equal(t, 1, first)

	// only the stale entry goes
	l.mu.Lock()
	l.visitors["10.0.0.1"].lastSeen = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()
	l.evictIdle(time.Now())

	l.mu.Lock()
	_, stale := l.visitors["10.0.0.1"]
	_, fresh := l.visitors["10.0.0.2"]
	l.mu.Unlock()
	assert.False(t, stale)
	assert.True(t, fresh)

	// a returning visitor gets a fresh bucket and a fresh first-denial
	for i := 0; i < 4; i++ {
		l.allow("10.0.0.1")
	}
	assert.Equal(t, 2, first)
}

func TestEvictLoop_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(ctx, WithTTL(10*time.Millisecond))
	l.allow("10.0.0.1")

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.visitors) == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
}

func TestMaxVisitors(t *testing.T) {
	var capacity, denied int
	l := newLimiter(t,
		WithMaxVisitors(2),
		WithOnCapacity(func() { capacity++ }),
		WithOnDenied(func(string) { denied++ }),
	)

	require.True(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.2"))
	assert.False(t, l.allow("10.0.0.3"), "new address rejected at capacity")
	assert.False(t, l.allow("10.0.0.4"))
	assert.True(t, l.allow("10.0.0.1"), "known address still served")
	assert.Equal(t, 1, capacity, "capacity reported once")
	assert.Equal(t, 2, denied)

	l.mu.Lock()
	l.visitors["10.0.0.2"].lastSeen = time.Now().Add(-2 * time.Hour)
	l.mu.Unlock()
	l.evictIdle(time.Now())

	assert.True(t, l.allow("10.0.0.3"), "eviction frees a slot")
	assert.False(t, l.allow("10.0.0.5"))
	assert.Equal(t, 2, capacity, "refilling the table reports again")
}

func TestMaxVisitors_ZeroIsUnbounded(t *testing.T) {
	l := newLimiter(t, WithMaxVisitors(0))
	for i := 0; i < 500; i++ {
		require.True(t, l.allow("10.0."+strconv.Itoa(i/256)+"."+strconv.Itoa(i%256)))
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l := newLimiter(t, WithRate(0.001, 1), WithMaxVisitors(50))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.allow("10.1.0." + strconv.Itoa(i%50)) {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 50, allowed.Load(), "one token per address")
}

func serveFrom(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/items", nil)
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	l := newLimiter(t, WithRate(0.001, 1))
	var reached int
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached++
		w.WriteHeader(http.StatusCreated)
	}))

	assert.Equal(t, http.StatusCreated, serveFrom(h, "203.0.113.1").Code)

	rec := serveFrom(h, "203.0.113.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"RATE_LIMITED"`)
	assert.NotContains(t, rec.Body.String(), "limit_bytes")

	assert.Equal(t, http.StatusCreated, serveFrom(h, "203.0.113.2").Code)
	assert.Equal(t, 2, reached, "denied request must not reach the handler")
}

func TestMiddleware_UnknownClientsShareBucket(t *testing.T) {
	l := newLimiter(t, WithRate(0.001, 1))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	assert.Equal(t, http.StatusOK, serveFrom(h, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "").Code)
}

func TestMiddleware_ReportsThroughTranslator(t *testing.T) {
	l := newLimiter(t, WithRate(0.001, 1))

	var pending error
	observe := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			pending = httperr.Pending(r.Context())
		})
	}
	h := httperr.Translator(nil, nil)(observe(l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))))

	serveFrom(h, "203.0.113.9")
	rec := serveFrom(h, "203.0.113.9")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, httperr.StatusOf(pending))
	assert.Equal(t, RetryAfterSeconds, rec.Header().Get("Retry-After"))
}

func TestNew_NonPositiveTTLUsesDefault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, ttl := range []time.Duration{0, -time.Second} {
		var l *IPLimiter
		require.NotPanics(t, func() { l = New(ctx, WithTTL(ttl)) }, "ttl %v", ttl)
		assert.Equal(t, DefaultTTL, l.ttl, "ttl %v", ttl)
	}
}

func TestEvictLoop_TinyTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := New(ctx, WithTTL(time.Nanosecond))
	l.allow("10.0.0.1")

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.visitors) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	assert.Nil(t, Stage(ctx, 0, DefaultBurst), "zero rate disables the stage")
	assert.Nil(t, Stage(ctx, -1, DefaultBurst))

	mw := Stage(ctx, 0.001, 2)
	require.NotNil(t, mw)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, serveFrom(h, "10.0.0.9").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
