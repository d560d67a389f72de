package httpx

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const anonymousTenant = "anonymous"

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tenantLimiter keeps one token bucket per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *tenantLimiter) allow(tenant string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[tenant]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[tenant] = entry
	}
	entry.lastSeen = l.now()
	l.mu.Unlock()
	return entry.limiter.Allow()
}

// prune drops buckets not used within maxIdle and returns how many were dropped.
func (l *tenantLimiter) prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for tenant, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, tenant)
			removed++
		}
	}
	return removed
}

func (l *tenantLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(HeaderTenant)
		if tenant == "" {
			tenant = anonymousTenant
		}
		if !l.allow(tenant) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  "rate limit exceeded",
				"status": http.StatusTooManyRequests,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
