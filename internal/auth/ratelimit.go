package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"golang.org/x/time/rate"
)

const (
	// loginFailureWindow and loginMaxFailures allow ten failed logins per
	// IP, refilling one every thirty seconds.
	loginFailureWindow = 5 * time.Minute
	loginMaxFailures   = 10

	// limiterPruneThreshold is the number of tracked IPs above which
	// idle entries are dropped.
	limiterPruneThreshold = 1000

	// registrationsPerMinute caps unauthenticated /oauth/register calls.
	registrationsPerMinute = 10
)

// failureLimiter tracks failed attempts per IP with a token bucket.
// Only failures spend tokens; an IP is blocked while its bucket is empty.
type failureLimiter struct {
	mu      sync.Mutex
	buckets map[string]*failureBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type failureBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newFailureLimiter(window time.Duration, maxFailures int) *failureLimiter {
	return &failureLimiter{
		buckets: make(map[string]*failureBucket),
		limit:   rate.Every(window / time.Duration(maxFailures)),
		burst:   maxFailures,
		now:     time.Now,
	}
}

// blocked reports whether ip has used up its failures.
func (l *failureLimiter) blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		return false
	}

	return b.lim.TokensAt(l.now()) < 1
}

// record spends one failure for ip.
func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.buckets) > limiterPruneThreshold {
		l.prune(now)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &failureBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}

	b.lastSeen = now
	b.lim.AllowN(now, 1)
}

// prune drops buckets that have fully refilled.
func (l *failureLimiter) prune(now time.Time) {
	for ip, b := range l.buckets {
		if b.lim.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, ip)
		}
	}
}

// writeRateLimited answers a request from a blocked IP.
func writeRateLimited(w http.ResponseWriter) {
	http.Error(w, gwerrors.ErrRateLimited.Error()+", try again later", http.StatusTooManyRequests)
}

// newRegistrationLimiter returns the global registration limiter.
func newRegistrationLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Minute/registrationsPerMinute), registrationsPerMinute)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
