// Package ratelimiter throttles relayer API callers with one token bucket per
// client. Buckets for clients that go quiet expire and are rebuilt full.
package ratelimiter

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// DefaultMaxClients bounds how many client buckets are tracked at once. The
// least recently seen client is dropped first.
const DefaultMaxClients = 4096

type ClientLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// New returns nil, which allows everything, when rps or burst is not positive.
func New(rps float64, burst int, idleTTL time.Duration) *ClientLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ClientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](DefaultMaxClients, nil, idleTTL),
	}
}

// Allow consumes one token for client at now. When the bucket is empty it
// reports how long until a token is available.
func (l *ClientLimiter) Allow(client string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	client = strings.TrimSpace(client)
	if client == "" {
		return true, 0
	}

	l.mu.Lock()
	bucket, ok := l.buckets.Get(client)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
	}
	// Re-adding refreshes the idle deadline.
	l.buckets.Add(client, bucket)
	l.mu.Unlock()

	res := bucket.ReserveN(now, 1)
	if !res.OK() {
		return false, 0
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// ClientKey identifies the caller of r: the credential when present,
// otherwise the remote host.
func ClientKey(r *http.Request, credential string) string {
	if credential = strings.TrimSpace(credential); credential != "" {
		return "token:" + credential
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	switch {
	case err == nil && host != "":
		return "ip:" + host
	case err != nil && strings.TrimSpace(r.RemoteAddr) != "":
		return "ip:" + strings.TrimSpace(r.RemoteAddr)
	default:
		return "ip:unknown"
	}
}
