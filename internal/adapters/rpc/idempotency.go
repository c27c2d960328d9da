package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	idempotencyHeader     = "X-CBAL-Idempotency-Key"
	idempotencyTTL        = 10 * time.Minute
	idempotencyMaxEntries = 1024
)

// forwardOutcome is the response a forward produced, replayed verbatim for a
// retry carrying the same idempotency key.
type forwardOutcome struct {
	status int
	body   any
}

type idempotencyEntry struct {
	requestHash string
	outcome     forwardOutcome
}

// idempotencyCache remembers every forward outcome that reached the ledger,
// so a client retrying after a lost response or a confirmation timeout gets
// the original signature instead of a second submission.
type idempotencyCache struct {
	entries *expirable.LRU[string, idempotencyEntry]
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: expirable.NewLRU[string, idempotencyEntry](idempotencyMaxEntries, nil, idempotencyTTL)}
}

// get reports the cached outcome, whether it was found, and whether the key
// was reused for a different request.
func (c *idempotencyCache) get(cacheKey, requestHash string) (forwardOutcome, bool, bool) {
	entry, ok := c.entries.Get(cacheKey)
	if !ok {
		return forwardOutcome{}, false, false
	}
	if entry.requestHash != requestHash {
		return forwardOutcome{}, false, true
	}
	return entry.outcome, true, false
}

func (c *idempotencyCache) set(cacheKey, requestHash string, outcome forwardOutcome) {
	c.entries.Add(cacheKey, idempotencyEntry{requestHash: requestHash, outcome: outcome})
}

func idempotencyKey(raw, clientKey string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return clientKey + "|" + key
}

func requestHash(transaction string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(transaction)))
	return hex.EncodeToString(sum[:])
}
