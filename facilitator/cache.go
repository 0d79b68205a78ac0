package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// SettlementCache provides idempotency for settle operations by caching
// successful settlement responses and tracking in-flight requests. A settle
// timeout is not safely retryable on its own: the facilitator may have
// committed without the response reaching us, so duplicate attempts for the
// same update must resolve to one settlement.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*cheddr.SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		results:  make(map[string]*cheddr.SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementKey derives the deterministic idempotency key for one channel
// update. Two submissions of the same signed update always map to the same
// key; any change to the update changes its signature and therefore the key.
func SettlementKey(channelID string, sequenceNumber uint64, signature string) string {
	hash := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s", channelID, sequenceNumber, signature))
	return hex.EncodeToString(hash[:])
}

// SettlementStatus represents the result of checking the cache.
type SettlementStatus int

const (
	// StatusNotFound means no cached result and no in-flight request.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a cached result was found.
	StatusCached
	// StatusInFlight means another request is currently settling this update.
	StatusInFlight
)

// CheckAndMark decides, under one lock acquisition, what a settle attempt for
// key should do next. A live receipt wins outright (StatusCached). If another
// caller already owns the settle, the caller gets its wait channel
// (StatusInFlight). Otherwise this caller becomes the owner: the key is
// marked in flight and the returned done channel must be handed to Release
// exactly once.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *cheddr.SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result := c.liveResult(key); result != nil {
		return StatusCached, result, nil
	}
	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// liveResult returns the receipt for key while it is inside the dedup window,
// dropping it once the window has passed. Caller holds c.mu.
func (c *SettlementCache) liveResult(key string) *cheddr.SettleResponse {
	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().Before(expiry) {
		return c.results[key]
	}
	delete(c.results, key)
	delete(c.expiry, key)
	return nil
}

// WaitForResult waits for an in-flight settle to complete, respecting context
// cancellation. Returns the cached result if the settle succeeded, nil if it
// failed without caching a result.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*cheddr.SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the receipt cached under key, or nil when none is live.
func (c *SettlementCache) Get(key string) *cheddr.SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveResult(key)
}

// Put records a successful settlement result for the dedup window.
func (c *SettlementCache) Put(key string, result *cheddr.SettleResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = result
	c.expiry[key] = time.Now().Add(c.ttl)
}

// Release clears the in-flight marker and wakes any waiters. Must be called
// exactly once per successful CheckAndMark that returned StatusNotFound.
func (c *SettlementCache) Release(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, exists := c.inFlight[key]; exists && current == done {
		delete(c.inFlight, key)
	}
	close(done)
}
