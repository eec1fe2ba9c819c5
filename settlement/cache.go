package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-registry/types"
)

// DefaultCacheTTL is how long a completed settlement is remembered.
const DefaultCacheTTL = 10 * time.Minute

// CacheStatus is the outcome of CheckAndMark.
type CacheStatus int

const (
	// StatusNotFound means the caller now owns the settlement.
	StatusNotFound CacheStatus = iota
	// StatusCached means the payment was already settled by this process.
	StatusCached
	// StatusInFlight means another goroutine is settling the payment.
	StatusInFlight
)

// InFlightCache serialises concurrent settlements of the same payment id
// and remembers completed ones for a TTL.
type InFlightCache struct {
	mu       sync.Mutex
	results  map[common.Hash]*types.SettlementResult
	expiry   map[common.Hash]time.Time
	inFlight map[common.Hash]chan struct{}
	ttl      time.Duration
}

func NewInFlightCache(ttl time.Duration) *InFlightCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &InFlightCache{
		results:  make(map[common.Hash]*types.SettlementResult),
		expiry:   make(map[common.Hash]time.Time),
		inFlight: make(map[common.Hash]chan struct{}),
		ttl:      ttl,
	}
}

// CheckAndMark atomically checks the cache and marks id in flight if nobody holds it.
func (c *InFlightCache) CheckAndMark(id common.Hash) (CacheStatus, *types.SettlementResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.expiry[id]; ok {
		if time.Now().Before(expiry) {
			return StatusCached, c.results[id], nil
		}
		delete(c.results, id)
		delete(c.expiry, id)
	}

	if done, ok := c.inFlight[id]; ok {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[id] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight holder finishes. A nil result means
// the holder failed and the caller may try again.
func (c *InFlightCache) WaitForResult(ctx context.Context, id common.Hash, done chan struct{}) (*types.SettlementResult, error) {
	select {
	case <-done:
		return c.Get(id), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *InFlightCache) Get(id common.Hash) *types.SettlementResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expiry[id]
	if !ok {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, id)
		delete(c.expiry, id)
		return nil
	}
	return c.results[id]
}

// Complete caches result and releases waiters.
func (c *InFlightCache) Complete(id common.Hash, result *types.SettlementResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[id] = result
	c.expiry[id] = time.Now().Add(c.ttl)
	delete(c.inFlight, id)
	close(done)

	c.cleanupExpiredLocked()
}

// Fail releases waiters without caching anything.
func (c *InFlightCache) Fail(id common.Hash, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, id)
	close(done)
}

func (c *InFlightCache) cleanupExpiredLocked() {
	now := time.Now()
	for id, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, id)
			delete(c.expiry, id)
		}
	}
}
