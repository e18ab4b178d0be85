package core

import (
	"TangleRecon/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ProcessedChecker answers whether a ledger transaction was already committed.
type ProcessedChecker interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
}

// ProcessedMarker is a tier that must be told about new commits (e.g. a shared cache).
type ProcessedMarker interface {
	MarkProcessed(ctx context.Context, key string) error
}

// Tier is one named lookup level below the in-process LRU
type Tier struct {
	Name    string
	Checker ProcessedChecker
}

// IdempotencyChecker is the fast path in front of the authoritative processed flag
// stored with each ledger transaction. A miss on every tier only means the
// orchestrator goes on to check the flag inside the store transaction.
type IdempotencyChecker struct {
	lru     *IdempotencyLRU
	tiers   []Tier
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIdempotencyChecker(capacity int, metrics *observability.Metrics, logger zerolog.Logger, tiers ...Tier) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		tiers:   tiers,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate checks the LRU, then each tier in order.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, key string) bool {
	if ic.lru.Contains(key) {
		ic.recordDuplicate("lru")
		return true
	}

	for i, tier := range ic.tiers {
		seen, err := tier.Checker.IsProcessed(ctx, key)
		if err != nil {
			// A failing tier never blocks processing; the store flag stays authoritative.
			ic.logger.Warn().Err(err).Str("tier", tier.Name).Str("key", key).Msg("processed lookup failed")
			if ic.metrics != nil {
				ic.metrics.DedupTierErrors.WithLabelValues(tier.Name).Inc()
			}
			continue
		}
		if seen {
			ic.recordDuplicate(tier.Name)
			ic.lru.Add(key)
			ic.backfill(ctx, key, ic.tiers[:i])
			return true
		}
	}

	return false
}

// MarkProcessed records a commit in the LRU and in every tier that accepts marks.
func (ic *IdempotencyChecker) MarkProcessed(ctx context.Context, key string) {
	ic.lru.Add(key)
	ic.backfill(ctx, key, ic.tiers)
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) backfill(ctx context.Context, key string, tiers []Tier) {
	for _, tier := range tiers {
		m, ok := tier.Checker.(ProcessedMarker)
		if !ok {
			continue
		}
		if err := m.MarkProcessed(ctx, key); err != nil {
			ic.logger.Warn().Err(err).Str("tier", tier.Name).Str("key", key).Msg("processed mark failed")
		}
	}
}

// Warm preloads recently processed keys into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a bounded set of recently processed keys. Safe for concurrent use.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.add(key)
}

func (lru *IdempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys without promoting existing ones.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
