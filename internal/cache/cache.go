package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"slidecache/internal/errorreporting"
	"slidecache/internal/logger"
	"slidecache/internal/metrics"
)

// Config controls cache layout and maintenance behavior.
//
// Defaults:
//   - Name "" becomes "default" (metrics label)
//   - Shards <= 0 selects 32; the count is rounded up to a power of two
//   - MaxEntries <= 0 means unbounded (no capacity compaction)
//   - SweepInterval <= 0 disables the background sweeper (lazy expiration still works)
//   - CallbackWorkers <= 0 selects 4
//   - Now nil selects time.Now
type Config struct {
	Name            string
	Shards          int
	MaxEntries      int
	SweepInterval   time.Duration
	CallbackWorkers int

	Now      func() time.Time
	Logger   *slog.Logger
	Reporter *errorreporting.Reporter
}

// Cache is a concurrency-safe in-memory key–value cache with sliding and
// absolute expiration, priority-aware capacity compaction and post-eviction
// callbacks.
//
// Ownership model:
// Cache owns its sweeper and callback goroutines. Call Close to stop them.
type Cache[V any] struct {
	name       string
	store      *store[V]
	dispatch   *dispatcher
	flights    singleflight.Group
	now        func() time.Time
	log        *slog.Logger
	reporter   *errorreporting.Reporter
	maxEntries int
	compacting sync.Mutex

	// Earliest instant (UnixNano) at which any entry could expire. A lower
	// bound: sliding access only moves real deadlines later.
	nextExpiry atomic.Int64

	// Goroutine ownership.
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sweepEvery time.Duration
	intervalCh chan time.Duration
	closed     atomic.Bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions [len(evictionReasons) + 1]atomic.Uint64

	hitCounter  prometheus.Counter
	missCounter prometheus.Counter
	itemsGauge  prometheus.Gauge
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions map[EvictionReason]uint64
	Items     int
}

// New constructs a cache and starts background maintenance (if enabled).
//
// New never returns a nil Cache.
func New[V any](cfg Config) *Cache[V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	if cfg.CallbackWorkers <= 0 {
		cfg.CallbackWorkers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.WithComponent("cache")
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache[V]{
		name:        cfg.Name,
		store:       newStore[V](cfg.Shards),
		now:         cfg.Now,
		log:         cfg.Logger.With("cache", cfg.Name),
		reporter:    cfg.Reporter,
		maxEntries:  cfg.MaxEntries,
		ctx:         ctx,
		cancel:      cancel,
		intervalCh:  make(chan time.Duration),
		hitCounter:  metrics.CacheHits.WithLabelValues(cfg.Name),
		missCounter: metrics.CacheMisses.WithLabelValues(cfg.Name),
		itemsGauge:  metrics.CacheItems.WithLabelValues(cfg.Name),
	}
	c.nextExpiry.Store(math.MaxInt64)
	c.dispatch = newDispatcher(cfg.CallbackWorkers, c.callbackFailed)

	if cfg.SweepInterval > 0 {
		c.startSweeper(cfg.SweepInterval)
	}

	return c
}

// Close stops the sweeper, then runs every pending eviction callback.
//
// Close is safe to call multiple times. It must not be called from an
// eviction callback.
func (c *Cache[V]) Close() error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	cancel := c.cancel
	c.mu.Unlock()

	// Cancel outside the lock so shutdown doesn't block readers/writers.
	cancel()
	c.wg.Wait()
	c.dispatch.close()
	return nil
}

// Get returns the value stored under key. Expired entries are evicted on
// the spot and reported as a miss; a hit refreshes the sliding window.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.get(key, c.now().UnixNano())
	c.record(ok)
	return v, ok
}

// Set stores value under key, replacing any previous entry. The displaced
// entry's callback fires after the swap, so readers never observe a gap.
func (c *Cache[V]) Set(key string, value V, opts Options) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := opts.validate(); err != nil {
		return err
	}

	now := c.now()
	nowNano := now.UnixNano()
	e := newEntry(key, value, opts, now)

	reason := ReasonReplaced
	var l *lane
	prev, replaced := c.store.insert(key, e, func(prev *entry[V]) {
		if isExpired(prev, nowNano) {
			reason = ReasonExpired
		}
		l = c.retire(prev, reason)
	})
	c.noteDeadline(e)

	if replaced {
		c.evicted(prev, reason, l)
	}
	c.afterInsert(nowNano)
	return nil
}

// Remove deletes key and fires its callback with ReasonRemoved. Removing an
// absent key is a no-op.
func (c *Cache[V]) Remove(key string) {
	var l *lane
	e, ok := c.store.delete(key, func(e *entry[V]) { l = c.retire(e, ReasonRemoved) })
	if ok {
		c.evicted(e, ReasonRemoved, l)
		c.itemsGauge.Set(float64(c.store.len()))
	}
}

// Len returns the number of stored entries.
//
// Note: Len includes entries that have expired but haven't been evicted yet.
func (c *Cache[V]) Len() int {
	return c.store.len()
}

// Keys returns the stored keys in lexical order.
//
// This is a debug helper used by the demo.
func (c *Cache[V]) Keys() []string {
	out := make([]string, 0, c.store.len())
	for key := range c.store.all() {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Stats returns the cache counters.
func (c *Cache[V]) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: make(map[EvictionReason]uint64, len(evictionReasons)),
		Items:     c.store.len(),
	}
	for _, r := range evictionReasons {
		st.Evictions[r] = c.evictions[r].Load()
	}
	return st
}

// get is Get without hit/miss accounting.
func (c *Cache[V]) get(key string, now int64) (V, bool) {
	var zero V
	stale := false

	e, ok := c.store.lookup(key, func(e *entry[V]) {
		if isExpired(e, now) {
			stale = true
			return
		}
		e.touch(now)
	})
	if !ok {
		return zero, false
	}
	if stale {
		c.expire(key, now)
		return zero, false
	}
	return e.value, true
}

// expire evicts the entry under key if it is still expired at now. The
// re-check runs under the shard write lock, so an entry refreshed or
// replaced since it was observed stays put.
func (c *Cache[V]) expire(key string, now int64) bool {
	var l *lane
	e, ok := c.store.deleteIf(key, func(cur *entry[V]) bool {
		return isExpired(cur, now)
	}, func(e *entry[V]) {
		l = c.retire(e, ReasonExpired)
	})
	if !ok {
		return false
	}
	c.evicted(e, ReasonExpired, l)
	c.itemsGauge.Set(float64(c.store.len()))
	return true
}

// retire queues e's callback. It must run under the shard write lock that
// removed e: callbacks for one key are then queued in eviction order.
func (c *Cache[V]) retire(e *entry[V], reason EvictionReason) *lane {
	if e.onEvicted == nil {
		return nil
	}
	return c.dispatch.enqueue(eviction{
		key:    e.key,
		value:  e.value,
		reason: reason,
		fn:     e.onEvicted,
		state:  e.state,
	})
}

// evicted accounts for an entry that left the store, after the shard lock
// is released. The caller must have won the removal and passes the lane
// retire returned, which is drained here once the cache is closed.
func (c *Cache[V]) evicted(e *entry[V], reason EvictionReason, l *lane) {
	c.evictions[reason].Add(1)
	metrics.CacheEvictions.WithLabelValues(c.name, reason.String()).Inc()
	c.log.Debug("entry evicted", "key", e.key, "reason", reason.String())

	c.dispatch.drain(l)
}

func (c *Cache[V]) afterInsert(now int64) {
	if c.maxEntries > 0 && c.store.len() > c.maxEntries {
		c.compact(now)
	}
	c.itemsGauge.Set(float64(c.store.len()))
}

func (c *Cache[V]) record(hit bool) {
	if hit {
		c.hits.Add(1)
		c.hitCounter.Inc()
		return
	}
	c.misses.Add(1)
	c.missCounter.Inc()
}

// noteDeadline lowers nextExpiry to e's deadline.
func (c *Cache[V]) noteDeadline(e *entry[V]) {
	d, ok := nextDeadline(e)
	if !ok {
		return
	}
	for {
		cur := c.nextExpiry.Load()
		if d >= cur || c.nextExpiry.CompareAndSwap(cur, d) {
			return
		}
	}
}

func (c *Cache[V]) callbackFailed(ev eviction, err error) {
	metrics.CallbackFailures.WithLabelValues(c.name).Inc()
	c.log.Warn("eviction callback failed",
		"key", ev.key, "reason", ev.reason.String(), "err", err)
	c.reporter.Report(fmt.Errorf("eviction callback for %q: %w", ev.key, err),
		map[string]string{"cache": c.name, "reason": ev.reason.String()},
		map[string]any{"key": ev.key})
}
