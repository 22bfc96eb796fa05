package cache

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"slidecache/internal/metrics"
)

// SetSweepInterval changes the background sweep cadence, starting the
// sweeper if it was disabled. Zero stops the sweeper; lazy expiration on
// access keeps working.
func (c *Cache[V]) SetSweepInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: sweep interval must not be negative, got %s", ErrInvalidOptions, d)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.sweepEvery == d {
		return nil
	}
	if c.sweepEvery <= 0 {
		c.startSweeper(d)
		c.log.Info("sweeper started", "interval", d)
		return nil
	}

	// The loop receives before we return, so a stopped loop is gone before
	// a later call can start the next one.
	c.sweepEvery = d
	c.intervalCh <- d
	if d == 0 {
		c.log.Info("sweeper stopped")
		return nil
	}
	c.log.Info("sweep interval changed", "interval", d)
	return nil
}

// startSweeper must be called with c.mu held or before c is shared.
func (c *Cache[V]) startSweeper(every time.Duration) {
	c.sweepEvery = every
	c.wg.Add(1)
	go c.sweepLoop(every)
}

// sweepLoop periodically evicts expired entries that nobody reads.
//
// A ticker-based scan avoids per-entry timers; the nextExpiry bound lets a
// tick return immediately while no entry can have expired yet.
func (c *Cache[V]) sweepLoop(every time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case d := <-c.intervalCh:
			if d <= 0 {
				return
			}
			ticker.Reset(d)
		case <-ticker.C:
			c.sweep(c.now().UnixNano())
		}
	}
}

// sweep evicts every entry expired at now and returns how many it removed.
func (c *Cache[V]) sweep(now int64) int {
	if now < c.nextExpiry.Load() {
		metrics.SweepsSkipped.WithLabelValues(c.name).Inc()
		return 0
	}

	start := time.Now()
	// Reset before scanning: writers racing with the scan lower the bound
	// themselves, survivors are folded back in below.
	c.nextExpiry.Store(math.MaxInt64)

	removed := 0
	for key, e := range c.store.all() {
		if isExpired(e, now) && c.expire(key, now) {
			removed++
			continue
		}
		c.noteDeadline(e)
	}

	metrics.SweepDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if removed > 0 {
		c.log.Debug("sweep evicted expired entries", "removed", removed, "remaining", c.store.len())
	}
	return removed
}

// compact brings the entry count back within MaxEntries. Expired entries go
// first, then live entries by ascending priority and oldest access.
// PriorityNeverRemove entries are never chosen, so the cache may stay over
// its bound when they dominate.
//
// One pass runs at a time. A caller that finds a pass in progress leaves its
// insert to that pass's owner, which checks the bound again after unlocking.
func (c *Cache[V]) compact(now int64) {
	for c.store.len() > c.maxEntries {
		if !c.compacting.TryLock() {
			return
		}
		removed := c.compactPass(now)
		c.compacting.Unlock()

		if removed == 0 {
			return
		}
	}
}

// compactPass must be called with c.compacting held.
func (c *Cache[V]) compactPass(now int64) int {
	var candidates []*entry[V]
	removed := 0
	for key, e := range c.store.all() {
		if isExpired(e, now) && c.expire(key, now) {
			removed++
			continue
		}
		if e.priority != PriorityNeverRemove {
			candidates = append(candidates, e)
		}
	}

	slices.SortFunc(candidates, func(a, b *entry[V]) int {
		if a.priority != b.priority {
			return cmp.Compare(a.priority, b.priority)
		}
		return cmp.Compare(a.lastAccess.Load(), b.lastAccess.Load())
	})

	evicted := 0
	for _, cand := range candidates {
		if c.store.len() <= c.maxEntries {
			break
		}
		var l *lane
		e, ok := c.store.deleteIf(cand.key, func(cur *entry[V]) bool {
			return cur == cand
		}, func(e *entry[V]) {
			l = c.retire(e, ReasonCapacity)
		})
		if !ok {
			continue
		}
		c.evicted(e, ReasonCapacity, l)
		evicted++
	}

	if evicted > 0 {
		c.log.Debug("compacted over-capacity cache", "removed", evicted, "remaining", c.store.len())
	}
	return removed + evicted
}
