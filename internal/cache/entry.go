package cache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Priority is a hint for capacity compaction. Lower priorities are evicted first.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityNormal
	PriorityHigh
	// PriorityNeverRemove exempts an entry from capacity compaction only.
	// Expiration and explicit removal still apply.
	PriorityNeverRemove
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityNeverRemove:
		return "never_remove"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// EvictionReason tells a callback why its entry left the cache.
type EvictionReason uint8

const (
	ReasonRemoved EvictionReason = iota + 1
	ReasonReplaced
	ReasonExpired
	ReasonCapacity
)

var evictionReasons = [...]EvictionReason{ReasonRemoved, ReasonReplaced, ReasonExpired, ReasonCapacity}

func (r EvictionReason) String() string {
	switch r {
	case ReasonRemoved:
		return "removed"
	case ReasonReplaced:
		return "replaced"
	case ReasonExpired:
		return "expired"
	case ReasonCapacity:
		return "capacity"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// PostEvictionFunc is notified once when an entry leaves the cache. A
// returned error is reported out of band; it never affects the eviction.
type PostEvictionFunc func(key string, value any, reason EvictionReason, state any) error

// Options configure a single entry.
//
// Zero durations and a zero AbsoluteExpiration mean "not set". When both
// absolute forms are set the earlier instant wins.
type Options struct {
	SlidingExpiration               time.Duration
	AbsoluteExpiration              time.Time
	AbsoluteExpirationRelativeToNow time.Duration
	Priority                        Priority

	OnEvicted     PostEvictionFunc
	EvictionState any
}

func (o Options) validate() error {
	if o.SlidingExpiration < 0 {
		return fmt.Errorf("%w: negative sliding expiration %s", ErrInvalidOptions, o.SlidingExpiration)
	}
	if o.AbsoluteExpirationRelativeToNow < 0 {
		return fmt.Errorf("%w: negative relative absolute expiration %s", ErrInvalidOptions, o.AbsoluteExpirationRelativeToNow)
	}
	if o.Priority < PriorityLow || o.Priority > PriorityNeverRemove {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidOptions, int(o.Priority))
	}
	if o.OnEvicted == nil && o.EvictionState != nil {
		return fmt.Errorf("%w: eviction state without callback", ErrInvalidOptions)
	}
	return nil
}

// entry is the unit of storage. Everything but lastAccess is immutable once
// the entry is published to the store.
//
// Times are UnixNano; hasAbsolute=false means no absolute deadline.
type entry[V any] struct {
	key   string
	value V

	sliding     time.Duration
	absolute    int64
	hasAbsolute bool
	priority    Priority

	onEvicted PostEvictionFunc
	state     any

	lastAccess atomic.Int64
}

func newEntry[V any](key string, value V, opts Options, now time.Time) *entry[V] {
	e := &entry[V]{
		key:       key,
		value:     value,
		sliding:   opts.SlidingExpiration,
		priority:  opts.Priority,
		onEvicted: opts.OnEvicted,
		state:     opts.EvictionState,
	}

	if !opts.AbsoluteExpiration.IsZero() {
		e.absolute = opts.AbsoluteExpiration.UnixNano()
		e.hasAbsolute = true
	}
	if opts.AbsoluteExpirationRelativeToNow > 0 {
		rel := now.Add(opts.AbsoluteExpirationRelativeToNow).UnixNano()
		if !e.hasAbsolute || rel < e.absolute {
			e.absolute = rel
			e.hasAbsolute = true
		}
	}

	e.lastAccess.Store(now.UnixNano())
	return e
}

// touch records an access at now. lastAccess never moves backwards.
func (e *entry[V]) touch(now int64) {
	for {
		prev := e.lastAccess.Load()
		if now <= prev || e.lastAccess.CompareAndSwap(prev, now) {
			return
		}
	}
}
