package cache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slidecache/internal/metrics"
	"slidecache/internal/tracing"
)

// Factory computes a missing value together with the options for its entry.
type Factory[V any] func(ctx context.Context) (V, Options, error)

// GetOrCreate returns the live value under key, or computes, stores and
// returns it.
//
// Concurrent callers for the same cold key share a single factory
// invocation and all observe its outcome. The factory runs detached from
// the caller's cancellation: cancelling ctx abandons only this caller's
// wait and returns ctx.Err(), while the computation completes for everyone
// else. A failing factory stores nothing.
func (c *Cache[V]) GetOrCreate(ctx context.Context, key string, factory Factory[V]) (V, error) {
	var zero V

	ctx, span := tracing.StartSpan(ctx, "cache.GetOrCreate", trace.WithAttributes(
		attribute.String("cache.name", c.name),
		attribute.String("cache.key", key),
	))
	defer span.End()

	if c.closed.Load() {
		return zero, ErrClosed
	}

	if v, ok := c.get(key, c.now().UnixNano()); ok {
		c.record(true)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	c.record(false)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (any, error) {
		return c.create(detached, key, factory)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "factory failed")
			return zero, res.Err
		}
		span.SetAttributes(attribute.Bool("cache.shared", res.Shared))
		// A nil interface value asserts to the zero V.
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// create runs inside the single flight for key.
func (c *Cache[V]) create(ctx context.Context, key string, factory Factory[V]) (any, error) {
	// Another flight may have populated key between our miss and this one.
	if v, ok := c.get(key, c.now().UnixNano()); ok {
		return v, nil
	}

	ctx, span := tracing.StartSpan(ctx, "cache.factory", trace.WithAttributes(
		attribute.String("cache.key", key),
	))
	defer span.End()

	start := time.Now()
	v, opts, err := c.invoke(ctx, key, factory)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.FactoryDuration.WithLabelValues(c.name, status).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "factory failed")
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("cache: factory for %q: %w", key, err)
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	now := c.now()
	nowNano := now.UnixNano()
	e := newEntry(key, v, opts, now)

	// A concurrent Set may have won meanwhile; its live value takes
	// precedence and ours is discarded without ever being stored.
	var l *lane
	actual, prev, inserted := c.store.insertUnless(key, e, func(cur *entry[V]) bool {
		if isExpired(cur, nowNano) {
			return false
		}
		cur.touch(nowNano)
		return true
	}, func(prev *entry[V]) {
		l = c.retire(prev, ReasonExpired)
	})
	if !inserted {
		return actual.value, nil
	}

	c.noteDeadline(e)
	if prev != nil {
		c.evicted(prev, ReasonExpired, l)
	}
	c.afterInsert(nowNano)
	return v, nil
}

// invoke calls factory, turning a panic into an error wrapping ErrFactoryPanic.
func (c *Cache[V]) invoke(ctx context.Context, key string, factory Factory[V]) (v V, opts Options, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: key %q: %v", ErrFactoryPanic, key, r)
			c.log.Error("factory panicked", "key", key, "panic", r)
			c.reporter.Report(err, map[string]string{"cache": c.name}, map[string]any{"key": key})
		}
	}()

	v, opts, err = factory(ctx)
	if err != nil {
		err = fmt.Errorf("cache: factory for %q: %w", key, err)
	}
	return v, opts, err
}
