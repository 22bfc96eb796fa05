package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"slidecache/internal/metrics"
)

func TestSetGet_NoExpiration(t *testing.T) {
	c := newTestCache[string](t, nil, Config{})

	if err := c.Set("k", "v", Options{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get(k) = %q, %v; want v, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestSlidingExpiration_ExtendsOnAccess(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})
	rec := &recorder{}

	if err := c.Set("k", 1, Options{SlidingExpiration: 60 * time.Second, OnEvicted: rec.fn}); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(30 * time.Second)
	if v, ok := c.Get("k"); !ok || v != 1 {
		t.Fatalf("at +30s: Get = %v, %v; want 1, true", v, ok)
	}

	// Deadline moved to +90s.
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("at +89s: expected entry to be alive")
	}

	clock.Advance(60 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("60s after last access: expected miss")
	}

	ev := rec.waitFor(t, 1)
	if ev[0].reason != ReasonExpired || ev[0].value != 1 {
		t.Errorf("callback = %+v, want expired with value 1", ev[0])
	}
}

func TestSlidingExpiration_Scenario(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})

	_ = c.Set("k", 1, Options{SlidingExpiration: 60 * time.Second})

	clock.Advance(30 * time.Second)
	if v, ok := c.Get("k"); !ok || v != 1 {
		t.Fatalf("at +30s: Get = %v, %v; want 1, true", v, ok)
	}

	clock.Advance(70 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("at +100s: expected NotFound")
	}
}

func TestSlidingWithAbsolute_NeverAlivePastAbsolute(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})

	_ = c.Set("k", 1, Options{
		SlidingExpiration:               40 * time.Second,
		AbsoluteExpirationRelativeToNow: 90 * time.Second,
	})

	for elapsed := 10; elapsed <= 80; elapsed += 10 {
		clock.Advance(10 * time.Second)
		if _, ok := c.Get("k"); !ok {
			t.Fatalf("at +%ds: expected entry alive under continuous access", elapsed)
		}
	}

	clock.Advance(11 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("at +91s: expected NotFound despite continuous access")
	}
}

func TestAbsoluteDeadlineIsExclusive(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})

	_ = c.Set("k", 1, Options{
		SlidingExpiration:               40 * time.Second,
		AbsoluteExpirationRelativeToNow: 90 * time.Second,
	})

	clock.Advance(89 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("one second before the absolute deadline the entry must be alive")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("at the absolute deadline the entry must be expired")
	}
}

func TestAbsoluteExpiration_Timestamp(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, clock, Config{})

	_ = c.Set("k", "v", Options{
		AbsoluteExpiration:              clock.Now().Add(20 * time.Second),
		AbsoluteExpirationRelativeToNow: time.Minute,
	})

	clock.Advance(19 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected entry alive before the earlier absolute bound")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("the earlier of the two absolute bounds must win")
	}
}

func TestAbsoluteExpiration_InPast(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[string](t, clock, Config{})

	if err := c.Set("k", "v", Options{AbsoluteExpiration: clock.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry with a past absolute deadline must read as missing")
	}
}

func TestNeverRemove_ReplacedFiresOnce(t *testing.T) {
	c := newTestCache[string](t, nil, Config{})
	rec := &recorder{}

	if err := c.Set("k", "A", Options{Priority: PriorityNeverRemove, OnEvicted: rec.fn, EvictionState: "state"}); err != nil {
		t.Fatalf("set A: %v", err)
	}
	if err := c.Set("k", "B", Options{}); err != nil {
		t.Fatalf("set B: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ev := rec.snapshot()
	if len(ev) != 1 {
		t.Fatalf("expected exactly one callback, got %+v", ev)
	}
	if ev[0].reason != ReasonReplaced || ev[0].value != "A" || ev[0].state != "state" || ev[0].key != "k" {
		t.Errorf("callback = %+v, want replaced k=A with state", ev[0])
	}
	if v, ok := c.Get("k"); !ok || v != "B" {
		t.Errorf("Get(k) = %q, %v; want B", v, ok)
	}
}

func TestSet_OverExpiredEntryReportsExpired(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})
	rec := &recorder{}

	_ = c.Set("k", 1, Options{SlidingExpiration: time.Second, OnEvicted: rec.fn})
	clock.Advance(2 * time.Second)
	_ = c.Set("k", 2, Options{})

	ev := rec.waitFor(t, 1)
	if ev[0].reason != ReasonExpired {
		t.Errorf("reason = %v, want expired", ev[0].reason)
	}
}

func TestRemove(t *testing.T) {
	c := newTestCache[int](t, nil, Config{})
	rec := &recorder{}

	c.Remove("absent")

	_ = c.Set("k", 7, Options{OnEvicted: rec.fn})
	c.Remove("k")
	c.Remove("k")

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected k to be removed")
	}

	_ = c.Close()
	ev := rec.snapshot()
	if len(ev) != 1 || ev[0].reason != ReasonRemoved || ev[0].value != 7 {
		t.Fatalf("callbacks = %+v, want a single removed event", ev)
	}
}

func TestLazyExpiration_CallbackOnce(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})
	rec := &recorder{}

	_ = c.Set("k", 1, Options{SlidingExpiration: time.Second, OnEvicted: rec.fn})
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Get("k")
		}()
	}
	wg.Wait()
	c.Remove("k")
	c.sweep(clock.Now().UnixNano())

	_ = c.Close()
	if ev := rec.snapshot(); len(ev) != 1 || ev[0].reason != ReasonExpired {
		t.Fatalf("callbacks = %+v, want a single expired event", ev)
	}
}

func TestSet_InvalidOptions(t *testing.T) {
	c := newTestCache[int](t, nil, Config{})
	noop := func(string, any, EvictionReason, any) error { return nil }

	tests := []struct {
		name string
		opts Options
	}{
		{"negative sliding", Options{SlidingExpiration: -time.Second}},
		{"negative relative absolute", Options{AbsoluteExpirationRelativeToNow: -time.Second}},
		{"unknown priority", Options{Priority: PriorityNeverRemove + 1}},
		{"state without callback", Options{EvictionState: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Set("k", 1, tt.opts); !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("Set error = %v, want ErrInvalidOptions", err)
			}
			if _, ok := c.Get("k"); ok {
				t.Fatal("invalid options must not store an entry")
			}
		})
	}

	if err := c.Set("k", 1, Options{OnEvicted: noop, EvictionState: 1, Priority: PriorityLow}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestClose_IdempotentAndPreventsMutation(t *testing.T) {
	c := New[string](Config{Name: t.Name(), SweepInterval: 10 * time.Millisecond})

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close again: %v", err)
	}

	if err := c.Set("k", "v", Options{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected Set to fail after close, got %v", err)
	}
	if err := c.SetSweepInterval(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected SetSweepInterval to fail after close, got %v", err)
	}
}

func TestClose_DrainsPendingCallbacks(t *testing.T) {
	c := New[int](Config{Name: t.Name(), CallbackWorkers: 2})
	rec := &recorder{}

	const n = 200
	for i := 0; i < n; i++ {
		_ = c.Set(fmt.Sprint(i), i, Options{OnEvicted: rec.fn})
	}
	for i := 0; i < n; i++ {
		c.Remove(fmt.Sprint(i))
	}

	_ = c.Close()
	if got := len(rec.snapshot()); got != n {
		t.Fatalf("callbacks after Close = %d, want %d", got, n)
	}

	// Evictions after Close still notify, on the caller.
	c.Remove("never-there")
	if got := len(rec.snapshot()); got != n {
		t.Fatalf("removing an absent key fired a callback")
	}
}

func TestCallbackFailure_IsolatedFromOperation(t *testing.T) {
	c := newTestCache[int](t, nil, Config{})
	failures := metrics.CallbackFailures.WithLabelValues(t.Name())
	before := testutil.ToFloat64(failures)

	_ = c.Set("err", 1, Options{OnEvicted: func(string, any, EvictionReason, any) error {
		return errors.New("callback failed")
	}})
	_ = c.Set("panic", 2, Options{OnEvicted: func(string, any, EvictionReason, any) error {
		panic("callback exploded")
	}})

	c.Remove("err")
	c.Remove("panic")

	if c.Len() != 0 {
		t.Fatalf("failed callbacks must not prevent removal, len=%d", c.Len())
	}

	_ = c.Close()
	if got := testutil.ToFloat64(failures) - before; got != 2 {
		t.Fatalf("callback failures = %v, want 2", got)
	}
}

func TestCallback_ReentrantWrite(t *testing.T) {
	c := newTestCache[any](t, nil, Config{})
	const reasonKey = "Reason_msg"

	evictionCallback := func(key string, value any, reason EvictionReason, state any) error {
		owner := state.(*Cache[any])
		return owner.Set(reasonKey, fmt.Sprintf("Entry was evicted. Reason: %s.", reason), Options{})
	}

	_ = c.Set("WF_List", []string{"Mild", "Warm"}, Options{
		Priority:      PriorityNeverRemove,
		OnEvicted:     evictionCallback,
		EvictionState: c,
	})
	c.Remove("WF_List")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := c.Get(reasonKey); ok {
			if msg != "Entry was evicted. Reason: removed." {
				t.Fatalf("message = %q", msg)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("callback never wrote the reason message")
}

func TestCallback_OrderedPerKey(t *testing.T) {
	c := newTestCache[int](t, nil, Config{CallbackWorkers: 4})
	rec := &recorder{}

	const n = 100
	for i := 0; i < n; i++ {
		_ = c.Set("k", i, Options{OnEvicted: rec.fn})
	}
	c.Remove("k")

	_ = c.Close()
	ev := rec.snapshot()
	if len(ev) != n {
		t.Fatalf("got %d callbacks, want %d", len(ev), n)
	}
	for i, e := range ev {
		if e.value != i {
			t.Fatalf("callback %d carried value %v; per-key order violated", i, e.value)
		}
	}
	if ev[n-1].reason != ReasonRemoved {
		t.Errorf("last reason = %v, want removed", ev[n-1].reason)
	}
}

// pauseHandler blocks the first log record carrying reason=<reason> until
// release is closed. Cache logs evictions after the shard lock is released,
// so it holds a writer between its removal and returning to the caller.
type pauseHandler struct {
	reason  string
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func newPauseHandler(reason string) *pauseHandler {
	return &pauseHandler{reason: reason, reached: make(chan struct{}), release: make(chan struct{})}
}

func (h *pauseHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *pauseHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h *pauseHandler) WithGroup(string) slog.Handler           { return h }

func (h *pauseHandler) Handle(_ context.Context, r slog.Record) error {
	match := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "reason" && a.Value.String() == h.reason {
			match = true
			return false
		}
		return true
	})
	if match {
		h.once.Do(func() {
			close(h.reached)
			<-h.release
		})
	}
	return nil
}

func TestCallback_OrderedPerKeyAcrossWriters(t *testing.T) {
	pause := newPauseHandler("replaced")
	c := newTestCache[int](t, nil, Config{Logger: slog.New(pause)})
	rec := &recorder{}

	_ = c.Set("k", 1, Options{OnEvicted: rec.fn})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Set("k", 2, Options{OnEvicted: rec.fn})
	}()

	// The second Set has swapped entry 1 out but not returned yet.
	<-pause.reached
	c.Remove("k")
	close(pause.release)
	<-done

	ev := rec.waitFor(t, 2)
	if ev[0].value != 1 || ev[0].reason != ReasonReplaced {
		t.Fatalf("first callback = %+v, want value 1 replaced", ev[0])
	}
	if ev[1].value != 2 || ev[1].reason != ReasonRemoved {
		t.Fatalf("second callback = %+v, want value 2 removed", ev[1])
	}
}

func TestCallback_AfterCloseRunOnCaller(t *testing.T) {
	c := newTestCache[int](t, nil, Config{})
	rec := &recorder{}
	_ = c.Set("k", 1, Options{OnEvicted: rec.fn})
	_ = c.Close()

	c.Remove("k")
	ev := rec.snapshot()
	if len(ev) != 1 || ev[0].reason != ReasonRemoved {
		t.Fatalf("callbacks after close = %+v, want one removed before Remove returns", ev)
	}
}

func TestStats(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache[int](t, clock, Config{})

	_ = c.Set("a", 1, Options{})
	_ = c.Set("b", 2, Options{SlidingExpiration: time.Second})
	_ = c.Set("a", 3, Options{})
	c.Get("a")
	c.Get("zzz")
	clock.Advance(time.Minute)
	c.Get("b")

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Errorf("hits/misses = %d/%d, want 1/2", st.Hits, st.Misses)
	}
	if st.Evictions[ReasonReplaced] != 1 || st.Evictions[ReasonExpired] != 1 {
		t.Errorf("evictions = %v", st.Evictions)
	}
	if st.Items != 1 {
		t.Errorf("items = %d, want 1", st.Items)
	}
	if got := testutil.ToFloat64(metrics.CacheHits.WithLabelValues(t.Name())); got != 1 {
		t.Errorf("prometheus hits = %v, want 1", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache[int](t, nil, Config{Shards: 4, SweepInterval: time.Millisecond})
	rec := &recorder{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprint(i % 50)
				switch i % 4 {
				case 0:
					_ = c.Set(key, i, Options{SlidingExpiration: time.Millisecond, OnEvicted: rec.fn})
				case 1:
					c.Get(key)
				case 2:
					c.Remove(key)
				default:
					_ = c.Set(key, w, Options{OnEvicted: rec.fn})
				}
			}
		}(w)
	}
	wg.Wait()

	// Everything left leaves through Remove, so every stored entry is
	// accounted for by exactly one callback.
	for _, key := range c.Keys() {
		c.Remove(key)
	}
	_ = c.Close()

	st := c.Stats()
	var total uint64
	for _, n := range st.Evictions {
		total += n
	}
	if got := uint64(len(rec.snapshot())); got != total {
		t.Fatalf("callbacks = %d, evictions = %d; every eviction must notify once", got, total)
	}
}
