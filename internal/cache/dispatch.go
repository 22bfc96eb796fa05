package cache

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// eviction is one pending callback invocation.
type eviction struct {
	key    string
	value  any
	reason EvictionReason
	fn     PostEvictionFunc
	state  any
}

// dispatcher runs eviction callbacks on its own goroutines. A key always maps
// to the same lane and lanes are FIFO, so callbacks for one key run in
// eviction order while different keys proceed independently.
type dispatcher struct {
	lanes []*lane
	wg    sync.WaitGroup
	fail  func(eviction, error)
}

// lane is an unbounded queue with a single consumer. Enqueue never blocks,
// which keeps callbacks that write back into the cache from deadlocking on
// their own lane.
type lane struct {
	mu      sync.Mutex
	pending []eviction
	wake    chan struct{}
	closed   bool
	exited   bool
	draining bool
}

func newDispatcher(workers int, fail func(eviction, error)) *dispatcher {
	if workers < 1 {
		workers = 1
	}

	d := &dispatcher{
		lanes: make([]*lane, workers),
		fail:  fail,
	}
	for i := range d.lanes {
		l := &lane{wake: make(chan struct{}, 1)}
		d.lanes[i] = l
		d.wg.Add(1)
		go d.run(l)
	}
	return d
}

// enqueue appends ev to its key's lane without blocking, so it may be
// called under the lock that removed the entry. Once the lane's worker has
// exited it returns the lane, and the caller must drain it after releasing
// its own locks.
func (d *dispatcher) enqueue(ev eviction) *lane {
	l := d.lanes[xxhash.Sum64String(ev.key)%uint64(len(d.lanes))]

	l.mu.Lock()
	l.pending = append(l.pending, ev)
	exited := l.exited
	l.mu.Unlock()

	if exited {
		return l
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain runs l's pending callbacks on the calling goroutine. Only one
// caller drains at a time; a concurrent or reentrant call returns at once
// and its callbacks run in the active drainer, in queue order.
func (d *dispatcher) drain(l *lane) {
	if l == nil {
		return
	}

	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	for len(l.pending) > 0 {
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, ev := range batch {
			d.invoke(ev)
		}
		l.mu.Lock()
	}
	l.draining = false
	l.mu.Unlock()
}

func (d *dispatcher) run(l *lane) {
	defer d.wg.Done()

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		if len(batch) == 0 && l.closed {
			l.exited = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			<-l.wake
			continue
		}
		for _, ev := range batch {
			d.invoke(ev)
		}
	}
}

func (d *dispatcher) invoke(ev eviction) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(ev, fmt.Errorf("%w: %v", ErrCallbackPanic, r))
		}
	}()

	if err := ev.fn(ev.key, ev.value, ev.reason, ev.state); err != nil {
		d.fail(ev, err)
	}
}

// close drains every lane and stops the workers. Callbacks enqueued while
// draining still run; later ones are left to the enqueuer to drain.
func (d *dispatcher) close() {
	for _, l := range d.lanes {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	d.wg.Wait()
}
