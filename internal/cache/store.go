package cache

import (
	"iter"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// store is the key→entry mapping, split into independently locked shards.
// It never judges staleness itself except where a caller passes a predicate
// that must be evaluated atomically with the mutation.
type store[V any] struct {
	shards []*shard[V]
	mask   uint64
	count  atomic.Int64
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
}

func newStore[V any](shards int) *store[V] {
	n := 1
	for n < shards {
		n <<= 1
	}

	s := &store[V]{
		shards: make([]*shard[V], n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i] = &shard[V]{items: make(map[string]*entry[V])}
	}
	return s
}

func (s *store[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)&s.mask]
}

// lookup returns the entry stored under key. visit, when non-nil, runs under
// the shard read lock so it is atomic with respect to deletes of that key.
func (s *store[V]) lookup(key string, visit func(*entry[V])) (*entry[V], bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.items[key]
	if ok && visit != nil {
		visit(e)
	}
	return e, ok
}

// insert swaps e in and returns the entry it displaced, if any. removed,
// when non-nil, sees the displaced entry under the shard write lock.
func (s *store[V]) insert(key string, e *entry[V], removed func(*entry[V])) (*entry[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, ok := sh.items[key]
	sh.items[key] = e
	if ok && removed != nil {
		removed(prev)
	}
	sh.mu.Unlock()

	if !ok {
		s.count.Add(1)
	}
	return prev, ok
}

// insertUnless stores e unless the current entry satisfies keep. It returns
// the entry now stored, the entry it displaced and whether e was inserted.
// keep and removed run under the shard write lock.
func (s *store[V]) insertUnless(key string, e *entry[V], keep func(*entry[V]) bool, removed func(*entry[V])) (actual, prev *entry[V], inserted bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	cur, ok := sh.items[key]
	if ok && keep(cur) {
		sh.mu.Unlock()
		return cur, nil, false
	}
	sh.items[key] = e
	if ok && removed != nil {
		removed(cur)
	}
	sh.mu.Unlock()

	if !ok {
		s.count.Add(1)
	}
	return e, cur, true
}

// delete removes and returns the entry under key.
func (s *store[V]) delete(key string, removed func(*entry[V])) (*entry[V], bool) {
	return s.deleteIf(key, nil, removed)
}

// deleteIf removes the entry under key only if cond holds for it. cond and
// removed run under the shard write lock; a nil cond means unconditionally.
func (s *store[V]) deleteIf(key string, cond func(*entry[V]) bool, removed func(*entry[V])) (*entry[V], bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.items[key]
	if !ok || (cond != nil && !cond(e)) {
		sh.mu.Unlock()
		return nil, false
	}
	delete(sh.items, key)
	if removed != nil {
		removed(e)
	}
	sh.mu.Unlock()

	s.count.Add(-1)
	return e, true
}

// all enumerates the store one shard at a time. Each shard is copied under
// its read lock and yielded after the lock is released, so the consumer may
// mutate the store and other shards stay writable throughout.
func (s *store[V]) all() iter.Seq2[string, *entry[V]] {
	return func(yield func(string, *entry[V]) bool) {
		var batch []*entry[V]
		for _, sh := range s.shards {
			sh.mu.RLock()
			batch = batch[:0]
			for _, e := range sh.items {
				batch = append(batch, e)
			}
			sh.mu.RUnlock()

			for _, e := range batch {
				if !yield(e.key, e) {
					return
				}
			}
		}
	}
}

func (s *store[V]) len() int {
	return int(s.count.Load())
}
