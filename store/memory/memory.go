// Package memory implements a keyed blob cache bounded by total cost
// (sum of stored byte lengths) and an optional count limit, with
// approximate-LRU eviction — spec.md §4.2. Ordering is provided by
// github.com/hashicorp/golang-lru/v2, used as a recency oracle: its own
// eviction callback keeps the cost ledger in sync, and an additional
// cost-based sweep walks the cache's own key order (oldest-first) until
// both the byte-cost and count ceilings are restored. This resolves the
// "precise LRU vs approximate eviction" open question in spec.md §9:
// approximate LRU, backed by a real LRU cache rather than a hand-rolled
// list.
package memory

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/danielloader/webcache/cacheerr"
	"github.com/danielloader/webcache/internal/taskqueue"
	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

// DefaultCostLimit is 128 MiB, the spec's default memory store bound.
const DefaultCostLimit int64 = 128 << 20

// entry is the value type stored per URL key.
type entry struct {
	storage resource.StorageInfo
	bytes   []byte
}

func (e entry) cost() int64 { return int64(len(e.bytes)) }

// Store is a cost-bounded, optionally count-bounded, keyed blob cache.
// All exported methods are safe for concurrent use: every operation is
// enqueued onto a single serialized task queue (spec.md §5), so the
// cache and cost ledger below are touched only from that one goroutine
// and need no additional locking.
type Store struct {
	costLimit  int64
	countLimit int // 0 means unlimited

	cache     *lru.Cache[string, entry]
	totalCost int64

	queue *taskqueue.Queue
}

// New builds a Store with the given cost limit (bytes) and count limit
// (0 for unlimited).
func New(costLimit int64, countLimit int) *Store {
	if costLimit <= 0 {
		costLimit = DefaultCostLimit
	}
	s := &Store{costLimit: costLimit, countLimit: countLimit}

	// lru.NewWithEvict needs a fixed capacity; this store bounds capacity
	// by cost, not count, so size it generously and let evictForBounds do
	// the real enforcement.
	size := countLimit
	if size <= 0 {
		size = 1 << 20
	}
	c, err := lru.NewWithEvict[string, entry](size, func(_ string, e entry) {
		s.totalCost -= e.cost()
	})
	if err != nil {
		// Only returns an error for size <= 0, which cannot happen here.
		panic(err)
	}
	s.cache = c
	s.queue = taskqueue.New(64)
	return s
}

// Fetch serves bytes from the store (spec.md §4.2's fetch operation).
func (s *Store) Fetch(url string, offset int64, length *int64, prog *receiver.Progress, rcv receiver.Receiver) {
	s.queue.Submit(func() {
		rcv.OnInited(nil, prog)

		e, ok := s.cache.Get(url)
		if ok && e.storage.Policy.IsExpired() {
			s.cache.Remove(url)
			ok = false
		}
		if !ok {
			rcv.OnAborted(nil)
			return
		}

		total := e.cost()
		if offset < 0 || offset > total {
			rcv.OnAborted(cacheerr.ErrRangeInvalid)
			return
		}
		segLen := total - offset
		if length != nil {
			if *length < 0 || offset+*length > total {
				rcv.OnAborted(cacheerr.ErrRangeInvalid)
				return
			}
			segLen = *length
		}

		if prog.Total() < 0 {
			prog.SetTotal(segLen)
		}

		l := segLen
		rcv.OnStarted(e.storage.Info, offset, &l)
		rcv.OnData(e.bytes[offset : offset+segLen])
		prog.AddCompleted(segLen)
		rcv.OnFinished()
	})
}

// Peek returns metadata and the stored byte count for url, or (Info{},
// nil, false) if absent.
func (s *Store) Peek(url string) (resource.Info, *int64, bool) {
	var info resource.Info
	var length *int64
	var ok bool
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		e, found := s.cache.Get(url)
		if !found || e.storage.Policy.IsExpired() {
			return
		}
		info = e.storage.Info
		l := e.cost()
		length = &l
		ok = true
	})
	<-done
	return info, length, ok
}

// StoreReceiver returns a buffer-sink Receiver whose completion inserts
// (url, info, bytes) into the cache, provided the fetch wasn't cancelled
// and the buffer wasn't dropped (spec.md §4.2's store(url, policy)).
func (s *Store) StoreReceiver(url string, pol policy.Policy) receiver.Receiver {
	sizeLimit := s.costLimit / 4
	return receiver.NewBufferSink(sizeLimit, false, func(sink *receiver.BufferSink) {
		if sink.Dropped || sink.Bytes == nil {
			return
		}
		info := resource.StorageInfo{Info: sink.Info, Policy: pol}
		data := sink.Bytes
		// The completion can run on this store's own queue goroutine (a
		// synchronous source driven from inside a Fetch task), so the
		// insert is enqueued rather than waited on.
		s.queue.Submit(func() {
			if info.Policy.IsExpired() {
				s.cache.Remove(url)
				return
			}
			s.insert(url, entry{storage: info, bytes: data})
		})
	})
}

// Store synchronously inserts (url, info, data). If info.Policy is
// expired, the entry is removed instead (spec.md §4.2). The error return
// exists only to satisfy layeredcache.MutableStore alongside the
// file/S3 tiers — an in-memory insert cannot fail.
func (s *Store) Store(url string, info resource.StorageInfo, data []byte) error {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		if info.Policy.IsExpired() {
			s.cache.Remove(url)
			return
		}
		s.insert(url, entry{storage: info, bytes: data})
	})
	<-done
	return nil
}

// Change mutates a stored entry's policy in place. An expired policy
// removes the entry instead (spec.md §4.2's change_policy).
func (s *Store) Change(url string, pol policy.Policy) error {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		e, ok := s.cache.Get(url)
		if !ok {
			return
		}
		if pol.IsExpired() {
			s.cache.Remove(url)
			return
		}
		e.storage.Policy = pol
		s.cache.Add(url, e)
	})
	<-done
	return nil
}

// Remove deletes url's entry, if any.
func (s *Store) Remove(url string) error {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		s.cache.Remove(url)
	})
	<-done
	return nil
}

// RemoveAll empties the store.
func (s *Store) RemoveAll() error {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		s.cache.Purge()
		s.totalCost = 0
	})
	<-done
	return nil
}

// RemoveExpired deletes every entry whose policy is currently expired.
func (s *Store) RemoveExpired() error {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		for _, key := range s.cache.Keys() {
			if e, ok := s.cache.Peek(key); ok && e.storage.Policy.IsExpired() {
				s.cache.Remove(key)
			}
		}
	})
	<-done
	return nil
}

// Close stops the store's task queue. No further operations may be
// submitted afterward.
func (s *Store) Close() { s.queue.Close() }

func (s *Store) insert(url string, e entry) {
	s.cache.Remove(url) // drop any prior cost before re-adding
	s.cache.Add(url, e)
	s.totalCost += e.cost()
	s.evictForBounds()
}

// evictForBounds evicts entries oldest-first (the LRU cache's own
// recency order) until both totalCost <= costLimit and, if set,
// s.cache.Len() <= countLimit.
func (s *Store) evictForBounds() {
	for s.totalCost > s.costLimit || (s.countLimit > 0 && s.cache.Len() > s.countLimit) {
		keys := s.cache.Keys()
		if len(keys) == 0 {
			return
		}
		s.cache.Remove(keys[0])
	}
}
