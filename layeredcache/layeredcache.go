// Package layeredcache implements the Store/Source fallthrough and
// fan-out orchestrator of spec.md §4.5, grounded on the teacher's
// internal/proxy/proxy.go cache-first-then-upstream flow (handleGet),
// generalized from one fixed Cache+Upstream pair into an arbitrarily
// deep chain of Store/Source capability interfaces.
package layeredcache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

// Source is the read-only capability: spec.md §9's narrowest rung of the
// Source ⊂ Store ⊂ MutableStore ladder.
type Source interface {
	Fetch(url string, offset int64, length *int64, prog *receiver.Progress, rcv receiver.Receiver)
}

// Store adds metadata inspection without mutation.
type Store interface {
	Source
	Peek(url string) (resource.Info, *int64, bool)
}

// MutableStore is the full read/write capability set a FileStore,
// MemoryStore, or S3 tier exposes.
type MutableStore interface {
	Store
	StoreReceiver(url string, pol policy.Policy) receiver.Receiver
	Store(url string, info resource.StorageInfo, data []byte) error
	Change(url string, pol policy.Policy) error
	Remove(url string) error
	RemoveAll() error
	RemoveExpired() error
}

// Cache pairs one inner Store with an optional Source, per spec.md §4.5.
// Both may themselves be *Cache values, so callers compose arbitrarily
// deep pipelines (Memory | File | HTTP).
type Cache struct {
	store  Store
	source Source
}

// New builds a Cache over store with no source connected.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Connect attaches (or replaces) the Cache's source, implementing the
// builder-style "connect" of spec.md §4.5/§9 and the `|` compose pattern
// at call sites: New(memory).Connect(New(file).Connect(http)).
func (c *Cache) Connect(source Source) *Cache {
	c.source = source
	return c
}

// mutableStore returns c.store as a MutableStore, if it is one.
func (c *Cache) mutableStore() (MutableStore, bool) {
	m, ok := c.store.(MutableStore)
	return m, ok
}

// mutableSource returns c.source as a MutableStore, if it is one (the
// source half of a fan-out may itself be a Cache over a MutableStore).
func (c *Cache) mutableSource() (MutableStore, bool) {
	m, ok := c.source.(MutableStore)
	return m, ok
}

// Fetch implements spec.md §4.5's fetch: an update policy tries the
// Source first, Store on failure; any other policy tries the Store
// first, Source on failure. When the Source path is taken and the inner
// Store is mutable, bytes served by the Source are additionally teed
// into the Store so cache population happens transparently.
func (c *Cache) Fetch(url string, offset int64, length *int64, pol policy.Policy, prog *receiver.Progress, rcv receiver.Receiver) {
	if pol.IsUpdate() {
		c.fetchSourceThenStore(url, offset, length, pol, prog, rcv)
		return
	}
	c.fetchStoreThenSource(url, offset, length, pol, prog, rcv)
}

func (c *Cache) fetchStoreThenSource(url string, offset int64, length *int64, pol policy.Policy, prog *receiver.Progress, rcv receiver.Receiver) {
	if c.store == nil {
		c.fetchFromSource(url, offset, length, pol, prog, rcv)
		return
	}
	if c.source == nil {
		c.store.Fetch(url, offset, length, prog, rcv)
		return
	}

	filter := receiver.NewFilter(rcv, nil, fallthroughOnMiss(prog, func() {
		c.fetchFromSource(url, offset, length, pol, prog, rcv)
	}))
	c.store.Fetch(url, offset, length, prog, filter)
}

func (c *Cache) fetchSourceThenStore(url string, offset int64, length *int64, pol policy.Policy, prog *receiver.Progress, rcv receiver.Receiver) {
	if c.source == nil {
		if c.store != nil {
			c.store.Fetch(url, offset, length, prog, rcv)
		}
		return
	}
	if c.store == nil {
		c.fetchFromSource(url, offset, length, pol, prog, rcv)
		return
	}

	filter := receiver.NewFilter(rcv, nil, fallthroughOnMiss(prog, func() {
		c.store.Fetch(url, offset, length, prog, rcv)
	}))
	c.fetchFromSource(url, offset, length, pol, prog, filter)
}

// fetchFromSource drives the Source, teeing into the Store's storing
// Receiver when the inner Store is mutable (spec.md §4.5: "the receiver
// is additionally teed into store.store(url, policy)").
func (c *Cache) fetchFromSource(url string, offset int64, length *int64, pol policy.Policy, prog *receiver.Progress, rcv receiver.Receiver) {
	if mutable, ok := c.mutableStore(); ok {
		tee := receiver.NewFilter(rcv, mutable.StoreReceiver(url, pol), nil)
		c.source.Fetch(url, offset, length, prog, tee)
		return
	}
	c.source.Fetch(url, offset, length, prog, rcv)
}

// fallthroughOnMiss returns the CompletionFunc used by the "try X, then Y
// on failure" combinator of spec.md §4.5: suppress forwarding (and invoke
// fallback) only on a clean miss that wasn't cancelled.
func fallthroughOnMiss(prog *receiver.Progress, fallback func()) receiver.CompletionFunc {
	return func(success bool, err error, p *receiver.Progress) bool {
		if !success && err == nil && !p.Cancelled() {
			fallback()
			return true
		}
		return false
	}
}

// prefetchTailRewind is the rewind distance subtracted from a partial
// resource's current length before resuming a prefetch (spec.md §4.5).
const prefetchTailRewind = 4096

// Prefetch implements spec.md §4.5's prefetch: an update policy always
// re-fetches the full resource from the Source (teed to the Store); any
// other policy peeks the Store first and only resumes from the Source
// when the stored length is short of the declared total.
func (c *Cache) Prefetch(url string, pol policy.Policy, prog *receiver.Progress, completion func(success bool, err error)) {
	if pol.IsUpdate() {
		c.fetchFromSource(url, 0, nil, pol, prog, &prefetchReceiver{completion: completion})
		return
	}

	if c.store == nil {
		completion(false, nil)
		return
	}

	info, length, ok := c.store.Peek(url)
	if ok && info.TotalLength != nil && length != nil && *length == *info.TotalLength {
		prog.AddCompleted(*length)
		completion(true, nil)
		return
	}
	if !ok || info.TotalLength == nil {
		completion(false, nil)
		return
	}

	offset := int64(0)
	if length != nil {
		offset = *length - prefetchTailRewind
		if offset < 0 {
			offset = 0
		}
	}
	remaining := *info.TotalLength - offset

	c.fetchFromSource(url, offset, &remaining, pol, prog, &prefetchReceiver{completion: completion})
}

// prefetchReceiver discards delivered bytes, reporting only success/failure
// to a caller-supplied completion, per spec.md §4.5's prefetch contract.
type prefetchReceiver struct {
	receiver.NopReceiver
	completion func(success bool, err error)
}

func (p *prefetchReceiver) OnFinished() { p.completion(true, nil) }
func (p *prefetchReceiver) OnAborted(err error) {
	if err == nil {
		p.completion(false, nil)
		return
	}
	p.completion(false, err)
}

// Peek implements spec.md §4.5's peek: delegate to the inner Store; on
// absence, delegate to the Source if it is itself a Store.
func (c *Cache) Peek(url string) (resource.Info, *int64, bool) {
	if c.store != nil {
		if info, length, ok := c.store.Peek(url); ok {
			return info, length, true
		}
	}
	if srcStore, ok := c.source.(Store); ok {
		return srcStore.Peek(url)
	}
	return resource.Info{}, nil, false
}

// Store writes a full resource body into the inner Store, synchronously.
func (c *Cache) Store(url string, info resource.StorageInfo, data []byte) error {
	if mutable, ok := c.mutableStore(); ok {
		return mutable.Store(url, info, data)
	}
	return nil
}

// Change fans out a policy mutation to both the inner Store and Source,
// when mutable, via golang.org/x/sync/errgroup (spec.md §5's fan-out
// rule), returning the first error.
func (c *Cache) Change(url string, pol policy.Policy) error {
	return c.fanOut(func(m MutableStore) error { return m.Change(url, pol) })
}

// Remove fans out a removal to both halves.
func (c *Cache) Remove(url string) error {
	return c.fanOut(func(m MutableStore) error { return m.Remove(url) })
}

// RemoveAll fans out a full wipe to both halves.
func (c *Cache) RemoveAll() error {
	return c.fanOut(func(m MutableStore) error { return m.RemoveAll() })
}

// RemoveExpired fans out an expiration sweep to both halves.
func (c *Cache) RemoveExpired() error {
	return c.fanOut(func(m MutableStore) error { return m.RemoveExpired() })
}

// fanOut runs op concurrently against the Store and Source halves (when
// each is mutable), grounded on quay/claircore's internal/libindex use of
// errgroup for concurrent fetcher dispatch, and returns the first error.
func (c *Cache) fanOut(op func(MutableStore) error) error {
	var g errgroup.Group

	if mutable, ok := c.mutableStore(); ok {
		g.Go(func() error { return op(mutable) })
	}
	if mutable, ok := c.mutableSource(); ok {
		g.Go(func() error { return op(mutable) })
	}

	return g.Wait()
}

// FetchBytes implements spec.md §6's fetch_bytes convenience wrapper: a
// synchronous full-body fetch via a buffer sink Receiver, capped at
// maxBytes.
func (c *Cache) FetchBytes(ctx context.Context, url string, offset int64, length *int64, pol policy.Policy, maxBytes int64) (*resource.Info, []byte, error) {
	prog := receiver.NewProgress()

	resultCh := make(chan fetchBytesResult, 1)

	sink := receiver.NewBufferSink(maxBytes, true, func(b *receiver.BufferSink) {
		if b.Dropped {
			resultCh <- fetchBytesResult{}
			return
		}
		resultCh <- fetchBytesResult{info: b.Info, data: b.Bytes, ok: true}
	})

	abortRcv := &bytesAbortReceiver{sink: sink, resultCh: resultCh}
	c.Fetch(url, offset, length, pol, prog, abortRcv)

	select {
	case <-ctx.Done():
		prog.Cancel()
		return nil, nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, nil, r.err
		}
		if !r.ok {
			return nil, nil, nil
		}
		info := r.info
		return &info, r.data, nil
	}
}

// fetchBytesResult is the outcome delivered over FetchBytes's result
// channel: either a completed (possibly dropped) buffer, or a hard error.
type fetchBytesResult struct {
	info resource.Info
	data []byte
	err  error
	ok   bool
}

// bytesAbortReceiver adapts a BufferSink (which only reports via its
// completion callback) into a full Receiver, forwarding a hard error to
// the same result channel a clean completion would use.
type bytesAbortReceiver struct {
	sink     *receiver.BufferSink
	resultCh chan fetchBytesResult
}

func (b *bytesAbortReceiver) OnInited(resp any, prog *receiver.Progress) { b.sink.OnInited(resp, prog) }
func (b *bytesAbortReceiver) OnStarted(info resource.Info, offset int64, length *int64) {
	b.sink.OnStarted(info, offset, length)
}
func (b *bytesAbortReceiver) OnData(chunk []byte) { b.sink.OnData(chunk) }
func (b *bytesAbortReceiver) OnFinished()         { b.sink.OnFinished() }
func (b *bytesAbortReceiver) OnAborted(err error) {
	if err != nil {
		b.resultCh <- fetchBytesResult{err: err}
		return
	}
	b.sink.OnAborted(err)
}
