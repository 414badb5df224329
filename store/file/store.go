package file

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/danielloader/webcache/cacheerr"
	"github.com/danielloader/webcache/internal/taskqueue"
	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

// chunkSize is the streaming fetch's read granularity (spec.md §4.3).
const chunkSize = 64 * 1024

// throttlePermits and throttleTimeout bound the storing Receiver's
// back-pressure semaphore (spec.md §4.3/§5's default limits).
const (
	throttlePermits = 4
	throttleTimeout = time.Second
)

// Store is the façade over Adapter implementing the mutable-store
// contract of spec.md §4.3: every operation is enqueued onto a single
// serialized task queue (spec.md §5), so Adapter itself needs no
// internal locking.
type Store struct {
	adapter *Adapter
	queue   *taskqueue.Queue
}

// NewStore builds a Store rooted at root, using the platform default
// sidecar implementation.
func NewStore(root string) *Store {
	return &Store{adapter: NewAdapter(root), queue: taskqueue.New(64)}
}

// AddGroup registers (or updates) a URL-prefix group.
func (s *Store) AddGroup(prefix string, tag Tag) {
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		s.adapter.AddGroup(prefix, tag)
	})
	<-done
}

// RemoveGroup deletes a group and its entire backing subtree.
func (s *Store) RemoveGroup(prefix string) error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.RemoveGroup(prefix)
	})
	<-done
	return err
}

// Fetch streams bytes from disk, implementing spec.md §4.3's streaming
// fetch algorithm: open_input, on_started, then a 64 KiB chunk loop
// checked for cancellation between reads.
func (s *Store) Fetch(url string, offset int64, length *int64, prog *receiver.Progress, rcv receiver.Receiver) {
	s.queue.Submit(func() {
		rcv.OnInited(nil, prog)

		res, err := s.adapter.OpenInput(url, offset, length)
		if err != nil {
			if errors.Is(err, cacheerr.ErrAbsent) {
				rcv.OnAborted(nil)
			} else {
				rcv.OnAborted(err)
			}
			return
		}
		defer res.Stream.Close()

		segLen := res.Length
		if prog.Total() < 0 {
			if res.Info.TotalLength != nil && offset+segLen == *res.Info.TotalLength {
				prog.SetTotal(*res.Info.TotalLength)
				prog.SetCompleted(offset)
			} else {
				prog.SetTotal(segLen)
			}
		}

		l := segLen
		rcv.OnStarted(res.Info.Info, offset, &l)

		buf := make([]byte, chunkSize)
		var delivered int64
		for delivered < segLen {
			if prog.Cancelled() {
				rcv.OnAborted(nil)
				return
			}
			want := int64(len(buf))
			if remaining := segLen - delivered; remaining < want {
				want = remaining
			}
			n, rerr := res.Stream.Read(buf[:want])
			if n > 0 {
				rcv.OnData(buf[:n])
				prog.AddCompleted(int64(n))
				delivered += int64(n)
			}
			if rerr != nil {
				if rerr == io.EOF {
					break
				}
				rcv.OnAborted(rerr)
				return
			}
		}
		rcv.OnFinished()
	})
}

// Peek returns metadata and the stored byte count for url.
func (s *Store) Peek(url string) (resource.Info, *int64, bool) {
	var info resource.Info
	var length *int64
	var ok bool
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		path, _ := s.adapter.PeekPath(url)
		stored, err := s.adapter.readSidecar(path)
		if err != nil {
			return
		}
		fi, statErr := os.Stat(path)
		if statErr != nil {
			return
		}
		l := fi.Size()
		info, length, ok = stored.Info, &l, true
	})
	<-done
	return info, length, ok
}

// StoreReceiver returns the streaming storing Receiver described in
// spec.md §4.3: resolves path/tag on OnStarted, adopts the group's
// default policy when the incoming policy is Default, suppresses
// writing for an expired resolved policy, and throttles OnData via a
// 4-permit/1s semaphore.
func (s *Store) StoreReceiver(url string, pol policy.Policy) receiver.Receiver {
	return &storingReceiver{
		adapter: s.adapter,
		url:     url,
		pol:     pol,
		sem:     semaphore.NewWeighted(throttlePermits),
	}
}

// Store synchronously writes the full body (spec.md §4.3's store(url,
// info, data)).
func (s *Store) Store(url string, info resource.StorageInfo, data []byte) error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.Store(url, info, data)
	})
	<-done
	return err
}

// Change mutates a stored entry's policy in place.
func (s *Store) Change(url string, pol policy.Policy) error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.Change(url, pol)
	})
	<-done
	return err
}

// Remove deletes url's payload and sidecar.
func (s *Store) Remove(url string) error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.Remove(url)
	})
	<-done
	return err
}

// RemoveAll empties the entire store root, including group subtrees.
func (s *Store) RemoveAll() error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.RemoveAll()
	})
	<-done
	return err
}

// RemoveExpired sweeps the store root and every group subdirectory,
// deleting entries whose policy is currently expired.
func (s *Store) RemoveExpired() error {
	var err error
	done := make(chan struct{})
	s.queue.Submit(func() {
		defer close(done)
		err = s.adapter.RemoveExpired()
	})
	<-done
	return err
}

// Close stops the store's task queue.
func (s *Store) Close() { s.queue.Close() }

// storingReceiver implements the "Streaming store" Receiver of spec.md
// §4.3.
type storingReceiver struct {
	adapter *Adapter
	url     string
	pol     policy.Policy
	sem     *semaphore.Weighted

	writer     io.WriteCloser
	suppressed bool
}

func (r *storingReceiver) OnInited(any, *receiver.Progress) {}

func (r *storingReceiver) OnStarted(info resource.Info, offset int64, _ *int64) {
	pol := r.pol
	if pol.IsDefault() {
		_, tag := r.adapter.PeekPath(r.url)
		if p, ok := tag[TagPolicyKey].(policy.Policy); ok {
			pol = p
		}
	}
	if pol.IsExpired() {
		r.suppressed = true
		return
	}

	w, err := r.adapter.OpenOutput(r.url, resource.StorageInfo{Info: info, Policy: pol}, offset)
	if err != nil {
		r.suppressed = true
		return
	}
	r.writer = w
}

func (r *storingReceiver) OnData(chunk []byte) {
	if r.suppressed || r.writer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), throttleTimeout)
	defer cancel()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		// Back-pressure timeout: drop the rest of this write silently.
		// Caching is best-effort and must never perturb the stream being
		// delivered to the actual caller.
		r.suppressed = true
		return
	}

	_, err := r.writer.Write(chunk)
	r.sem.Release(1)
	if err != nil {
		r.suppressed = true
	}
}

func (r *storingReceiver) OnFinished() {
	if r.writer != nil {
		r.writer.Close()
	}
}

func (r *storingReceiver) OnAborted(error) {
	if r.writer != nil {
		r.writer.Close()
	}
}
