package memory

import (
	"testing"
	"time"

	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

// recordingReceiver captures the calls a Fetch makes, for assertions.
type recordingReceiver struct {
	inited   bool
	info     resource.Info
	offset   int64
	length   *int64
	data     []byte
	finished bool
	aborted  bool
	abortErr error
	done     chan struct{} // closed on the terminal callback; Fetch is asynchronous
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{done: make(chan struct{})}
}

func (r *recordingReceiver) OnInited(any, *receiver.Progress) { r.inited = true }
func (r *recordingReceiver) OnStarted(info resource.Info, offset int64, length *int64) {
	r.info, r.offset, r.length = info, offset, length
}
func (r *recordingReceiver) OnData(chunk []byte) { r.data = append(r.data, chunk...) }
func (r *recordingReceiver) OnFinished()          { r.finished = true; close(r.done) }
func (r *recordingReceiver) OnAborted(err error)  { r.aborted = true; r.abortErr = err; close(r.done) }

func TestStoreAndFetchRoundTrip(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	s.Store("https://example.com/a", info, []byte("hello world"))

	rec := newRecordingReceiver()
	s.Fetch("https://example.com/a", 0, nil, receiver.NewProgress(), rec)
	<-rec.done

	if !rec.inited || !rec.finished || rec.aborted {
		t.Fatalf("unexpected receiver state: %+v", rec)
	}
	if string(rec.data) != "hello world" {
		t.Fatalf("got %q, want %q", rec.data, "hello world")
	}
}

func TestFetchRange(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	s.Store("u", info, []byte("0123456789"))

	n := int64(4)
	rec := newRecordingReceiver()
	s.Fetch("u", 2, &n, receiver.NewProgress(), rec)
	<-rec.done

	if string(rec.data) != "2345" {
		t.Fatalf("got %q, want %q", rec.data, "2345")
	}
}

func TestFetchRangeInvalidAborts(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	s.Store("u", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("short"))

	n := int64(100)
	rec := newRecordingReceiver()
	s.Fetch("u", 0, &n, receiver.NewProgress(), rec)
	<-rec.done

	if !rec.aborted || rec.abortErr == nil {
		t.Fatalf("expected an aborted fetch with a range error, got %+v", rec)
	}
}

func TestFetchMiss(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	rec := newRecordingReceiver()
	s.Fetch("missing", 0, nil, receiver.NewProgress(), rec)
	<-rec.done

	if !rec.aborted || rec.abortErr != nil {
		t.Fatalf("expected a soft miss (aborted, nil error), got %+v", rec)
	}
}

func TestExpiryRemovesOnRead(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	past := policy.ExpiredAt(time.Now().Add(-time.Hour))
	s.Store("u", resource.StorageInfo{Info: resource.New(), Policy: past}, []byte("data"))

	if _, _, ok := s.Peek("u"); ok {
		t.Fatalf("expected expired entry to read back as absent")
	}
}

func TestChangePolicyToExpiredRemoves(t *testing.T) {
	s := New(1<<20, 0)
	defer s.Close()

	s.Store("u", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("data"))
	s.Change("u", policy.ExpiredAt(time.Now().Add(-time.Hour)))

	if _, _, ok := s.Peek("u"); ok {
		t.Fatalf("expected change to expired policy to remove the entry")
	}
}

func TestCostBoundEviction(t *testing.T) {
	s := New(10, 0) // 10 bytes total
	defer s.Close()

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	s.Store("a", info, []byte("12345"))
	s.Store("b", info, []byte("67890"))
	s.Store("c", info, []byte("abcde")) // pushes total past 10, "a" should be evicted

	if _, _, ok := s.Peek("a"); ok {
		t.Fatalf("expected oldest entry to be evicted once cost exceeded the limit")
	}
	if _, _, ok := s.Peek("c"); !ok {
		t.Fatalf("expected most recent entry to remain")
	}
}
