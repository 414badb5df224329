package file

import (
	"os"
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

func storeDataViaReceiver(t *testing.T, s *Store, url string, pol policy.Policy, info resource.Info, data []byte) {
	t.Helper()
	rcv := s.StoreReceiver(url, pol)
	rcv.OnInited(nil, receiver.NewProgress())
	rcv.OnStarted(info, 0, nil)
	rcv.OnData(data)
	rcv.OnFinished()
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	if err := s.Store("https://example.com/a", info, []byte("hello world")); err != nil {
		t.Fatalf("Store: %v", err)
	}

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
	s := NewStore(t.TempDir())
	defer s.Close()

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	if err := s.Store("u", info, []byte("0123456789")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	n := int64(4)
	rec := newRecordingReceiver()
	s.Fetch("u", 2, &n, receiver.NewProgress(), rec)
	<-rec.done

	if string(rec.data) != "2345" {
		t.Fatalf("got %q, want %q", rec.data, "2345")
	}
}

func TestFetchMiss(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	rec := newRecordingReceiver()
	s.Fetch("missing", 0, nil, receiver.NewProgress(), rec)
	<-rec.done

	if !rec.aborted || rec.abortErr != nil {
		t.Fatalf("expected a soft miss (aborted, nil error), got %+v", rec)
	}
}

func TestFetchPartialBeyondAvailableReturnsAbsent(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	// Resume-write leaves a payload shorter than its declared total length.
	total := int64(10)
	info := resource.Info{MIMEType: resource.DefaultMIMEType, TotalLength: &total}
	storeDataViaReceiver(t, s, "u", policy.Keep(), info, []byte("01234"))

	n := int64(5)
	rec := newRecordingReceiver()
	s.Fetch("u", 5, &n, receiver.NewProgress(), rec)
	<-rec.done

	if !rec.aborted || rec.abortErr != nil {
		t.Fatalf("expected an absent abort for a not-yet-available tail, got %+v", rec)
	}
}

func TestExpiryRemovesOnRead(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	past := policy.ExpiredAt(time.Now().Add(-time.Hour))
	if err := s.Store("u", resource.StorageInfo{Info: resource.New(), Policy: past}, []byte("data")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, _, ok := s.Peek("u"); ok {
		t.Fatalf("expected expired entry to read back as absent")
	}
}

func TestChangePolicyToExpiredRemoves(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	if err := s.Store("u", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("data")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Change("u", policy.ExpiredAt(time.Now().Add(-time.Hour))); err != nil {
		t.Fatalf("Change: %v", err)
	}

	if _, _, ok := s.Peek("u"); ok {
		t.Fatalf("expected change to expired policy to remove the entry")
	}
}

func TestRemoveExpiredSweep(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	defer s.Close()

	past := policy.ExpiredAt(time.Now().Add(-time.Hour))
	if err := s.Store("stale", resource.StorageInfo{Info: resource.New(), Policy: past}, []byte("a")); err != nil {
		t.Fatalf("Store stale: %v", err)
	}
	if err := s.Store("fresh", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("b")); err != nil {
		t.Fatalf("Store fresh: %v", err)
	}

	if err := s.RemoveExpired(); err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}

	if _, _, ok := s.Peek("fresh"); !ok {
		t.Fatalf("expected fresh entry to survive the sweep")
	}
}

func TestGroupRoutingIsolatesSubdirectory(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	defer s.Close()

	s.AddGroup("https://cdn.example.com/", Tag{TagPolicyKey: policy.Keep()})

	info := resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}
	if err := s.Store("https://cdn.example.com/file.bin", info, []byte("payload")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		t.Fatalf("expected a single group subdirectory under root, got %v", entries)
	}

	rec := newRecordingReceiver()
	s.Fetch("https://cdn.example.com/file.bin", 0, nil, receiver.NewProgress(), rec)
	<-rec.done
	if string(rec.data) != "payload" {
		t.Fatalf("got %q, want %q", rec.data, "payload")
	}
}

func TestRemoveAllClearsRootAndGroups(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	defer s.Close()

	s.AddGroup("grouped:", Tag{})
	if err := s.Store("grouped:x", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("x")); err != nil {
		t.Fatalf("Store grouped: %v", err)
	}
	if err := s.Store("flat", resource.StorageInfo{Info: resource.New(), Policy: policy.Keep()}, []byte("y")); err != nil {
		t.Fatalf("Store flat: %v", err)
	}

	if err := s.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty root after RemoveAll, got %v", entries)
	}
}

func TestStoreReceiverAdoptsGroupDefaultPolicy(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	defer s.Close()

	past := policy.ExpiredAt(time.Now().Add(-time.Hour))
	s.AddGroup("expired:", Tag{TagPolicyKey: past})

	storeDataViaReceiver(t, s, "expired:x", policy.Default(), resource.New(), []byte("data"))

	if _, _, ok := s.Peek("expired:x"); ok {
		t.Fatalf("expected a default-policy write under an expired group default to be suppressed")
	}
}
