package fetcher

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

type recordingReceiver struct {
	inited   bool
	info     resource.Info
	offset   int64
	length   *int64
	data     []byte
	finished bool
	aborted  bool
	abortErr error
}

func (r *recordingReceiver) OnInited(any, *receiver.Progress) { r.inited = true }
func (r *recordingReceiver) OnStarted(info resource.Info, offset int64, length *int64) {
	r.info, r.offset, r.length = info, offset, length
}
func (r *recordingReceiver) OnData(chunk []byte) { r.data = append(r.data, chunk...) }
func (r *recordingReceiver) OnFinished()          { r.finished = true }
func (r *recordingReceiver) OnAborted(err error)  { r.aborted = true; r.abortErr = err }

func TestFetchFullBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New()
	rec := &recordingReceiver{}
	f.Fetch(srv.URL, 0, nil, receiver.NewProgress(), rec)

	if !rec.inited || !rec.finished || rec.aborted {
		t.Fatalf("unexpected receiver state: %+v", rec)
	}
	if string(rec.data) != "hello world" {
		t.Fatalf("got %q, want %q", rec.data, "hello world")
	}
	if rec.info.Headers["Etag"] != `"abc"` {
		t.Fatalf("expected ETag to propagate, got %+v", rec.info.Headers)
	}
}

func TestFetchEmpty204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := New()
	rec := &recordingReceiver{}
	f.Fetch(srv.URL, 0, nil, receiver.NewProgress(), rec)

	if !rec.finished || len(rec.data) != 0 {
		t.Fatalf("expected an empty finished body, got %+v", rec)
	}
}

func TestFetchPartialContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=100-199" {
			t.Errorf("unexpected Range header: %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 100-199/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	f := New()
	n := int64(100)
	rec := &recordingReceiver{}
	f.Fetch(srv.URL, 100, &n, receiver.NewProgress(), rec)

	if rec.offset != 100 || rec.length == nil || *rec.length != 100 {
		t.Fatalf("unexpected range delivered: offset=%d length=%v", rec.offset, rec.length)
	}
	if rec.info.TotalLength == nil || *rec.info.TotalLength != 1000 {
		t.Fatalf("expected total length 1000, got %v", rec.info.TotalLength)
	}
}

func TestFetch404IsSoftMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New()
	rec := &recordingReceiver{}
	f.Fetch(srv.URL, 0, nil, receiver.NewProgress(), rec)

	if !rec.aborted || rec.abortErr != nil {
		t.Fatalf("expected a soft miss (aborted, nil error), got %+v", rec)
	}
}

func TestFetchOtherStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New()
	rec := &recordingReceiver{}
	f.Fetch(srv.URL, 0, nil, receiver.NewProgress(), rec)

	if !rec.aborted || rec.abortErr == nil {
		t.Fatalf("expected a transport error, got %+v", rec)
	}
}

func TestRangeHeaderFormation(t *testing.T) {
	cases := []struct {
		offset int64
		length *int64
		want   string
	}{
		{0, nil, ""},
		{0, int64Ptr(10), "bytes=0-9"},
		{5, nil, "bytes=5-"},
		{5, int64Ptr(10), "bytes=5-14"},
	}
	for _, c := range cases {
		if got := rangeHeader(c.offset, c.length); got != c.want {
			t.Errorf("rangeHeader(%d, %v) = %q, want %q", c.offset, c.length, got, c.want)
		}
	}
}

func int64Ptr(n int64) *int64 { return &n }
