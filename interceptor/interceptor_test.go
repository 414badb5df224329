package interceptor

import (
	"net/http/httptest"
	"testing"

	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/receiver"
	"github.com/danielloader/webcache/resource"
)

const testBlob = "0123456789ABCDEF" // 16 bytes

// mockCache is a minimal Cache double serving one fixed body.
type mockCache struct {
	data  []byte
	info  resource.Info
	total *int64
	miss  bool
}

func (m *mockCache) Fetch(url string, offset int64, length *int64, pol policy.Policy, prog *receiver.Progress, rcv receiver.Receiver) {
	rcv.OnInited(nil, prog)
	if m.miss {
		rcv.OnAborted(nil)
		return
	}
	end := int64(len(m.data))
	if length != nil {
		end = offset + *length
	}
	l := end - offset
	rcv.OnStarted(m.info, offset, &l)
	rcv.OnData(m.data[offset:end])
	rcv.OnFinished()
}

func (m *mockCache) Peek(url string) (resource.Info, *int64, bool) {
	if m.miss {
		return resource.Info{}, nil, false
	}
	return m.info, m.total, true
}

func blobInfo() resource.Info {
	total := int64(len(testBlob))
	return resource.Info{MIMEType: "application/octet-stream", TotalLength: &total, Headers: map[string]string{"ETag": `"abc"`}}
}

func TestNoRangeFullBody(t *testing.T) {
	total := int64(len(testBlob))
	c := &mockCache{data: []byte(testBlob), info: blobInfo(), total: &total}
	h := New(c, nil)

	req := httptest.NewRequest("GET", "/?url=http://example.com/blob", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != testBlob {
		t.Fatalf("got %q, want %q", rec.Body.String(), testBlob)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("expected Accept-Ranges: bytes")
	}
	if rec.Header().Get("Content-Encoding") != "identity" {
		t.Fatalf("expected Content-Encoding: identity")
	}
	if rec.Header().Get("ETag") != `"abc"` {
		t.Fatalf("expected whitelisted ETag header to propagate")
	}
}

func TestRangeRequestReturns206(t *testing.T) {
	total := int64(len(testBlob))
	c := &mockCache{data: []byte(testBlob), info: blobInfo(), total: &total}
	h := New(c, nil)

	req := httptest.NewRequest("GET", "/?url=http://example.com/blob", nil)
	req.Header.Set("Range", "bytes=5-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 206 {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "56789" {
		t.Fatalf("got %q, want %q", rec.Body.String(), "56789")
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 5-9/16" {
		t.Fatalf("unexpected Content-Range: %q", cr)
	}
}

func TestRangeBeyondTotalReturns416(t *testing.T) {
	total := int64(len(testBlob))
	c := &mockCache{data: []byte(testBlob), info: blobInfo(), total: &total}
	h := New(c, nil)

	req := httptest.NewRequest("GET", "/?url=http://example.com/blob", nil)
	req.Header.Set("Range", "bytes=100-200")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 416 {
		t.Fatalf("expected 416, got %d", rec.Code)
	}
}

func TestMissingURLParamIs400(t *testing.T) {
	h := New(&mockCache{}, nil)
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCacheMissIs404(t *testing.T) {
	h := New(&mockCache{miss: true}, nil)
	req := httptest.NewRequest("GET", "/?url=http://example.com/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzBypassesCache(t *testing.T) {
	h := New(&mockCache{miss: true}, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
}
