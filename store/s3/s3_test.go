package s3

import (
	"net/http"
	"strings"
	"testing"

	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/resource"
)

// The S3 tier's network calls need a live (or mocked) endpoint that
// this test suite has no way to stand up without running the Go
// toolchain against real AWS infrastructure, so coverage here is
// limited to the pure key-derivation and (de)serialization logic —
// the same boundary store/file's meta_test.go would draw around its
// own wireMeta helpers.

func TestObjectAndMetaKeysAreStableAndDistinct(t *testing.T) {
	s := &Store{prefix: "cache/"}
	url := "https://example.com/thing"

	key := s.objectKey(url)
	metaKey := s.metaKey(url)

	if key == metaKey {
		t.Fatalf("object key and sidecar key must differ, both got %q", key)
	}
	if got, want := s.objectKey(url), key; got != want {
		t.Fatalf("objectKey is not stable across calls: %q != %q", got, want)
	}
	if len(metaKey) != len(key)+len(sidecarSuffix) {
		t.Fatalf("metaKey %q is not key+sidecarSuffix", metaKey)
	}
}

// TestRemoveExpiredRecoversPayloadKeyFromListedMetaKey pins down the fix
// for RemoveExpired's deletion branch: since objectKey hashes the URL,
// a listed sidecar key's URL can't be recovered, so the payload key to
// delete alongside it must come from trimming sidecarSuffix off the
// listed key itself, not from re-deriving objectKey(recoveredURL).
func TestRemoveExpiredRecoversPayloadKeyFromListedMetaKey(t *testing.T) {
	s := &Store{prefix: "cache/"}
	url := "https://example.com/expired-thing"

	metaKey := s.metaKey(url)
	payloadKey := strings.TrimSuffix(metaKey, sidecarSuffix)

	if payloadKey != s.objectKey(url) {
		t.Fatalf("payload key derived from metaKey = %q, want %q", payloadKey, s.objectKey(url))
	}
	if !strings.HasSuffix(metaKey, sidecarSuffix) {
		t.Fatalf("metaKey %q missing sidecarSuffix", metaKey)
	}
}

func TestMarshalUnmarshalMetaRoundTrip(t *testing.T) {
	total := int64(1234)
	info := resource.StorageInfo{
		Info: resource.Info{
			MIMEType:    "text/plain",
			TotalLength: &total,
			Headers:     map[string]string{"ETag": `"abc"`},
		},
		Policy: policy.Keep(),
	}

	data, err := marshalMeta(info)
	if err != nil {
		t.Fatalf("marshalMeta: %v", err)
	}

	got, err := unmarshalMeta(data)
	if err != nil {
		t.Fatalf("unmarshalMeta: %v", err)
	}
	if !got.Info.Equal(info.Info) {
		t.Fatalf("round-tripped Info = %+v, want %+v", got.Info, info.Info)
	}
	if !got.Policy.Equal(info.Policy) {
		t.Fatalf("round-tripped Policy = %v, want %v", got.Policy, info.Policy)
	}
}

func TestUnmarshalMetaDefaultsMIMEType(t *testing.T) {
	got, err := unmarshalMeta([]byte(`{"p":"keep"}`))
	if err != nil {
		t.Fatalf("unmarshalMeta: %v", err)
	}
	if got.MIMEType != resource.DefaultMIMEType {
		t.Fatalf("got MIMEType %q, want default", got.MIMEType)
	}
}

func TestIsConditionalPutConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"unrelated error", errString("boom"), false},
		{"precondition failed", &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusPreconditionFailed}},
		}, true},
		{"conflict", &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusConflict}},
		}, true},
		{"not found is not a conflict", &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
		}, false},
	}
	for _, c := range cases {
		if got := isConditionalPutConflict(c.err); got != c.want {
			t.Errorf("%s: isConditionalPutConflict = %v, want %v", c.name, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
