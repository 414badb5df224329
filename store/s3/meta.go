package s3

import (
	"encoding/json"
	"fmt"

	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/resource"
)

// wireMeta is the JSON object persisted in every sidecar object,
// matching spec.md §6's on-disk schema (store/file.wireMeta's S3
// counterpart): m (mime), t (text encoding, optional), l (total length,
// optional), p (policy), h (headers).
type wireMeta struct {
	M string            `json:"m"`
	T string            `json:"t,omitempty"`
	L *int64            `json:"l,omitempty"`
	P string            `json:"p"`
	H map[string]string `json:"h,omitempty"`
}

func toWire(s resource.StorageInfo) wireMeta {
	return wireMeta{
		M: s.MIMEType,
		T: s.TextEncoding,
		L: s.TotalLength,
		P: s.Policy.String(),
		H: s.Headers,
	}
}

func (w wireMeta) toStorageInfo() resource.StorageInfo {
	mime := w.M
	if mime == "" {
		mime = resource.DefaultMIMEType
	}
	return resource.StorageInfo{
		Info: resource.Info{
			MIMEType:     mime,
			TextEncoding: w.T,
			TotalLength:  w.L,
			Headers:      w.H,
		},
		Policy: policy.Parse(w.P),
	}
}

// marshalMeta encodes a StorageInfo into the sidecar object's JSON bytes.
func marshalMeta(s resource.StorageInfo) ([]byte, error) {
	data, err := json.Marshal(toWire(s))
	if err != nil {
		return nil, fmt.Errorf("marshalling sidecar metadata: %w", err)
	}
	return data, nil
}

// unmarshalMeta decodes sidecar object JSON bytes into a StorageInfo.
func unmarshalMeta(data []byte) (resource.StorageInfo, error) {
	var w wireMeta
	if err := json.Unmarshal(data, &w); err != nil {
		return resource.StorageInfo{}, fmt.Errorf("parsing sidecar metadata: %w", err)
	}
	return w.toStorageInfo(), nil
}
