// Package resource holds the metadata value types carried alongside
// every cached byte stream: MIME type, text encoding, total length, and
// a whitelisted slice of response headers.
package resource

import (
	"maps"

	"github.com/danielloader/webcache/policy"
)

// DefaultMIMEType is used whenever a resource's MIME type is unknown.
const DefaultMIMEType = "application/octet-stream"

// Info is the metadata describing a cached resource, independent of any
// particular policy. It is the unit of equality used by the round-trip
// and range-consistency testable properties in spec.md §8.
type Info struct {
	MIMEType     string            `json:"m"`
	TextEncoding string            `json:"t,omitempty"`
	TotalLength  *int64            `json:"l,omitempty"`
	Headers      map[string]string `json:"h,omitempty"`
}

// New returns an Info with MIMEType defaulted to DefaultMIMEType.
func New() Info {
	return Info{MIMEType: DefaultMIMEType}
}

// Equal compares all four fields structurally. Two nil/empty Headers
// maps of different nil-ness are treated as equal.
func (i Info) Equal(o Info) bool {
	if i.MIMEType != o.MIMEType || i.TextEncoding != o.TextEncoding {
		return false
	}
	switch {
	case i.TotalLength == nil && o.TotalLength == nil:
	case i.TotalLength != nil && o.TotalLength != nil && *i.TotalLength == *o.TotalLength:
	default:
		return false
	}
	if len(i.Headers) != len(o.Headers) {
		return false
	}
	for k, v := range i.Headers {
		if o.Headers[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of i.
func (i Info) Clone() Info {
	c := i
	if i.TotalLength != nil {
		l := *i.TotalLength
		c.TotalLength = &l
	}
	if i.Headers != nil {
		c.Headers = maps.Clone(i.Headers)
	}
	return c
}

// StorageInfo is Info plus the policy governing the entry's expiry. It
// is the on-disk / on-wire metadata record (spec.md §3's "StorageInfo").
type StorageInfo struct {
	Info
	Policy policy.Policy `json:"p"`
}

// Clone returns a deep copy of s.
func (s StorageInfo) Clone() StorageInfo {
	return StorageInfo{Info: s.Info.Clone(), Policy: s.Policy}
}

// EqualIgnoringPolicy compares the embedded Info but not Policy. This is
// the equality used by FileStoreAdapter.OpenOutput when deciding whether
// a resumed partial write may continue against an existing payload: a
// concurrent policy change must not invalidate an in-flight write
// (spec.md §9, Open Question 3).
func (s StorageInfo) EqualIgnoringPolicy(o StorageInfo) bool {
	return s.Info.Equal(o.Info)
}
