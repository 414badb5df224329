// Package sidecar abstracts per-file metadata storage behind a small
// interface with two implementations, per spec.md §9 ("Extended-
// attribute sidecars. Portable systems languages should abstract
// sidecar storage behind a small interface with two implementations:
// platform xattr where available, and a sibling .meta file where
// not."):
//
//   - on linux, the "WebCache" extended attribute on the payload file
//     itself (see xattr_linux.go), using golang.org/x/sys/unix;
//   - everywhere else, a sibling file named "<payload>.WebCache" (see
//     file_fallback.go), the portable translation of the same contract.
//
// The on-disk JSON schema (not this package's concern — see wireMeta in
// store/file/meta.go) is the interoperability contract; callers never need
// to know which Store implementation is backing a given root.
package sidecar

import "errors"

// ErrNotFound is returned by Read when no sidecar exists for path.
var ErrNotFound = errors.New("sidecar: not found")

// Store reads, writes, and removes the sidecar metadata associated with
// a payload file at path. Implementations need not create path itself;
// Write is only ever called after the payload file exists.
type Store interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Remove(path string) error
}

// New returns the best Store implementation for the current platform.
func New() Store { return newPlatformStore() }
