//go:build linux

package sidecar

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// attrName is the single extended attribute every payload file carries,
// per spec.md §3/§6.
const attrName = "user.WebCache"

// xattrStore stores sidecar JSON in the "WebCache" extended attribute on
// the payload file, matching aistore's ios package convention of
// wrapping golang.org/x/sys/unix syscalls behind small OS-specific
// files selected by build tag.
type xattrStore struct{}

func newPlatformStore() Store { return xattrStore{} }

func (xattrStore) Read(path string) ([]byte, error) {
	// Probe the attribute size first, then read into a buffer of exactly
	// that size, so no buffer size has to be guessed.
	size, err := unix.Getxattr(path, attrName, nil)
	if err != nil {
		if errIsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading xattr %s: %w", attrName, err)
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, attrName, buf)
	if err != nil {
		if errIsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading xattr %s: %w", attrName, err)
	}
	return buf[:n], nil
}

func (xattrStore) Write(path string, data []byte) error {
	if err := unix.Setxattr(path, attrName, data, 0); err != nil {
		return fmt.Errorf("writing xattr %s: %w", attrName, err)
	}
	return nil
}

func (xattrStore) Remove(path string) error {
	if err := unix.Removexattr(path, attrName); err != nil && !errIsNotFound(err) {
		return fmt.Errorf("removing xattr %s: %w", attrName, err)
	}
	return nil
}

func errIsNotFound(err error) bool {
	return err == unix.ENODATA || err == unix.ENOENT
}
