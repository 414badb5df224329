//go:build !linux

package sidecar

import (
	"errors"
	"fmt"
	"os"
)

// sidecarSuffix mirrors the teacher's ".meta.json" convention, renamed
// to the spec's attribute name so both implementations of this
// interface agree on the schema even though the storage mechanism
// differs.
const sidecarSuffix = ".WebCache"

// fileStore stores sidecar JSON in a sibling file next to the payload,
// the portable fallback for platforms without extended attributes.
type fileStore struct{}

func newPlatformStore() Store { return fileStore{} }

func sidecarPath(path string) string { return path + sidecarSuffix }

func (fileStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}
	return data, nil
}

func (fileStore) Write(path string, data []byte) error {
	if err := os.WriteFile(sidecarPath(path), data, 0o644); err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	return nil
}

func (fileStore) Remove(path string) error {
	if err := os.Remove(sidecarPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing sidecar: %w", err)
	}
	return nil
}
