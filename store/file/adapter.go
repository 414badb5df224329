// Package file implements the persistent, sidecar-backed byte store
// described in spec.md §4.3: path derivation through groups, range
// reads, resumable partial writes, and an expiration sweep. It mirrors
// the teacher's internal/cache/fs.go (sidecar-plus-payload, atomic
// temp-file-then-rename writes) generalized from a flat key-value
// object store into a URL-addressed, range-aware one.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danielloader/webcache/cacheerr"
	"github.com/danielloader/webcache/policy"
	"github.com/danielloader/webcache/resource"
	"github.com/danielloader/webcache/store/file/sidecar"
	"github.com/danielloader/webcache/urlhash"
)

// Adapter owns all filesystem access for a FileStore: path derivation,
// sidecar IO, and range-aware open for read/write. It holds no
// concurrency guarantees of its own — FileStore serializes calls onto
// its task queue, per spec.md §5.
type Adapter struct {
	root    string
	groups  *groupTable
	sidecar sidecar.Store
}

// NewAdapter builds an Adapter rooted at root, using the platform's
// default sidecar.Store.
func NewAdapter(root string) *Adapter {
	return &Adapter{root: root, groups: newGroupTable(), sidecar: sidecar.New()}
}

// AddGroup registers (or updates) a group routing every URL with the
// given prefix to an isolated subdirectory, with an associated Tag
// (spec.md §4.3). Idempotent on prefix.
func (a *Adapter) AddGroup(prefix string, tag Tag) {
	a.groups.add(prefix, tag)
}

// RemoveGroup deletes prefix's entry and its entire backing subtree.
func (a *Adapter) RemoveGroup(prefix string) error {
	if !a.groups.remove(prefix) {
		return nil
	}
	dir := filepath.Join(a.root, urlhash.Hash(prefix))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing group subtree: %w", err)
	}
	return nil
}

// resolved is the result of path derivation for a URL.
type resolved struct {
	path string
	tag  Tag
}

// resolve derives the on-disk payload path for url, matching spec.md
// §4.3's path-derivation algorithm: walk groups in insertion order, the
// first prefix match wins and yields <root>/<md5(prefix)>/<md5(url)>;
// otherwise <root>/<md5(url)>.
func (a *Adapter) resolve(url string) resolved {
	if prefix, tag, ok := a.groups.match(url); ok {
		dir := filepath.Join(a.root, urlhash.Hash(prefix))
		return resolved{path: filepath.Join(dir, urlhash.Hash(url)), tag: tag}
	}
	return resolved{path: filepath.Join(a.root, urlhash.Hash(url))}
}

// readSidecar loads and parses path's sidecar. Any failure — missing
// attribute, malformed JSON, or an expired policy — deletes the payload
// and reports ErrAbsent, matching spec.md §4.3's "on any metadata read
// failure ... delete the payload and report absence".
func (a *Adapter) readSidecar(path string) (resource.StorageInfo, error) {
	data, err := a.sidecar.Read(path)
	if err != nil {
		if errors.Is(err, sidecar.ErrNotFound) {
			return resource.StorageInfo{}, cacheerr.ErrAbsent
		}
		a.deleteQuietly(path)
		return resource.StorageInfo{}, cacheerr.ErrAbsent
	}
	info, err := unmarshalMeta(data)
	if err != nil {
		a.deleteQuietly(path)
		return resource.StorageInfo{}, cacheerr.ErrAbsent
	}
	if info.Policy.IsExpired() {
		a.deleteQuietly(path)
		return resource.StorageInfo{}, cacheerr.ErrAbsent
	}
	return info, nil
}

func (a *Adapter) writeSidecar(path string, info resource.StorageInfo) error {
	data, err := marshalMeta(info)
	if err != nil {
		return err
	}
	return a.sidecar.Write(path, data)
}

func (a *Adapter) deleteQuietly(path string) {
	_ = a.sidecar.Remove(path)
	_ = os.Remove(path)
}

// Delete removes both the payload at path and its sidecar.
func (a *Adapter) Delete(path string) error {
	_ = a.sidecar.Remove(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing payload: %w", err)
	}
	return nil
}

// OpenResult is returned by OpenInput: the sidecar metadata plus a
// range-limited stream. Stream is nil only when OpenInput also returns a
// non-nil error.
type OpenResult struct {
	Info   resource.StorageInfo
	Stream io.ReadCloser
	Length int64
}

// OpenInput opens path for a range read, implementing spec.md §4.3's
// six-step algorithm exactly: absence, resolve total/length, null
// stream for a non-positive length, clamp-or-absent-or-null when the
// requested range runs past the file's current size, and a final seek
// + length-limited stream otherwise.
func (a *Adapter) OpenInput(url string, offset int64, length *int64) (OpenResult, error) {
	r := a.resolve(url)

	info, err := a.readSidecar(r.path)
	if err != nil {
		return OpenResult{}, err
	}

	fi, err := os.Stat(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OpenResult{}, cacheerr.ErrAbsent
		}
		return OpenResult{}, fmt.Errorf("stat payload: %w", err)
	}
	fileSize := fi.Size()

	total := fileSize
	if info.TotalLength != nil {
		total = *info.TotalLength
	}

	segLen := total - offset
	if length != nil {
		segLen = *length
	}

	if segLen <= 0 {
		return OpenResult{Info: info, Stream: nullStream{}, Length: 0}, nil
	}

	if offset+segLen > fileSize {
		switch {
		case total <= fileSize && offset < total:
			segLen = total - offset
		case offset >= total:
			return OpenResult{Info: info, Stream: nullStream{}, Length: 0}, nil
		default:
			return OpenResult{}, cacheerr.ErrAbsent
		}
	}

	f, err := os.Open(r.path)
	if err != nil {
		return OpenResult{}, fmt.Errorf("opening payload: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return OpenResult{}, fmt.Errorf("seeking payload: %w", err)
	}

	return OpenResult{
		Info:   info,
		Stream: &limitedFile{f: f, remaining: segLen},
		Length: segLen,
	}, nil
}

// OpenOutput opens path for a write starting at offset, implementing
// spec.md §4.3's open_output algorithm: offset 0 (re)creates the
// sidecar and truncates the payload; offset > 0 resumes only if the
// existing sidecar's Info matches meta exactly (policy excluded, per
// spec.md §9's documented equality hazard).
func (a *Adapter) OpenOutput(url string, meta resource.StorageInfo, offset int64) (io.WriteCloser, error) {
	r := a.resolve(url)

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	if offset == 0 {
		f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening payload for write: %w", err)
		}
		if err := a.writeSidecar(r.path, meta); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}

	existing, err := a.readSidecar(r.path)
	if err != nil || !existing.EqualIgnoringPolicy(meta) {
		a.deleteQuietly(r.path)
		return nil, cacheerr.ErrAbsent
	}

	fi, err := os.Stat(r.path)
	if err != nil {
		return nil, cacheerr.ErrAbsent
	}
	if offset > fi.Size() {
		return nil, cacheerr.ErrRangeInvalid
	}

	f, err := os.OpenFile(r.path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening payload for resume: %w", err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating payload: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking payload: %w", err)
	}
	return f, nil
}

// Store synchronously writes the full body at offset 0, for FileStore's
// synchronous store(url, info, data) operation. It reuses the same
// atomic temp-file-then-rename convention as the teacher's
// atomicWrite/atomicWriteBytes helpers.
func (a *Adapter) Store(url string, info resource.StorageInfo, data []byte) error {
	r := a.resolve(url)
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := atomicWrite(r.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := a.writeSidecar(r.path, info); err != nil {
		return err
	}
	return nil
}

// Change mutates the sidecar's policy in place, without touching the
// payload. An expired policy deletes the entry instead.
func (a *Adapter) Change(url string, pol policy.Policy) error {
	r := a.resolve(url)
	info, err := a.readSidecar(r.path)
	if err != nil {
		return nil // already absent; nothing to change
	}
	if pol.IsExpired() {
		return a.Delete(r.path)
	}
	info.Policy = pol
	return a.writeSidecar(r.path, info)
}

// Remove deletes url's payload and sidecar, if present.
func (a *Adapter) Remove(url string) error {
	return a.Delete(a.resolve(url).path)
}

// PeekPath resolves url's on-disk path and tag without performing IO,
// for callers (FileStore.Peek) that only need metadata.
func (a *Adapter) PeekPath(url string) (path string, tag Tag) {
	r := a.resolve(url)
	return r.path, r.tag
}

// RemoveExpired walks the root (and every group subdirectory) and
// deletes entries whose policy is currently expired (spec.md §4.3's
// sweep).
func (a *Adapter) RemoveExpired() error {
	roots := []string{a.root}
	for _, prefix := range a.groups.prefixes() {
		roots = append(roots, filepath.Join(a.root, urlhash.Hash(prefix)))
	}

	for _, dir := range roots {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading store root: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			payload := filepath.Join(dir, e.Name())
			info, err := a.readSidecar(payload)
			if err != nil {
				continue // already deleted by readSidecar on bad/expired metadata
			}
			if info.Policy.IsExpired() {
				a.deleteQuietly(payload)
			}
		}
	}
	return nil
}

// RemoveAll deletes every payload and sidecar under the store's root,
// including group subdirectories.
func (a *Adapter) RemoveAll() error {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading store root: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(a.root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// nullStream is a zero-length, immediately-EOF stream, used for the
// "null stream" cases in spec.md §4.3's open_input algorithm.
type nullStream struct{}

func (nullStream) Read([]byte) (int, error) { return 0, io.EOF }
func (nullStream) Close() error             { return nil }

// limitedFile wraps an *os.File, delivering at most `remaining` bytes
// before returning io.EOF, and closing the underlying file on Close.
type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }

// atomicWrite writes data from a reader to dst via a temp file + rename,
// the same convention the teacher uses in internal/cache/fs.go.
func atomicWrite(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}
