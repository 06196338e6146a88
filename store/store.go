// Copyright 2026 The Gristmill Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements a durable content-addressed blob store.
//
// Blobs are keyed by the SHA-256 of their content and laid out on disk under
// a path derived from the digest, so identical content is stored once and a
// digest can never name two different byte sequences. A sidecar JSON index
// carries per-blob reference counts and last-use times used by garbage
// collection.
//
// All mutating operations are atomic: blobs land via write-to-temp-then-
// rename, so a crash never leaves a half-written blob visible under its
// final name.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
)

// NotFound tags errors for digests that were never stored or were already
// garbage-collected. Callers treat it as a cache miss, not a fatality.
var NotFound = errtag.Make("no blob with this digest", true)

// Corruption tags fatal errors: the bytes on disk no longer hash to their
// digest. A corrupt store aborts the run.
var Corruption = errtag.Make("blob content does not match its digest", true)

const (
	objectsDir = "objects"
	tmpDir     = "tmp"
	indexFile  = "index.json"
)

// entry is the bookkeeping for one stored blob.
//
// Refs are deliberately not persisted: a pin lasts as long as the process
// that took it, and whoever needs blobs pinned (the execution cache)
// re-acquires its refs when it reopens.
type entry struct {
	Size     int64 `json:"size"`
	Refs     int   `json:"-"`
	LastUsed int64 `json:"last_used"` // Unix seconds
}

// Store is a content-addressed blob store rooted in one directory.
//
// It is safe for concurrent use; every per-digest adjustment is atomic with
// respect to all others.
type Store struct {
	root string

	mu    sync.Mutex
	index map[Digest]*entry
	dirty bool
}

// Open opens (creating if needed) a store rooted at dir.
//
// Blobs present on disk but absent from the index (for example after a
// crash between a blob rename and an index flush) are adopted with zero
// references, so acknowledged content is never lost.
func Open(ctx context.Context, dir string) (*Store, error) {
	for _, sub := range []string{objectsDir, tmpDir} {
		if err := filesystem.MakeDirs(filepath.Join(dir, sub)); err != nil {
			return nil, errors.Annotate(err, "creating store layout").Err()
		}
	}
	s := &Store{root: dir, index: map[Digest]*entry{}}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if adopted, err := s.adoptOrphans(ctx); err != nil {
		return nil, err
	} else if adopted > 0 {
		logging.Infof(ctx, "store: adopted %d orphan blob(s) at %s", adopted, dir)
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	blob, err := os.ReadFile(filepath.Join(s.root, indexFile))
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Annotate(err, "reading store index").Err()
	}
	if err := json.Unmarshal(blob, &s.index); err != nil {
		return errors.Annotate(err, "corrupt store index").Err()
	}
	return nil
}

// adoptOrphans scans the object tree for blobs missing from the index.
func (s *Store) adoptOrphans(ctx context.Context) (int, error) {
	adopted := 0
	base := filepath.Join(s.root, objectsDir)
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		d := Digest(filepath.Base(path))
		if d.Validate() != nil {
			return nil
		}
		s.mu.Lock()
		if _, ok := s.index[d]; !ok {
			s.index[d] = &entry{
				Size:     info.Size(),
				LastUsed: clock.Now(ctx).Unix(),
			}
			s.dirty = true
			adopted++
		}
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return 0, errors.Annotate(err, "scanning store objects").Err()
	}
	return adopted, nil
}

func (s *Store) blobPath(d Digest) string {
	return filepath.Join(s.root, objectsDir, string(d[:2]), string(d))
}

// Put stores everything readable from src and returns its digest.
//
// Storing content that is already present is a no-op beyond updating its
// last-use time. The returned digest carries no reference; use Retain to
// pin it.
func (s *Store) Put(ctx context.Context, src io.Reader) (Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put")
	if err != nil {
		return "", 0, errors.Annotate(err, "creating temp blob").Err()
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := NewHash()
	size, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		return "", 0, errors.Annotate(err, "writing temp blob").Err()
	}
	if err := tmp.Close(); err != nil {
		return "", 0, errors.Annotate(err, "closing temp blob").Err()
	}
	d := Sum(h)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := clock.Now(ctx).Unix()
	if e, ok := s.index[d]; ok {
		e.LastUsed = now
		s.dirty = true
		return d, size, nil
	}
	dst := s.blobPath(d)
	if err := filesystem.MakeDirs(filepath.Dir(dst)); err != nil {
		return "", 0, errors.Annotate(err, "creating object dir").Err()
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, errors.Annotate(err, "committing blob %s", d).Err()
	}
	s.index[d] = &entry{Size: size, LastUsed: now}
	s.dirty = true
	if err := s.flushIndexLocked(); err != nil {
		return "", 0, err
	}
	return d, size, nil
}

// PutBytes is Put for in-memory content.
func (s *Store) PutBytes(ctx context.Context, content []byte) (Digest, error) {
	d, _, err := s.Put(ctx, bytes.NewReader(content))
	return d, err
}

// Contains reports whether the store currently holds the digest.
func (s *Store) Contains(d Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[d]
	return ok
}

// Size returns the stored size of a blob.
func (s *Store) Size(d Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[d]
	if !ok {
		return 0, errors.Reason("blob %s", d).Tag(NotFound).Err()
	}
	return e.Size, nil
}

// Get reads a blob fully into memory, verifying its content hash.
func (s *Store) Get(ctx context.Context, d Digest) ([]byte, error) {
	rc, _, err := s.Reader(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Annotate(err, "reading blob %s", d).Err()
	}
	if got := HashBytes(blob); got != d {
		return nil, errors.Reason("blob %s hashes to %s", d, got).Tag(Corruption).Err()
	}
	return blob, nil
}

// Reader opens a blob for streaming. The content is not re-verified; use
// Get when integrity matters more than memory.
func (s *Store) Reader(ctx context.Context, d Digest) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	var size int64
	e, ok := s.index[d]
	if ok {
		e.LastUsed = clock.Now(ctx).Unix()
		s.dirty = true
		size = e.Size
	}
	s.mu.Unlock()
	if !ok {
		return nil, 0, errors.Reason("blob %s", d).Tag(NotFound).Err()
	}
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Reason("blob %s vanished from disk", d).Tag(NotFound).Err()
		}
		return nil, 0, errors.Annotate(err, "opening blob %s", d).Err()
	}
	return f, size, nil
}

// Retain adds one reference to a blob, protecting it from GC.
func (s *Store) Retain(d Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[d]
	if !ok {
		return errors.Reason("retaining blob %s", d).Tag(NotFound).Err()
	}
	e.Refs++
	s.dirty = true
	return nil
}

// Release drops one reference from a blob. A zero-reference blob becomes
// eligible for GC but stays readable until collected.
func (s *Store) Release(d Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[d]
	if !ok {
		return errors.Reason("releasing blob %s", d).Tag(NotFound).Err()
	}
	if e.Refs <= 0 {
		return errors.Reason("blob %s released more times than retained", d).Err()
	}
	e.Refs--
	s.dirty = true
	return nil
}

// Refs returns the current reference count of a blob.
func (s *Store) Refs(d Digest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[d]
	if !ok {
		return 0, errors.Reason("blob %s", d).Tag(NotFound).Err()
	}
	return e.Refs, nil
}

// TotalSize returns the summed size of all stored blobs.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, e := range s.index {
		total += e.Size
	}
	return total
}

// Flush persists the refcount index if it changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushIndexLocked()
}

// Close flushes and invalidates the store handle.
func (s *Store) Close() error {
	return s.Flush()
}

// flushIndexLocked writes the index atomically next to the objects.
func (s *Store) flushIndexLocked() error {
	if !s.dirty {
		return nil
	}
	blob, err := json.Marshal(s.index)
	if err != nil {
		return errors.Annotate(err, "serializing store index").Err()
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "index")
	if err != nil {
		return errors.Annotate(err, "creating temp index").Err()
	}
	name := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Annotate(err, "writing store index").Err()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Annotate(err, "closing store index").Err()
	}
	if err := os.Rename(name, filepath.Join(s.root, indexFile)); err != nil {
		os.Remove(name)
		return errors.Annotate(err, "committing store index").Err()
	}
	s.dirty = false
	return nil
}
