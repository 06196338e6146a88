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

// Package cache maps execution fingerprints to previously observed results.
//
// The cache references artifact store blobs by digest value, never by live
// file handles, so it outlives any single graph and is shared across runs.
// Every digest referenced by a live cache entry holds a store reference,
// which keeps the blobs out of garbage collection for as long as the entry
// exists.
package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
)

const cacheFile = "cache.json"

// CachedResult is what one fingerprint resolved to in an earlier run.
//
// Output digests are keyed by the output's sandbox path; captured standard
// streams ride in their own fields since they have no path. Records are
// append-only: a newer Insert for the same fingerprint replaces the entry
// in the cache, but never mutates a record an earlier Lookup handed out.
type CachedResult struct {
	Result  *dag.Result             `json:"result"`
	Outputs map[string]store.Digest `json:"outputs,omitempty"`
	Stdout  store.Digest            `json:"stdout,omitempty"`
	Stderr  store.Digest            `json:"stderr,omitempty"`
}

// Digests returns every store digest the record references.
func (r *CachedResult) Digests() []store.Digest {
	var out []store.Digest
	for _, d := range r.Outputs {
		out = append(out, d)
	}
	if r.Stdout != "" {
		out = append(out, r.Stdout)
	}
	if r.Stderr != "" {
		out = append(out, r.Stderr)
	}
	return out
}

// Cache is a persistent fingerprint-to-result map backed by the artifact
// store.
type Cache struct {
	path string
	st   *store.Store

	mu      sync.Mutex
	entries map[Fingerprint]*CachedResult
	dirty   bool
}

// Open loads (creating if absent) the cache persisted in dir.
//
// Entries whose blobs have been collected from the store since the last run
// are dropped up front; they could never be replayed.
func Open(ctx context.Context, dir string, st *store.Store) (*Cache, error) {
	c := &Cache{
		path:    filepath.Join(dir, cacheFile),
		st:      st,
		entries: map[Fingerprint]*CachedResult{},
	}
	blob, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, errors.Annotate(err, "reading cache").Err()
	}
	if err := json.Unmarshal(blob, &c.entries); err != nil {
		return nil, errors.Annotate(err, "corrupt cache").Err()
	}
	dropped := 0
	for fp, rec := range c.entries {
		if !c.complete(rec) {
			delete(c.entries, fp)
			c.dirty = true
			dropped++
			continue
		}
		// Re-acquire the refs the previous process held.
		for _, d := range rec.Digests() {
			if err := st.Retain(d); err != nil {
				return nil, errors.Annotate(err, "re-pinning cache entry").Err()
			}
		}
	}
	if dropped > 0 {
		logging.Infof(ctx, "cache: dropped %d entries with collected blobs", dropped)
	}
	return c, nil
}

// complete reports whether all blobs of a record are still in the store.
func (c *Cache) complete(rec *CachedResult) bool {
	for _, d := range rec.Digests() {
		if !c.st.Contains(d) {
			return false
		}
	}
	return true
}

// Lookup returns the cached record for a fingerprint, or nil on a miss.
//
// A record whose blobs have since vanished from the store counts as a miss;
// missing blobs are recoverable, not fatal.
func (c *Cache) Lookup(fp Fingerprint) *CachedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[fp]
	if !ok || !c.complete(rec) {
		return nil
	}
	return rec
}

// Insert stores the result for a fingerprint, pinning its blobs in the
// store.
//
// If an entry for the fingerprint already exists the newer one wins.
// Consumers still holding the old record keep a valid snapshot: fingerprint
// equality implies the two results are interchangeable anyway.
func (c *Cache) Insert(ctx context.Context, fp Fingerprint, rec *CachedResult) error {
	for _, d := range rec.Digests() {
		if err := c.st.Retain(d); err != nil {
			return errors.Annotate(err, "pinning cache entry").Err()
		}
	}
	c.mu.Lock()
	prev := c.entries[fp]
	c.entries[fp] = rec
	c.dirty = true
	c.mu.Unlock()
	if prev != nil {
		logging.Debugf(ctx, "cache: replaced entry for %s", fp)
		c.unpin(prev)
	}
	return nil
}

// Invalidate removes an entry, releasing its blob references. Used when a
// client forces a rebuild.
func (c *Cache) Invalidate(fp Fingerprint) {
	c.mu.Lock()
	rec, ok := c.entries[fp]
	if ok {
		delete(c.entries, fp)
		c.dirty = true
	}
	c.mu.Unlock()
	if ok {
		c.unpin(rec)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) unpin(rec *CachedResult) {
	for _, d := range rec.Digests() {
		// The blob may already be gone if the store was GCed hard.
		_ = c.st.Release(d)
	}
}

// Flush persists the cache if it changed since the last flush.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	blob, err := json.Marshal(c.entries)
	if err != nil {
		return errors.Annotate(err, "serializing cache").Err()
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return errors.Annotate(err, "writing cache").Err()
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return errors.Annotate(err, "committing cache").Err()
	}
	c.dirty = false
	return nil
}

// Close flushes and invalidates the cache handle.
func (c *Cache) Close() error {
	return c.Flush()
}
