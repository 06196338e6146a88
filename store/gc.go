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

package store

import (
	"context"
	"os"
	"sort"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"
)

// GCPolicy bounds what GC reclaims.
type GCPolicy struct {
	// MaxSize is the total blob size to trim the store down to. Zero
	// means no size pressure.
	MaxSize int64
	// MaxAge removes unreferenced blobs not used for longer than this,
	// regardless of size pressure. Zero means no age limit.
	MaxAge time.Duration
}

// GCStats reports what one GC pass did.
type GCStats struct {
	Scanned   int
	Removed   int
	Reclaimed int64
	Remaining int64
}

// removalConcurrency bounds parallel unlink calls during GC.
const removalConcurrency = 8

// GC reclaims disk space under the policy.
//
// Blobs with a positive reference count are never touched. Everything else
// is fair game: blobs unused for longer than MaxAge go first, then the
// least recently used blobs until the store fits MaxSize.
func (s *Store) GC(ctx context.Context, p GCPolicy) (GCStats, error) {
	now := clock.Now(ctx)

	type victim struct {
		d        Digest
		size     int64
		lastUsed int64
	}

	s.mu.Lock()
	stats := GCStats{Scanned: len(s.index)}
	var candidates []victim
	var total int64
	for d, e := range s.index {
		total += e.Size
		if e.Refs == 0 {
			candidates = append(candidates, victim{d, e.Size, e.LastUsed})
		}
	}
	// Oldest first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed < candidates[j].lastUsed
	})

	var victims []victim
	for _, c := range candidates {
		expired := p.MaxAge > 0 && now.Sub(time.Unix(c.lastUsed, 0)) > p.MaxAge
		oversize := p.MaxSize > 0 && total > p.MaxSize
		if !expired && !oversize {
			continue
		}
		victims = append(victims, c)
		total -= c.size
	}
	for _, v := range victims {
		delete(s.index, v.d)
		s.dirty = true
	}
	stats.Remaining = total
	s.mu.Unlock()

	err := parallel.WorkPool(removalConcurrency, func(work chan<- func() error) {
		for _, v := range victims {
			v := v
			work <- func() error {
				if err := os.Remove(s.blobPath(v.d)); err != nil && !os.IsNotExist(err) {
					return errors.Annotate(err, "removing blob %s", v.d).Err()
				}
				return nil
			}
		}
	})
	if err != nil {
		return stats, err
	}

	for _, v := range victims {
		stats.Removed++
		stats.Reclaimed += v.size
	}
	logging.Debugf(ctx, "store: gc removed %d blob(s), %d bytes", stats.Removed, stats.Reclaimed)
	return stats, s.Flush()
}
