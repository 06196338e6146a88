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
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func testStore(t *ftt.Test) (context.Context, *Store) {
	ctx := context.Background()
	s, err := Open(ctx, t.TempDir())
	assert.Loosely(t, err, should.BeNil)
	return ctx, s
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	ftt.Run("Put/Get", t, func(t *ftt.Test) {
		ctx, s := testStore(t)

		t.Run("round-trips content", func(t *ftt.Test) {
			d, err := s.PutBytes(ctx, []byte("hello world"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, d.Validate(), should.BeNil)

			blob, err := s.Get(ctx, d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, blob, should.Match([]byte("hello world")))
		})

		t.Run("round-trips empty content", func(t *ftt.Test) {
			d, err := s.PutBytes(ctx, nil)
			assert.Loosely(t, err, should.BeNil)

			blob, err := s.Get(ctx, d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, blob, should.HaveLength(0))
		})

		t.Run("put is idempotent", func(t *ftt.Test) {
			d1, err := s.PutBytes(ctx, []byte("dup"))
			assert.Loosely(t, err, should.BeNil)
			d2, err := s.PutBytes(ctx, []byte("dup"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, d2, should.Equal(d1))
			assert.Loosely(t, s.TotalSize(), should.Equal(int64(3)))
		})

		t.Run("missing digest is NotFound", func(t *ftt.Test) {
			_, err := s.Get(ctx, HashBytes([]byte("never stored")))
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, NotFound.In(err), should.BeTrue)
		})

		t.Run("tampered blob is Corruption", func(t *ftt.Test) {
			d, err := s.PutBytes(ctx, []byte("pristine"))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, os.WriteFile(s.blobPath(d), []byte("tampered"), 0o600), should.BeNil)

			_, err = s.Get(ctx, d)
			assert.Loosely(t, err, should.NotBeNil)
			assert.Loosely(t, Corruption.In(err), should.BeTrue)
		})

		t.Run("streaming reader sees the bytes", func(t *ftt.Test) {
			d, err := s.PutBytes(ctx, []byte("streamed"))
			assert.Loosely(t, err, should.BeNil)

			rc, size, err := s.Reader(ctx, d)
			assert.Loosely(t, err, should.BeNil)
			defer rc.Close()
			assert.Loosely(t, size, should.Equal(int64(len("streamed"))))

			var buf bytes.Buffer
			_, err = buf.ReadFrom(rc)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, buf.String(), should.Equal("streamed"))
		})
	})
}

func TestRefcounts(t *testing.T) {
	t.Parallel()

	ftt.Run("Retain/Release", t, func(t *ftt.Test) {
		ctx, s := testStore(t)
		d, err := s.PutBytes(ctx, []byte("precious"))
		assert.Loosely(t, err, should.BeNil)

		t.Run("balanced refs leave zero", func(t *ftt.Test) {
			assert.Loosely(t, s.Retain(d), should.BeNil)
			assert.Loosely(t, s.Retain(d), should.BeNil)
			assert.Loosely(t, s.Release(d), should.BeNil)
			assert.Loosely(t, s.Release(d), should.BeNil)

			refs, err := s.Refs(d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, refs, should.BeZero)
		})

		t.Run("over-release fails", func(t *ftt.Test) {
			err := s.Release(d)
			assert.Loosely(t, err, should.ErrLike("released more times than retained"))
		})

		t.Run("retaining a missing blob is NotFound", func(t *ftt.Test) {
			err := s.Retain(HashBytes([]byte("ghost")))
			assert.Loosely(t, NotFound.In(err), should.BeTrue)
		})

		t.Run("adjustments are atomic per digest", func(t *ftt.Test) {
			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = s.Retain(d)
				}()
			}
			wg.Wait()
			refs, err := s.Refs(d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, refs, should.Equal(20))
		})
	})
}

func TestGC(t *testing.T) {
	t.Parallel()

	ftt.Run("GC", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC)
		s, err := Open(ctx, t.TempDir())
		assert.Loosely(t, err, should.BeNil)

		pinned, err := s.PutBytes(ctx, []byte("pinned content"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Retain(pinned), should.BeNil)

		loose, err := s.PutBytes(ctx, []byte("loose content!"))
		assert.Loosely(t, err, should.BeNil)

		t.Run("never removes referenced blobs", func(t *ftt.Test) {
			stats, err := s.GC(ctx, GCPolicy{MaxSize: 1})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, stats.Removed, should.Equal(1))
			assert.Loosely(t, s.Contains(pinned), should.BeTrue)
			assert.Loosely(t, s.Contains(loose), should.BeFalse)
		})

		t.Run("removes expired unreferenced blobs", func(t *ftt.Test) {
			tc.Add(48 * time.Hour)
			stats, err := s.GC(ctx, GCPolicy{MaxAge: 24 * time.Hour})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, stats.Removed, should.Equal(1))
			assert.Loosely(t, s.Contains(pinned), should.BeTrue)
		})

		t.Run("no pressure, no removal", func(t *ftt.Test) {
			stats, err := s.GC(ctx, GCPolicy{})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, stats.Removed, should.BeZero)
			assert.Loosely(t, s.Contains(loose), should.BeTrue)
		})
	})
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	ftt.Run("Reopen", t, func(t *ftt.Test) {
		ctx := context.Background()
		dir := t.TempDir()

		s, err := Open(ctx, dir)
		assert.Loosely(t, err, should.BeNil)
		d, err := s.PutBytes(ctx, []byte("durable"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Retain(d), should.BeNil)
		assert.Loosely(t, s.Close(), should.BeNil)

		t.Run("content survives, pins do not", func(t *ftt.Test) {
			s2, err := Open(ctx, dir)
			assert.Loosely(t, err, should.BeNil)
			blob, err := s2.Get(ctx, d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, blob, should.Match([]byte("durable")))
			// Pins last as long as the process that took them.
			refs, err := s2.Refs(d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, refs, should.BeZero)
		})

		t.Run("orphan blobs are adopted after index loss", func(t *ftt.Test) {
			assert.Loosely(t, os.Remove(dir+"/index.json"), should.BeNil)
			s2, err := Open(ctx, dir)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, s2.Contains(d), should.BeTrue)
			refs, err := s2.Refs(d)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, refs, should.BeZero)
		})
	})
}
