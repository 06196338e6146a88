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

package sched

import (
	"context"
	"sync"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

// recorder captures scheduler events for inspection.
type recorder struct {
	mu       sync.Mutex
	started  map[dag.ExecutionID]string
	done     map[dag.ExecutionID]*dag.Result
	skipped  map[dag.ExecutionID]*dag.Result
	finished bool
	files    []wire.FinalFile
}

func newRecorder() *recorder {
	return &recorder{
		started: map[dag.ExecutionID]string{},
		done:    map[dag.ExecutionID]*dag.Result{},
		skipped: map[dag.ExecutionID]*dag.Result{},
	}
}

func (r *recorder) ExecutionStarted(id dag.ExecutionID, worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[id] = worker
}

func (r *recorder) ExecutionDone(id dag.ExecutionID, res *dag.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[id] = res
}

func (r *recorder) ExecutionSkipped(id dag.ExecutionID, res *dag.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[id] = res
}

func (r *recorder) EvaluationFinished(files []wire.FinalFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.files = files
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	ftt.Run("Scheduler", t, func(t *ftt.Test) {
		ctx := context.Background()
		st, err := store.Open(ctx, t.TempDir())
		assert.Loosely(t, err, should.BeNil)
		c, err := cache.Open(ctx, t.TempDir(), st)
		assert.Loosely(t, err, should.BeNil)

		// succeed settles a claimed task as a success, with every declared
		// output backed by a real blob.
		succeed := func(s *Scheduler, task *Task) {
			outputs := map[string]store.Digest{}
			for _, o := range task.Execution.Outputs {
				d, err := st.PutBytes(ctx, []byte("content of "+o.Path))
				assert.Loosely(t, err, should.BeNil)
				outputs[o.Path] = d
			}
			s.Completed(task.Execution.ID, &dag.Result{Status: dag.ResultSuccess}, outputs, "", "")
		}

		t.Run("two-step chain runs in order", func(t *ftt.Test) {
			g := dag.New()
			a := dag.NewExecution("step one", dag.SystemCommand("true"))
			f1 := a.Output("o1")
			assert.Loosely(t, g.Add(a), should.BeNil)
			b := dag.NewExecution("step two", dag.SystemCommand("true")).Input(f1, "in")
			f2 := b.Output("o2")
			assert.Loosely(t, g.Add(b), should.BeNil)
			g.Want(f2)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{})
			s.Kick()

			task := s.Next(false)
			assert.Loosely(t, task, should.NotBeNil)
			assert.Loosely(t, task.Execution.ID, should.Equal(a.ID))
			// Step two is still waiting on o1.
			assert.Loosely(t, s.Next(false), should.BeNil)

			succeed(s, task)

			task = s.Next(false)
			assert.Loosely(t, task, should.NotBeNil)
			assert.Loosely(t, task.Execution.ID, should.Equal(b.ID))
			assert.Loosely(t, task.Inputs[f1.ID], should.NotEqual(store.Digest("")))

			succeed(s, task)

			assert.Loosely(t, s.Done(), should.BeTrue)
			assert.Loosely(t, rec.finished, should.BeTrue)
			assert.Loosely(t, rec.files, should.HaveLength(1))
			assert.Loosely(t, rec.files[0].File, should.Equal(f2.ID))
			assert.Loosely(t, rec.files[0].Success, should.BeTrue)
			assert.Loosely(t, rec.done[a.ID].OK(), should.BeTrue)
			assert.Loosely(t, rec.done[b.ID].OK(), should.BeTrue)
		})

		t.Run("second identical run is answered from the cache", func(t *ftt.Test) {
			build := func() (*dag.Graph, *dag.File) {
				g := dag.New()
				e := dag.NewExecution("cached step", dag.SystemCommand("true"))
				f := e.Output("out")
				assert.Loosely(t, g.Add(e), should.BeNil)
				g.Want(f)
				return g, f
			}

			g1, _ := build()
			rec1 := newRecorder()
			s1 := New(ctx, g1, g1.WatchSet(), st, c, rec1, Options{})
			s1.Kick()
			succeed(s1, s1.Next(false))
			assert.Loosely(t, rec1.finished, should.BeTrue)

			g2, f2 := build()
			rec2 := newRecorder()
			s2 := New(ctx, g2, g2.WatchSet(), st, c, rec2, Options{})
			s2.Kick()

			// Settled without any dispatch.
			assert.Loosely(t, s2.Next(false), should.BeNil)
			assert.Loosely(t, s2.Done(), should.BeTrue)
			assert.Loosely(t, rec2.finished, should.BeTrue)
			assert.Loosely(t, rec2.files[0].File, should.Equal(f2.ID))
			assert.Loosely(t, rec2.files[0].Success, should.BeTrue)
			assert.Loosely(t, rec2.files[0].Digest, should.NotEqual(store.Digest("")))
		})

		t.Run("NoCache forces a fresh run", func(t *ftt.Test) {
			build := func() *dag.Graph {
				g := dag.New()
				e := dag.NewExecution("rerun step", dag.SystemCommand("true"))
				g.Want(e.Output("out"))
				assert.Loosely(t, g.Add(e), should.BeNil)
				return g
			}

			g1 := build()
			s1 := New(ctx, g1, g1.WatchSet(), st, c, newRecorder(), Options{})
			s1.Kick()
			succeed(s1, s1.Next(false))

			g2 := build()
			s2 := New(ctx, g2, g2.WatchSet(), st, c, newRecorder(), Options{NoCache: true})
			s2.Kick()
			task := s2.Next(false)
			assert.Loosely(t, task, should.NotBeNil)
			succeed(s2, task)

			// The fresh result replaced the cached one, so a default run
			// right after is still answered without dispatching.
			g3 := build()
			rec3 := newRecorder()
			s3 := New(ctx, g3, g3.WatchSet(), st, c, rec3, Options{})
			s3.Kick()
			assert.Loosely(t, s3.Next(false), should.BeNil)
			assert.Loosely(t, s3.Done(), should.BeTrue)
		})

		t.Run("failure skips the whole downstream chain", func(t *ftt.Test) {
			g := dag.New()
			a := dag.NewExecution("broken step", dag.SystemCommand("false"))
			f1 := a.Output("o1")
			assert.Loosely(t, g.Add(a), should.BeNil)
			b := dag.NewExecution("middle step", dag.SystemCommand("true")).Input(f1, "in")
			f2 := b.Output("o2")
			assert.Loosely(t, g.Add(b), should.BeNil)
			cc := dag.NewExecution("last step", dag.SystemCommand("true")).Input(f2, "in")
			f3 := cc.Output("o3")
			assert.Loosely(t, g.Add(cc), should.BeNil)
			g.Want(f3)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{})
			s.Kick()

			task := s.Next(false)
			assert.Loosely(t, task.Execution.ID, should.Equal(a.ID))
			s.Completed(a.ID, &dag.Result{Status: dag.ResultNonZeroExit, ExitCode: 1}, nil, "", "")

			assert.Loosely(t, s.Done(), should.BeTrue)
			assert.Loosely(t, rec.done[a.ID].Status, should.Equal(dag.ResultNonZeroExit))
			assert.Loosely(t, rec.skipped[b.ID].Status, should.Equal(dag.ResultSkipped))
			assert.Loosely(t, rec.skipped[b.ID].Cause, should.Resemble([]string{"broken step"}))
			assert.Loosely(t, rec.skipped[cc.ID].Cause, should.Resemble([]string{"broken step", "middle step"}))
			assert.Loosely(t, rec.files[0].Success, should.BeFalse)
		})

		t.Run("worker churn exhausts the retry budget", func(t *ftt.Test) {
			g := dag.New()
			a := dag.NewExecution("doomed step", dag.SystemCommand("true"))
			f1 := a.Output("o1")
			assert.Loosely(t, g.Add(a), should.BeNil)
			b := dag.NewExecution("downstream step", dag.SystemCommand("true")).Input(f1, "in")
			g.Want(b.Output("o2"))
			assert.Loosely(t, g.Add(b), should.BeNil)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{MaxDispatchAttempts: 3})
			s.Kick()

			for i := 0; i < 2; i++ {
				task := s.Next(false)
				assert.Loosely(t, task, should.NotBeNil)
				s.Returned(task.Execution.ID)
			}
			task := s.Next(false)
			assert.Loosely(t, task, should.NotBeNil)
			s.Returned(task.Execution.ID)

			assert.Loosely(t, s.Next(false), should.BeNil)
			assert.Loosely(t, s.Done(), should.BeTrue)
			assert.Loosely(t, rec.done[a.ID].Status, should.Equal(dag.ResultRetryExhausted))
			assert.Loosely(t, rec.skipped[b.ID].Cause, should.Resemble([]string{"doomed step"}))
		})

		t.Run("higher priority work is claimed first", func(t *ftt.Test) {
			g := dag.New()
			lo := dag.NewExecution("background step", dag.SystemCommand("true"))
			g.Want(lo.Output("lo"))
			assert.Loosely(t, g.Add(lo), should.BeNil)
			hi := dag.NewExecution("urgent step", dag.SystemCommand("true"))
			hi.Priority = 10
			g.Want(hi.Output("hi"))
			assert.Loosely(t, g.Add(hi), should.BeNil)

			s := New(ctx, g, g.WatchSet(), st, c, newRecorder(), Options{})
			s.Kick()

			assert.Loosely(t, s.Next(false).Execution.ID, should.Equal(hi.ID))
			assert.Loosely(t, s.Next(false).Execution.ID, should.Equal(lo.ID))
		})

		t.Run("local-only work waits for a local worker", func(t *ftt.Test) {
			g := dag.New()
			e := dag.NewExecution("local step", dag.SystemCommand("true"))
			e.Policy = dag.RunLocalOnly
			g.Want(e.Output("out"))
			assert.Loosely(t, g.Add(e), should.BeNil)

			s := New(ctx, g, g.WatchSet(), st, c, newRecorder(), Options{})
			s.Kick()

			assert.Loosely(t, s.Next(false), should.BeNil)
			task := s.Next(true)
			assert.Loosely(t, task, should.NotBeNil)
			assert.Loosely(t, task.Execution.ID, should.Equal(e.ID))
		})

		t.Run("provided files gate readiness", func(t *ftt.Test) {
			g := dag.New()
			src := dag.NewFile("source")
			assert.Loosely(t, g.ProvideContent(src, []byte("x")), should.BeNil)
			e := dag.NewExecution("consume", dag.SystemCommand("true")).Input(src, "src")
			g.Want(e.Output("out"))
			assert.Loosely(t, g.Add(e), should.BeNil)
			g.Want(src)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{})
			s.Kick()

			assert.Loosely(t, s.Next(false), should.BeNil)

			d, err := st.PutBytes(ctx, []byte("x"))
			assert.Loosely(t, err, should.BeNil)
			s.FileProvided(src.ID, d)

			task := s.Next(false)
			assert.Loosely(t, task, should.NotBeNil)
			assert.Loosely(t, task.Inputs[src.ID], should.Equal(d))

			succeed(s, task)
			assert.Loosely(t, rec.finished, should.BeTrue)
			for _, ff := range rec.files {
				if ff.File == src.ID {
					assert.Loosely(t, ff.Digest, should.Equal(d))
					assert.Loosely(t, ff.Success, should.BeTrue)
				}
			}
		})

		t.Run("stale completions are discarded", func(t *ftt.Test) {
			g := dag.New()
			e := dag.NewExecution("solo step", dag.SystemCommand("true"))
			g.Want(e.Output("out"))
			assert.Loosely(t, g.Add(e), should.BeNil)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{})
			s.Kick()

			task := s.Next(false)
			succeed(s, task)
			assert.Loosely(t, s.Done(), should.BeTrue)

			// A late duplicate from a zombie worker changes nothing.
			s.Completed(e.ID, &dag.Result{Status: dag.ResultNonZeroExit, ExitCode: 7}, nil, "", "")
			assert.Loosely(t, rec.done[e.ID].OK(), should.BeTrue)
		})

		t.Run("captured stderr of a failed step stays readable", func(t *ftt.Test) {
			g := dag.New()
			e := dag.NewExecution("noisy failure", dag.SystemCommand("false"))
			serr := e.Stderr()
			g.Want(serr)
			assert.Loosely(t, g.Add(e), should.BeNil)

			rec := newRecorder()
			s := New(ctx, g, g.WatchSet(), st, c, rec, Options{})
			s.Kick()

			task := s.Next(false)
			d, err := st.PutBytes(ctx, []byte("boom\n"))
			assert.Loosely(t, err, should.BeNil)
			s.Completed(task.Execution.ID, &dag.Result{Status: dag.ResultNonZeroExit, ExitCode: 2}, nil, "", d)

			assert.Loosely(t, rec.finished, should.BeTrue)
			assert.Loosely(t, rec.files[0].File, should.Equal(serr.ID))
			assert.Loosely(t, rec.files[0].Success, should.BeFalse)
			assert.Loosely(t, rec.files[0].Digest, should.Equal(d))
		})
	})
}
