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

// Package worker runs dispatched executions on behalf of a coordinator.
//
// A worker keeps its own blob store: dispatch inputs it already holds are
// never transferred again, and produced outputs are pushed back to the
// coordinator before the completion report so the result is immediately
// cacheable there.
package worker

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/sandbox"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

// heartbeatInterval paces liveness pings on an otherwise idle link.
const heartbeatInterval = 10 * time.Second

// Options configure a worker.
type Options struct {
	// Name identifies the worker in logs and status reports.
	Name string
	// Slots is how many executions may run at once; zero means NumCPU.
	Slots int
	// Local marks the worker as co-located with the coordinator, making
	// it eligible for executions pinned to the coordinator host.
	Local bool
}

// Worker executes dispatches arriving over a coordinator channel.
type Worker struct {
	id     string
	opts   Options
	st     *store.Store
	runner *sandbox.Runner

	mu      sync.Mutex
	busy    int
	fetches map[store.Digest][]chan fetchResult
}

type fetchResult struct {
	err error
}

// New builds a worker over its own blob store and sandbox runner.
func New(st *store.Store, runner *sandbox.Runner, opts Options) *Worker {
	if opts.Slots <= 0 {
		opts.Slots = runtime.NumCPU()
	}
	if opts.Name == "" {
		host, _ := os.Hostname()
		opts.Name = host
	}
	return &Worker{
		id:      uuid.NewString(),
		opts:    opts,
		st:      st,
		runner:  runner,
		fetches: map[store.Digest][]chan fetchResult{},
	}
}

// Run registers with the coordinator on ch and serves dispatches until the
// connection ends or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, ch *wire.Channel) error {
	err := ch.Send(&wire.RegisterWorker{
		ID:    w.id,
		Name:  w.opts.Name,
		Slots: w.opts.Slots,
		OS:    runtime.GOOS,
		Arch:  runtime.GOARCH,
		Local: w.opts.Local,
	})
	if err != nil {
		return errors.Annotate(err, "registering with coordinator").Err()
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeats(hbCtx, ch)

	var tasks sync.WaitGroup
	defer tasks.Wait()

	for {
		msg, err := ch.Receive()
		if err != nil {
			w.failFetches(errors.Annotate(err, "coordinator connection lost").Err())
			if wire.Disconnected.In(err) || ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "receiving from coordinator").Err()
		}
		switch m := msg.(type) {
		case *wire.Dispatch:
			w.mu.Lock()
			w.busy++
			w.mu.Unlock()
			tasks.Add(1)
			go func() {
				defer tasks.Done()
				w.runDispatch(ctx, ch, m)
				w.mu.Lock()
				w.busy--
				w.mu.Unlock()
			}()

		case *wire.BlobContent:
			w.deliverBlob(ctx, ch, m)

		default:
			logging.Warningf(ctx, "worker: ignoring unexpected message %T", msg)
		}
	}
}

// heartbeats pings the coordinator periodically so half-dead links are
// noticed from both ends.
func (w *Worker) heartbeats(ctx context.Context, ch *wire.Channel) {
	for {
		if r := <-clock.After(ctx, heartbeatInterval); r.Err != nil {
			return
		}
		w.mu.Lock()
		busy := w.busy
		w.mu.Unlock()
		if err := ch.Send(&wire.Heartbeat{Busy: busy}); err != nil {
			return
		}
	}
}

// runDispatch executes one dispatched task end to end and reports back.
// Inputs this worker cannot obtain are infrastructure trouble, not a
// verdict on the command: the dispatch goes back for another attempt.
func (w *Worker) runDispatch(ctx context.Context, ch *wire.Channel, m *wire.Dispatch) {
	e := m.Execution
	logging.Infof(ctx, "worker: running %q", e.Description)

	for id, d := range m.Inputs {
		if err := w.fetch(ctx, ch, d); err != nil {
			err = errors.Annotate(err, "fetching input %q", id).Err()
			logging.Warningf(ctx, "worker: handing back %q: %s", e.Description, err)
			if serr := ch.Send(&wire.Abandon{RequestID: m.RequestID, Reason: err.Error()}); serr != nil {
				logging.Warningf(ctx, "worker: handing back %q: %s", e.Description, serr)
			}
			return
		}
	}

	res, outputs, stdout, stderr := w.execute(ctx, ch, m)
	comp := &wire.Completion{
		RequestID: m.RequestID,
		Result:    res,
		Outputs:   outputs,
		Stdout:    stdout,
		Stderr:    stderr,
	}
	if err := ch.Send(comp); err != nil {
		logging.Warningf(ctx, "worker: reporting completion of %q: %s", e.Description, err)
	}
}

// execute runs the sandbox with already-fetched inputs and pushes
// produced blobs.
func (w *Worker) execute(ctx context.Context, ch *wire.Channel, m *wire.Dispatch) (res *dag.Result, outputs map[string]store.Digest, stdout, stderr store.Digest) {
	violation := func(err error) *dag.Result {
		return &dag.Result{Status: dag.ResultSandboxViolation, Message: err.Error()}
	}

	e := m.Execution
	out, err := w.runner.Run(ctx, e, m.Inputs, w.st)
	if err != nil {
		return violation(err), nil, "", ""
	}
	defer out.Close()
	res = out.Result

	push := func(hostPath string) (store.Digest, error) {
		f, err := os.Open(hostPath)
		if err != nil {
			return "", errors.Annotate(err, "opening produced file").Err()
		}
		defer f.Close()
		d, size, err := w.st.Put(ctx, f)
		if err != nil {
			return "", errors.Annotate(err, "storing produced file").Err()
		}
		if err := w.pushBlob(ctx, ch, d, size); err != nil {
			return "", errors.Annotate(err, "pushing produced file").Err()
		}
		return d, nil
	}

	outputs = map[string]store.Digest{}
	for path, hostPath := range out.OutputPaths {
		d, err := push(hostPath)
		if err != nil {
			return violation(err), nil, "", ""
		}
		outputs[path] = d
	}
	if out.StdoutPath != "" {
		if stdout, err = push(out.StdoutPath); err != nil {
			return violation(err), nil, "", ""
		}
	}
	if out.StderrPath != "" {
		if stderr, err = push(out.StderrPath); err != nil {
			return violation(err), nil, "", ""
		}
	}

	// A command that claims success but left a declared output missing
	// broke its contract.
	if res.OK() {
		for _, o := range e.Outputs {
			if _, ok := outputs[o.Path]; !ok {
				return &dag.Result{
					Status:  dag.ResultSandboxViolation,
					Message: "declared output " + o.Path + " was not produced",
					Usage:   res.Usage,
				}, outputs, stdout, stderr
			}
		}
	}
	return res, outputs, stdout, stderr
}

// pushBlob uploads a blob the coordinator may not have yet.
func (w *Worker) pushBlob(ctx context.Context, ch *wire.Channel, d store.Digest, size int64) error {
	rc, _, err := w.st.Reader(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return ch.SendBlob(&wire.PutBlob{Digest: d, Size: size}, rc, size)
}

// fetch ensures the blob is in the local store, pulling it from the
// coordinator if needed. Concurrent fetches of one digest coalesce.
func (w *Worker) fetch(ctx context.Context, ch *wire.Channel, d store.Digest) error {
	if w.st.Contains(d) {
		return nil
	}

	done := make(chan fetchResult, 1)
	w.mu.Lock()
	waiters := w.fetches[d]
	w.fetches[d] = append(waiters, done)
	first := waiters == nil
	w.mu.Unlock()

	if first {
		if err := ch.Send(&wire.RequestBlob{Digest: d}); err != nil {
			w.settleFetch(d, fetchResult{err: err})
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		return r.err
	}
}

// deliverBlob ingests an arriving blob and wakes its waiters. Called from
// the receive loop, which owns the read side of the channel.
func (w *Worker) deliverBlob(ctx context.Context, ch *wire.Channel, m *wire.BlobContent) {
	if !m.Found {
		w.settleFetch(m.Digest, fetchResult{err: errors.Reason("coordinator has no blob %s", m.Digest).Err()})
		return
	}

	pr, pw := io.Pipe()
	type stored struct {
		d   store.Digest
		err error
	}
	done := make(chan stored, 1)
	go func() {
		d, _, err := w.st.Put(ctx, pr)
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- stored{d, err}
	}()
	rerr := ch.ReceiveBlob(pw, m.Size)
	pw.CloseWithError(rerr)
	res := <-done

	switch {
	case rerr != nil:
		w.settleFetch(m.Digest, fetchResult{err: rerr})
	case res.err != nil:
		w.settleFetch(m.Digest, fetchResult{err: res.err})
	case res.d != m.Digest:
		w.settleFetch(m.Digest, fetchResult{err: errors.Reason("blob digest mismatch: announced %s, got %s", m.Digest, res.d).Err()})
	default:
		w.settleFetch(m.Digest, fetchResult{})
	}
}

// settleFetch resolves every waiter of a digest.
func (w *Worker) settleFetch(d store.Digest, r fetchResult) {
	w.mu.Lock()
	waiters := w.fetches[d]
	delete(w.fetches, d)
	w.mu.Unlock()
	for _, c := range waiters {
		c <- r
	}
}

// failFetches resolves every outstanding fetch with err, unblocking task
// goroutines when the link dies.
func (w *Worker) failFetches(err error) {
	w.mu.Lock()
	all := w.fetches
	w.fetches = map[store.Digest][]chan fetchResult{}
	w.mu.Unlock()
	for _, waiters := range all {
		for _, c := range waiters {
			c <- fetchResult{err: err}
		}
	}
}
