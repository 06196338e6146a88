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
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

// Coordinator accepts evaluation clients and workers and moves work and
// blobs between them. One evaluation runs at a time; workers outlive
// evaluations.
type Coordinator struct {
	st *store.Store
	c  *cache.Cache

	mu      sync.Mutex
	workers map[string]*workerConn
	current *evaluation
}

// evaluation is one client's graph being driven to completion.
type evaluation struct {
	sched      *Scheduler
	ch         *wire.Channel
	watchExecs map[dag.ExecutionID]struct{}
}

// inflight is one execution handed to a worker and not yet settled.
type inflight struct {
	sched   *Scheduler
	exec    dag.ExecutionID
	desc    string
	started time.Time
}

type workerConn struct {
	ch    *wire.Channel
	id    string
	name  string
	slots int
	local bool
	busy  map[string]*inflight // request ID -> work
}

// NewCoordinator builds a coordinator over a store and execution cache.
func NewCoordinator(st *store.Store, c *cache.Cache) *Coordinator {
	return &Coordinator{
		st:      st,
		c:       c,
		workers: map[string]*workerConn{},
	}
}

// HandleClient serves one evaluation client connection until it ends.
func (co *Coordinator) HandleClient(ctx context.Context, ch *wire.Channel) error {
	msg, err := ch.Receive()
	if err != nil {
		return errors.Annotate(err, "reading first client message").Err()
	}
	ev, ok := msg.(*wire.Evaluate)
	if !ok {
		sendErr(ctx, ch, "expected an evaluate message", false)
		return errors.Reason("client opened with %T", msg).Err()
	}
	if ev.Graph == nil {
		sendErr(ctx, ch, "evaluate carries no graph", true)
		return errors.Reason("client sent empty evaluate").Err()
	}
	if err := ev.Graph.Validate(); err != nil {
		sendErr(ctx, ch, err.Error(), true)
		return errors.Annotate(err, "validating submitted graph").Err()
	}

	eval := &evaluation{
		ch:         ch,
		watchExecs: map[dag.ExecutionID]struct{}{},
	}
	for _, id := range ev.Watch.Executions {
		eval.watchExecs[id] = struct{}{}
	}
	eval.sched = New(ctx, ev.Graph, ev.Watch, co.st, co.c, &clientEvents{ctx: ctx, eval: eval}, Options{
		NoCache: ev.NoCache,
	})

	co.mu.Lock()
	if co.current != nil {
		co.mu.Unlock()
		sendErr(ctx, ch, "an evaluation is already in progress", false)
		return errors.Reason("rejecting second concurrent evaluation").Err()
	}
	co.current = eval
	co.mu.Unlock()
	defer co.detach(eval)

	// The pump pushes ready work at free workers for as long as this
	// evaluation lives.
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()
	go co.pump(pumpCtx, eval)

	eval.sched.Kick()
	if err := co.ingestProvided(ctx, eval, ev.Graph); err != nil {
		return err
	}

	logging.Infof(ctx, "sched: evaluating %d executions for a new client", len(ev.Graph.Executions))
	return co.clientLoop(ctx, eval)
}

// ingestProvided stores inline provided content and asks the client for
// the rest.
func (co *Coordinator) ingestProvided(ctx context.Context, eval *evaluation, g *dag.Graph) error {
	for id, pf := range g.Provided {
		if pf.Content != nil {
			d, err := co.st.PutBytes(ctx, pf.Content)
			if err != nil {
				return errors.Annotate(err, "storing provided content").Err()
			}
			eval.sched.FileProvided(id, d)
			continue
		}
		if err := eval.ch.Send(&wire.AskFile{File: id}); err != nil {
			return errors.Annotate(err, "requesting provided file").Err()
		}
	}
	return nil
}

// clientLoop processes client messages until disconnect or stop.
func (co *Coordinator) clientLoop(ctx context.Context, eval *evaluation) error {
	for {
		msg, err := eval.ch.Receive()
		if err != nil {
			if eval.sched.Done() {
				return nil
			}
			return errors.Annotate(err, "client connection lost").Err()
		}
		switch m := msg.(type) {
		case *wire.ProvideFile:
			d, err := co.ingestBlob(ctx, eval.ch, m.Size)
			if err != nil {
				return errors.Annotate(err, "receiving provided file").Err()
			}
			eval.sched.FileProvided(m.File, d)

		case *wire.RequestBlob:
			if err := co.serveBlob(ctx, eval.ch, m.Digest); err != nil {
				return errors.Annotate(err, "serving blob to client").Err()
			}

		case *wire.StatusRequest:
			if err := eval.ch.Send(co.statusReport(ctx, eval)); err != nil {
				return errors.Annotate(err, "sending status").Err()
			}

		case *wire.Stop:
			logging.Infof(ctx, "sched: client stopped the evaluation")
			return nil

		default:
			logging.Warningf(ctx, "sched: ignoring unexpected client message %T", msg)
		}
	}
}

// detach forgets the evaluation so a new client can start one. Work still
// running on workers settles into the shared cache when it completes.
func (co *Coordinator) detach(eval *evaluation) {
	co.mu.Lock()
	if co.current == eval {
		co.current = nil
	}
	co.mu.Unlock()
}

// HandleWorker serves one worker connection until it ends.
func (co *Coordinator) HandleWorker(ctx context.Context, ch *wire.Channel) error {
	msg, err := ch.Receive()
	if err != nil {
		return errors.Annotate(err, "reading worker registration").Err()
	}
	reg, ok := msg.(*wire.RegisterWorker)
	if !ok {
		return errors.Reason("worker opened with %T", msg).Err()
	}
	if reg.Slots <= 0 {
		reg.Slots = 1
	}
	w := &workerConn{
		ch:    ch,
		id:    reg.ID,
		name:  reg.Name,
		slots: reg.Slots,
		local: reg.Local,
		busy:  map[string]*inflight{},
	}

	co.mu.Lock()
	co.workers[w.id] = w
	co.mu.Unlock()
	logging.Infof(ctx, "sched: worker %q joined with %d slots (%s/%s)", w.name, w.slots, reg.OS, reg.Arch)

	defer co.dropWorker(ctx, w)
	co.feed(ctx)

	for {
		msg, err := ch.Receive()
		if err != nil {
			if wire.Disconnected.In(err) {
				logging.Infof(ctx, "sched: worker %q left", w.name)
				return nil
			}
			return errors.Annotate(err, "worker connection lost").Err()
		}
		switch m := msg.(type) {
		case *wire.PutBlob:
			d, err := co.ingestBlob(ctx, ch, m.Size)
			if err != nil {
				return errors.Annotate(err, "receiving blob from worker").Err()
			}
			if d != m.Digest {
				return errors.Reason("worker blob digest mismatch: said %s, got %s", m.Digest, d).Err()
			}

		case *wire.RequestBlob:
			if err := co.serveBlob(ctx, ch, m.Digest); err != nil {
				return errors.Annotate(err, "serving blob to worker").Err()
			}

		case *wire.Completion:
			co.mu.Lock()
			fl := w.busy[m.RequestID]
			delete(w.busy, m.RequestID)
			co.mu.Unlock()
			if fl == nil {
				logging.Debugf(ctx, "sched: worker %q completed unknown request %s", w.name, m.RequestID)
				continue
			}
			fl.sched.Completed(fl.exec, m.Result, m.Outputs, m.Stdout, m.Stderr)
			co.feed(ctx)

		case *wire.Abandon:
			co.mu.Lock()
			fl := w.busy[m.RequestID]
			delete(w.busy, m.RequestID)
			co.mu.Unlock()
			if fl == nil {
				logging.Debugf(ctx, "sched: worker %q abandoned unknown request %s", w.name, m.RequestID)
				continue
			}
			logging.Warningf(ctx, "sched: worker %q handed back %q: %s", w.name, fl.desc, m.Reason)
			fl.sched.Returned(fl.exec)
			co.feed(ctx)

		case *wire.Heartbeat:
			// Liveness only.

		default:
			logging.Warningf(ctx, "sched: ignoring unexpected worker message %T", msg)
		}
	}
}

// dropWorker forgets a worker and requeues everything it was running.
func (co *Coordinator) dropWorker(ctx context.Context, w *workerConn) {
	co.mu.Lock()
	delete(co.workers, w.id)
	orphans := make([]*inflight, 0, len(w.busy))
	for _, fl := range w.busy {
		orphans = append(orphans, fl)
	}
	w.busy = map[string]*inflight{}
	co.mu.Unlock()

	for _, fl := range orphans {
		logging.Warningf(ctx, "sched: worker %q vanished running %q", w.name, fl.desc)
		fl.sched.Returned(fl.exec)
	}
	if len(orphans) > 0 {
		co.feed(ctx)
	}
}

// pump feeds workers whenever the scheduler signals claimable work.
func (co *Coordinator) pump(ctx context.Context, eval *evaluation) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-eval.sched.Runnable():
			co.feed(ctx)
		}
	}
}

// feed hands ready executions to free worker slots until either runs out.
func (co *Coordinator) feed(ctx context.Context) {
	co.mu.Lock()
	eval := co.current
	co.mu.Unlock()
	if eval == nil {
		return
	}

	for {
		co.mu.Lock()
		var w *workerConn
		for _, cand := range co.workers {
			if len(cand.busy) < cand.slots {
				// Prefer local workers so RunLocalOnly work drains.
				if w == nil || (cand.local && !w.local) {
					w = cand
				}
			}
		}
		if w == nil {
			co.mu.Unlock()
			return
		}
		task := eval.sched.Next(w.local)
		if task == nil {
			co.mu.Unlock()
			return
		}
		rid := uuid.NewString()
		w.busy[rid] = &inflight{
			sched:   eval.sched,
			exec:    task.Execution.ID,
			desc:    task.Execution.Description,
			started: clock.Now(ctx),
		}
		co.mu.Unlock()

		err := w.ch.Send(&wire.Dispatch{
			RequestID: rid,
			Execution: task.Execution,
			Inputs:    task.Inputs,
		})
		if err != nil {
			logging.Warningf(ctx, "sched: dispatch to %q failed: %s", w.name, err)
			co.mu.Lock()
			delete(w.busy, rid)
			co.mu.Unlock()
			eval.sched.Returned(task.Execution.ID)
			continue
		}
		eval.sched.Started(task.Execution.ID, w.name)
	}
}

// statusReport snapshots progress for a polling client.
func (co *Coordinator) statusReport(ctx context.Context, eval *evaluation) *wire.StatusReport {
	ready, waiting, running := eval.sched.Status()
	rep := &wire.StatusReport{Ready: ready, Waiting: waiting, Running: running}

	now := clock.Now(ctx)
	co.mu.Lock()
	for _, w := range co.workers {
		ws := wire.WorkerStatus{ID: w.id, Name: w.name}
		for _, fl := range w.busy {
			ws.Job = fl.desc
			ws.Running = now.Sub(fl.started)
			break
		}
		rep.Workers = append(rep.Workers, ws)
	}
	co.mu.Unlock()
	return rep
}

// ingestBlob streams an announced blob off the channel into the store.
func (co *Coordinator) ingestBlob(ctx context.Context, ch *wire.Channel, size int64) (store.Digest, error) {
	pr, pw := io.Pipe()
	type stored struct {
		d   store.Digest
		err error
	}
	done := make(chan stored, 1)
	go func() {
		d, _, err := co.st.Put(ctx, pr)
		if err != nil {
			pr.CloseWithError(err)
		}
		done <- stored{d, err}
	}()
	rerr := ch.ReceiveBlob(pw, size)
	pw.CloseWithError(rerr)
	res := <-done
	if rerr != nil {
		return "", rerr
	}
	return res.d, res.err
}

// serveBlob answers a blob request from the store.
func (co *Coordinator) serveBlob(ctx context.Context, ch *wire.Channel, d store.Digest) error {
	rc, size, err := co.st.Reader(ctx, d)
	if err != nil {
		if store.NotFound.In(err) {
			return ch.Send(&wire.BlobContent{Digest: d, Found: false})
		}
		return err
	}
	defer rc.Close()
	return ch.SendBlob(&wire.BlobContent{Digest: d, Found: true, Size: size}, rc, size)
}

func sendErr(ctx context.Context, ch *wire.Channel, msg string, validation bool) {
	if err := ch.Send(&wire.Error{Message: msg, Validation: validation}); err != nil {
		logging.Debugf(ctx, "sched: reporting error to peer: %s", err)
	}
}

// clientEvents forwards scheduling events to the evaluation's client.
type clientEvents struct {
	ctx  context.Context
	eval *evaluation
}

func (ce *clientEvents) ExecutionStarted(id dag.ExecutionID, worker string) {
	if _, ok := ce.eval.watchExecs[id]; !ok {
		return
	}
	ce.send(&wire.NotifyStart{Execution: id, Worker: worker})
}

func (ce *clientEvents) ExecutionDone(id dag.ExecutionID, res *dag.Result) {
	if _, ok := ce.eval.watchExecs[id]; !ok {
		return
	}
	ce.send(&wire.NotifyDone{Execution: id, Result: res})
}

func (ce *clientEvents) ExecutionSkipped(id dag.ExecutionID, res *dag.Result) {
	if _, ok := ce.eval.watchExecs[id]; !ok {
		return
	}
	ce.send(&wire.NotifySkip{Execution: id, Result: res})
}

func (ce *clientEvents) EvaluationFinished(files []wire.FinalFile) {
	ce.send(&wire.EvaluationDone{Files: files})
}

func (ce *clientEvents) send(msg wire.Message) {
	if err := ce.eval.ch.Send(msg); err != nil {
		logging.Debugf(ce.ctx, "sched: notifying client: %s", err)
	}
}
