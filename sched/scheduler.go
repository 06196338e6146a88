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

// Package sched decides what runs when.
//
// The Scheduler tracks one evaluation: it watches files materialize,
// promotes executions whose inputs are all available, answers cache hits
// without dispatching, and propagates failures downstream as skips. The
// coordinator in this package owns the connections and feeds the scheduler
// events; the scheduler never talks to the network itself.
package sched

import (
	"context"
	"fmt"
	"sync"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/gristmill-build/gristmill/cache"
	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

// DefaultMaxDispatchAttempts bounds how many times an execution is handed
// out again after the worker running it vanished.
const DefaultMaxDispatchAttempts = 3

// Events receives scheduling decisions as they happen. Implementations
// must not call back into the Scheduler from an event handler.
type Events interface {
	// ExecutionStarted fires when a worker begins running the execution.
	ExecutionStarted(id dag.ExecutionID, worker string)
	// ExecutionDone fires when the execution reaches a terminal result,
	// whether by running or by cache hit.
	ExecutionDone(id dag.ExecutionID, res *dag.Result)
	// ExecutionSkipped fires when the execution will never run because an
	// upstream dependency failed.
	ExecutionSkipped(id dag.ExecutionID, res *dag.Result)
	// EvaluationFinished fires exactly once, when every execution is
	// terminal and every provided file has landed.
	EvaluationFinished(files []wire.FinalFile)
}

// Options tune one evaluation.
type Options struct {
	// NoCache runs every execution even if a cached result matches.
	NoCache bool
	// MaxDispatchAttempts bounds dispatches per execution across worker
	// failures; zero means DefaultMaxDispatchAttempts.
	MaxDispatchAttempts int
}

// Task is one claimed unit of work, ready to hand to a worker.
type Task struct {
	Execution *dag.Execution
	// Inputs holds the digest of every input file, stdin included.
	Inputs map[dag.FileID]store.Digest
}

type execPhase int

const (
	phaseWaiting execPhase = iota
	phaseReady
	phaseRunning
	phaseDone
	phaseSkipped
)

type execState struct {
	phase    execPhase
	missing  int // input files not yet settled
	attempts int
	fp       cache.Fingerprint
	result   *dag.Result
}

type fileState struct {
	have   bool
	digest store.Digest
	failed bool
	// cause names the executions, root first, that doomed this file.
	cause []string
}

// Scheduler drives one graph evaluation to completion.
type Scheduler struct {
	ctx  context.Context
	g    *dag.Graph
	st   *store.Store
	c    *cache.Cache
	evts Events
	opts Options

	mu         sync.Mutex
	execs      map[dag.ExecutionID]*execState
	files      map[dag.FileID]*fileState
	dependents map[dag.FileID][]dag.ExecutionID
	anyQueue   readyQueue
	localQueue readyQueue

	providedPending int
	terminal        int
	finished        bool
	watch           dag.WatchSet

	runnable chan struct{}
	events   []func() // pending, fired outside the lock
	flushMu  sync.Mutex
}

// New prepares a scheduler for a validated graph. Call Kick to start it.
func New(ctx context.Context, g *dag.Graph, watch dag.WatchSet, st *store.Store, c *cache.Cache, evts Events, opts Options) *Scheduler {
	if opts.MaxDispatchAttempts <= 0 {
		opts.MaxDispatchAttempts = DefaultMaxDispatchAttempts
	}
	s := &Scheduler{
		ctx:        ctx,
		g:          g,
		st:         st,
		c:          c,
		evts:       evts,
		opts:       opts,
		execs:      make(map[dag.ExecutionID]*execState, len(g.Executions)),
		files:      make(map[dag.FileID]*fileState, len(g.Files)),
		dependents: map[dag.FileID][]dag.ExecutionID{},
		watch:      watch,
		runnable:   make(chan struct{}, 1),
	}
	for id := range g.Files {
		s.files[id] = &fileState{}
	}
	for id, e := range g.Executions {
		ins := e.InputFiles()
		s.execs[id] = &execState{missing: len(ins)}
		for _, in := range ins {
			s.dependents[in] = append(s.dependents[in], id)
		}
	}
	s.providedPending = len(g.Provided)
	return s
}

// Runnable signals whenever newly claimable work may exist. The channel
// carries at most one pending notification.
func (s *Scheduler) Runnable() <-chan struct{} { return s.runnable }

// Kick promotes the graph's initially ready executions (nothing is
// materialized yet, so those needing no inputs) and settles trivially
// finished graphs.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	for _, id := range s.g.Ready(stringset.New(0), nil) {
		if s.execs[id].phase == phaseWaiting {
			s.promoteLocked(id)
		}
	}
	s.checkFinishedLocked()
	s.mu.Unlock()
	s.flush()
}

// FileProvided records a client-provided file's blob landing in the store.
func (s *Scheduler) FileProvided(id dag.FileID, d store.Digest) {
	s.mu.Lock()
	s.providedPending--
	s.settleFileLocked(id, d, true, nil)
	s.checkFinishedLocked()
	s.mu.Unlock()
	s.flush()
}

// Next claims the most urgent ready execution a worker of the given
// locality may run, or nil when nothing is claimable.
func (s *Scheduler) Next(localWorker bool) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id dag.ExecutionID
	var ok bool
	if localWorker {
		id, ok = s.localQueue.next()
	}
	if !ok {
		id, ok = s.anyQueue.next()
	}
	if !ok {
		return nil
	}

	st := s.execs[id]
	st.phase = phaseRunning
	e := s.g.Executions[id]
	inputs := make(map[dag.FileID]store.Digest, len(e.Inputs)+1)
	for _, in := range e.InputFiles() {
		inputs[in] = s.files[in].digest
	}
	return &Task{Execution: e, Inputs: inputs}
}

// Started reports that a dispatch was delivered to the named worker.
func (s *Scheduler) Started(id dag.ExecutionID, worker string) {
	s.mu.Lock()
	s.events = append(s.events, func() { s.evts.ExecutionStarted(id, worker) })
	s.mu.Unlock()
	s.flush()
}

// Completed settles a dispatched execution with the result its worker
// reported. Output digests are keyed by declared sandbox path.
func (s *Scheduler) Completed(id dag.ExecutionID, res *dag.Result, outputs map[string]store.Digest, stdout, stderr store.Digest) {
	s.mu.Lock()
	st, ok := s.execs[id]
	if !ok || st.phase != phaseRunning {
		// A worker we gave up on finished anyway.
		logging.Debugf(s.ctx, "sched: discarding stale completion for %s", id)
		s.mu.Unlock()
		return
	}
	if cacheable(res.Status) {
		rec := &cache.CachedResult{Result: res, Outputs: outputs, Stdout: stdout, Stderr: stderr}
		if err := s.c.Insert(s.ctx, st.fp, rec); err != nil {
			logging.Warningf(s.ctx, "sched: caching result for %s: %s", id, err)
		}
	}
	s.settleExecLocked(id, res, outputs, stdout, stderr)
	s.checkFinishedLocked()
	s.mu.Unlock()
	s.flush()
}

// Returned puts a dispatched execution back after its worker vanished.
// Executions bounced too many times fail for good.
func (s *Scheduler) Returned(id dag.ExecutionID) {
	s.mu.Lock()
	st, ok := s.execs[id]
	if !ok || st.phase != phaseRunning {
		s.mu.Unlock()
		return
	}
	if st.attempts >= s.opts.MaxDispatchAttempts {
		res := &dag.Result{
			Status:  dag.ResultRetryExhausted,
			Message: fmt.Sprintf("gave up after %d dispatch attempts", st.attempts),
		}
		s.settleExecLocked(id, res, nil, "", "")
		s.checkFinishedLocked()
	} else {
		st.phase = phaseReady
		st.attempts++
		s.enqueueLocked(id)
	}
	s.mu.Unlock()
	s.flush()
}

// Status reports queue depths for progress polling.
func (s *Scheduler) Status() (ready, waiting, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.execs {
		switch st.phase {
		case phaseReady:
			ready++
		case phaseWaiting:
			waiting++
		case phaseRunning:
			running++
		}
	}
	return
}

// Done reports whether the evaluation reached its end.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FileDigest returns the settled digest of a file, if it has one.
func (s *Scheduler) FileDigest(id dag.FileID) (store.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.files[id]
	if !ok || fs.digest == "" {
		return "", false
	}
	return fs.digest, true
}

// cacheable reports whether a result status describes what the command
// did, as opposed to what went wrong around it. Only command behavior is
// worth remembering.
func cacheable(st dag.ResultStatus) bool {
	switch st {
	case dag.ResultSuccess, dag.ResultNonZeroExit, dag.ResultSignaled,
		dag.ResultTimeLimit, dag.ResultWallLimit, dag.ResultMemoryLimit:
		return true
	default:
		return false
	}
}

// settleFileLocked records a file's fate and advances its dependents.
func (s *Scheduler) settleFileLocked(id dag.FileID, d store.Digest, ok bool, cause []string) {
	fs := s.files[id]
	if fs == nil {
		fs = &fileState{}
		s.files[id] = fs
	}
	if fs.have {
		return
	}
	fs.have = true
	fs.digest = d
	fs.failed = !ok
	fs.cause = cause

	for _, dep := range s.dependents[id] {
		st := s.execs[dep]
		if st.phase != phaseWaiting {
			continue
		}
		if !ok {
			s.skipLocked(dep, cause)
			continue
		}
		if st.missing--; st.missing == 0 {
			s.promoteLocked(dep)
		}
	}
}

// promoteLocked moves a waiting execution to ready, answering from the
// cache when possible.
func (s *Scheduler) promoteLocked(id dag.ExecutionID) {
	st := s.execs[id]
	e := s.g.Executions[id]

	inputs := make(map[dag.FileID]store.Digest, len(e.Inputs)+1)
	for _, in := range e.InputFiles() {
		inputs[in] = s.files[in].digest
	}
	fp, err := cache.FingerprintOf(e, inputs)
	if err != nil {
		// Cannot happen for a settled input set; fail loudly if it does.
		s.skipLocked(id, []string{errors.Annotate(err, "fingerprinting %q", e.Description).Err().Error()})
		return
	}
	st.fp = fp

	if !s.opts.NoCache {
		if rec := s.c.Lookup(fp); rec != nil {
			logging.Debugf(s.ctx, "sched: cache hit for %q", e.Description)
			st.phase = phaseRunning // settleExecLocked expects it
			s.settleExecLocked(id, rec.Result, rec.Outputs, rec.Stdout, rec.Stderr)
			return
		}
	}

	st.phase = phaseReady
	st.attempts++
	s.enqueueLocked(id)
}

func (s *Scheduler) enqueueLocked(id dag.ExecutionID) {
	e := s.g.Executions[id]
	if e.Policy == dag.RunLocalOnly {
		s.localQueue.add(id, e.Priority)
	} else {
		s.anyQueue.add(id, e.Priority)
	}
	select {
	case s.runnable <- struct{}{}:
	default:
	}
}

// settleExecLocked makes an execution terminal and settles all its files.
func (s *Scheduler) settleExecLocked(id dag.ExecutionID, res *dag.Result, outputs map[string]store.Digest, stdout, stderr store.Digest) {
	st := s.execs[id]
	st.phase = phaseDone
	st.result = res
	s.terminal++
	s.events = append(s.events, func() { s.evts.ExecutionDone(id, res) })

	e := s.g.Executions[id]
	failCause := []string{e.Description}

	if e.StdoutFile != nil {
		s.settleFileLocked(e.StdoutFile.ID, stdout, stdout != "" && res.OK(), failCause)
	}
	if e.StderrFile != nil {
		s.settleFileLocked(e.StderrFile.ID, stderr, stderr != "" && res.OK(), failCause)
	}
	for _, o := range e.Outputs {
		d := outputs[o.Path]
		s.settleFileLocked(o.File.ID, d, d != "" && res.OK(), failCause)
	}
}

// skipLocked makes an execution terminal without running it, extending the
// causal chain into its own outputs.
func (s *Scheduler) skipLocked(id dag.ExecutionID, cause []string) {
	st := s.execs[id]
	st.phase = phaseSkipped
	s.terminal++

	res := &dag.Result{Status: dag.ResultSkipped, Cause: cause}
	st.result = res
	s.events = append(s.events, func() { s.evts.ExecutionSkipped(id, res) })

	e := s.g.Executions[id]
	downstream := append(append([]string(nil), cause...), e.Description)
	if e.StdoutFile != nil {
		s.settleFileLocked(e.StdoutFile.ID, "", false, downstream)
	}
	if e.StderrFile != nil {
		s.settleFileLocked(e.StderrFile.ID, "", false, downstream)
	}
	for _, o := range e.Outputs {
		s.settleFileLocked(o.File.ID, "", false, downstream)
	}
}

func (s *Scheduler) checkFinishedLocked() {
	if s.finished || s.terminal < len(s.execs) || s.providedPending > 0 {
		return
	}
	s.finished = true

	var files []wire.FinalFile
	for _, id := range s.watch.Files {
		fs := s.files[id]
		ff := wire.FinalFile{File: id}
		if fs != nil && fs.have {
			ff.Digest = fs.digest
			ff.Success = !fs.failed
		}
		files = append(files, ff)
	}
	s.events = append(s.events, func() { s.evts.EvaluationFinished(files) })
}

// flush fires accumulated events in order, outside the state lock. A
// second mutex keeps concurrent flushers from interleaving batches.
func (s *Scheduler) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.events) == 0 {
			s.mu.Unlock()
			return
		}
		pending := s.events
		s.events = nil
		s.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
	}
}
