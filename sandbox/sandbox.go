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

// Package sandbox runs one execution's command in an isolated box
// directory with resource limits.
//
// Each run gets a fresh box: declared inputs are copied in at their
// declared paths, the command runs with the box as its working directory,
// and declared outputs are collected from the box afterwards. The sandbox
// classifies every termination into a specific result status; "the command
// misbehaved" and "the sandbox failed to run the command" are reported
// distinctly.
//
// Wall clock limits are enforced by killing the process group; CPU and
// memory limits are classified from post-exit resource usage, with the
// wall limit (plus grace) as the enforcement backstop. The process limit
// is advisory for this sandbox.
package sandbox

import (
	"context"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/environ"
	"go.chromium.org/luci/common/system/exec2"
	"go.chromium.org/luci/common/system/filesystem"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
)

// ExtraTime is the grace added on top of a declared limit before the
// sandbox forcibly kills the process, so that marginal breaches are
// classified from usage instead of racing the killer.
const ExtraTime = 500 * time.Millisecond

// BlobOpener hands the sandbox input content. Implemented by the worker's
// local artifact store.
type BlobOpener interface {
	Reader(ctx context.Context, d store.Digest) (io.ReadCloser, int64, error)
}

// Outcome is what one sandboxed run produced. The caller owns the box
// directory backing the paths and must Close the outcome once it is done
// reading them.
type Outcome struct {
	Result *dag.Result

	// OutputPaths maps declared output sandbox paths to host paths the
	// caller can read the produced files from. Only present for outputs
	// that exist.
	OutputPaths map[string]string
	// StdoutPath/StderrPath hold the captured streams, when requested.
	StdoutPath string
	StderrPath string

	boxdir string
	keep   bool
}

// Close removes the box directory, invalidating all paths in the outcome.
func (o *Outcome) Close() error {
	if o.keep || o.boxdir == "" {
		return nil
	}
	err := filesystem.RemoveAll(o.boxdir)
	o.boxdir = ""
	return err
}

// Runner creates sandboxes under one root directory.
type Runner struct {
	root string
	// KeepBoxes leaves box directories behind for debugging.
	KeepBoxes bool
}

// New returns a Runner placing sandboxes under root.
func New(root string) (*Runner, error) {
	if err := filesystem.MakeDirs(root); err != nil {
		return nil, errors.Annotate(err, "creating sandbox root").Err()
	}
	return &Runner{root: root}, nil
}

// Run executes e in a fresh box, feeding inputs from blobs.
//
// The returned error covers infrastructure trouble only (unreadable blobs,
// unusable disk); everything the command itself does wrong is encoded in
// the Outcome's result status.
func (r *Runner) Run(ctx context.Context, e *dag.Execution, inputs map[dag.FileID]store.Digest, blobs BlobOpener) (*Outcome, error) {
	boxdir, err := os.MkdirTemp(r.root, "box")
	if err != nil {
		return nil, errors.Annotate(err, "creating box").Err()
	}
	// Infrastructure failures below never hand the box to the caller, so
	// it is reclaimed here. Successful returns transfer ownership to the
	// Outcome.
	ok := false
	defer func() {
		if !ok && !r.KeepBoxes {
			if rmErr := filesystem.RemoveAll(boxdir); rmErr != nil {
				logging.Warningf(ctx, "sandbox: leaking box %s: %s", boxdir, rmErr)
			}
		}
	}()

	box := filepath.Join(boxdir, "box")
	if err := filesystem.MakeDirs(box); err != nil {
		return nil, errors.Annotate(err, "creating box cwd").Err()
	}
	if err := r.materializeInputs(ctx, e, inputs, blobs, boxdir, box); err != nil {
		return nil, err
	}

	argv0, violation := r.resolveCommand(e, box)
	if violation != "" {
		ok = true
		return &Outcome{
			Result: &dag.Result{
				Status:  dag.ResultSandboxViolation,
				Message: violation,
			},
			boxdir: boxdir,
			keep:   r.KeepBoxes,
		}, nil
	}

	cmd := exec2.CommandContext(ctx, argv0, e.Args...)
	cmd.Dir = box
	cmd.Env = boxEnviron(e).Sorted()

	var stdoutPath, stderrPath string
	if e.StdinFile != "" {
		stdin, err := os.Open(filepath.Join(boxdir, "stdin"))
		if err != nil {
			return nil, errors.Annotate(err, "opening stdin").Err()
		}
		defer stdin.Close()
		cmd.Stdin = stdin
	}
	if e.StdoutFile != nil {
		stdoutPath = filepath.Join(boxdir, "stdout")
		f, err := os.Create(stdoutPath)
		if err != nil {
			return nil, errors.Annotate(err, "creating stdout").Err()
		}
		defer f.Close()
		cmd.Stdout = f
	}
	if e.StderrFile != nil {
		stderrPath = filepath.Join(boxdir, "stderr")
		f, err := os.Create(stderrPath)
		if err != nil {
			return nil, errors.Annotate(err, "creating stderr").Err()
		}
		defer f.Close()
		cmd.Stderr = f
	}

	started := clock.Now(ctx)
	if err := cmd.Start(); err != nil {
		// The command could not even begin: a sandbox-level failure,
		// not a semantic one.
		ok = true
		return &Outcome{
			Result: &dag.Result{
				Status:  dag.ResultSandboxViolation,
				Message: err.Error(),
			},
			boxdir: boxdir,
			keep:   r.KeepBoxes,
		}, nil
	}

	waitErr := cmd.Wait(waitBudget(e.Limits))
	wallKilled := false
	if waitErr == exec2.ErrTimeout {
		wallKilled = true
		if err := cmd.Terminate(); err != nil {
			_ = cmd.Kill()
		}
		// Collect the real exit below; a grace period lets the process
		// die from the signal before we force it.
		waitErr = cmd.Wait(ExtraTime)
		if waitErr == exec2.ErrTimeout {
			_ = cmd.Kill()
			waitErr = cmd.Wait(ExtraTime)
		}
	}

	res := classify(e.Limits, cmd, waitErr, wallKilled, clock.Now(ctx).Sub(started))
	out := &Outcome{
		Result:      res,
		OutputPaths: map[string]string{},
		StdoutPath:  stdoutPath,
		StderrPath:  stderrPath,
		boxdir:      boxdir,
		keep:        r.KeepBoxes,
	}
	for _, o := range e.Outputs {
		host := filepath.Join(box, o.Path)
		if _, err := os.Stat(host); err == nil {
			out.OutputPaths[o.Path] = host
		}
	}
	ok = true
	return out, nil
}

// materializeInputs copies every input blob to its declared box path.
func (r *Runner) materializeInputs(ctx context.Context, e *dag.Execution, inputs map[dag.FileID]store.Digest, blobs BlobOpener, boxdir, box string) error {
	place := func(id dag.FileID, dest string, executable bool) error {
		d, ok := inputs[id]
		if !ok {
			return errors.Reason("no digest for input %q", dest).Err()
		}
		rc, _, err := blobs.Reader(ctx, d)
		if err != nil {
			return errors.Annotate(err, "opening input %s", d).Err()
		}
		defer rc.Close()
		if err := filesystem.MakeDirs(filepath.Dir(dest)); err != nil {
			return errors.Annotate(err, "creating input dir").Err()
		}
		mode := os.FileMode(0o600)
		if executable {
			mode = 0o700
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return errors.Annotate(err, "creating input file").Err()
		}
		defer f.Close()
		if _, err := io.Copy(f, rc); err != nil {
			return errors.Annotate(err, "copying input %s", d).Err()
		}
		return f.Close()
	}

	for _, in := range e.Inputs {
		if err := place(in.File, filepath.Join(box, in.Path), in.Executable); err != nil {
			return err
		}
	}
	if e.StdinFile != "" {
		if err := place(e.StdinFile, filepath.Join(boxdir, "stdin"), false); err != nil {
			return err
		}
	}
	return nil
}

// resolveCommand finds the binary to run, or explains why it can't.
func (r *Runner) resolveCommand(e *dag.Execution, box string) (argv0, violation string) {
	switch {
	case e.Command.Local != "":
		path := filepath.Join(box, e.Command.Local)
		if _, err := os.Stat(path); err != nil {
			return "", "local command " + e.Command.Local + " is not among the inputs"
		}
		return path, ""
	case e.Command.System != "":
		path, err := exec.LookPath(e.Command.System)
		if err != nil {
			return "", "command " + e.Command.System + " not found in PATH"
		}
		return path, ""
	default:
		return "", "execution declares no command"
	}
}

// boxEnviron builds the command environment: PATH from the worker plus the
// execution's declared variables, nothing else.
func boxEnviron(e *dag.Execution) environ.Env {
	env := environ.New(nil)
	if path := environ.System().Get("PATH"); path != "" {
		env.Set("PATH", path)
	}
	for k, v := range e.Env {
		env.Set(k, v)
	}
	return env
}

// waitBudget picks how long to wait before declaring a wall breach.
func waitBudget(l dag.Limits) time.Duration {
	switch {
	case l.WallTime > 0:
		return l.WallTime + ExtraTime
	case l.CPUTime > 0:
		// CPU-limited commands get a generous wall backstop: a spinning
		// process breaches CPU around the same wall time, a sleeping
		// one should not run forever either.
		return 10*l.CPUTime + ExtraTime
	default:
		return time.Duration(math.MaxInt64)
	}
}

// classify turns the exit state into a specific result status.
func classify(l dag.Limits, cmd *exec2.Cmd, waitErr error, wallKilled bool, wall time.Duration) *dag.Result {
	res := &dag.Result{Usage: dag.ResourceUsage{WallTime: wall}}
	if ps := cmd.ProcessState; ps != nil {
		res.Usage.CPUTime = ps.UserTime()
		res.Usage.SysTime = ps.SystemTime()
		res.Usage.MaxMemory = maxRSSBytes(ps)
	}

	cpu := res.Usage.CPUTime + res.Usage.SysTime
	switch {
	case l.CPUTime > 0 && cpu > l.CPUTime:
		res.Status = dag.ResultTimeLimit
	case wallKilled, l.WallTime > 0 && wall > l.WallTime:
		res.Status = dag.ResultWallLimit
	case l.Memory > 0 && res.Usage.MaxMemory > l.Memory:
		res.Status = dag.ResultMemoryLimit
	case waitErr == nil:
		res.Status = dag.ResultSuccess
	default:
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			if sig := exitSignal(ee); sig != 0 {
				res.Status = dag.ResultSignaled
				res.Signal = sig
			} else {
				res.Status = dag.ResultNonZeroExit
				res.ExitCode = ee.ExitCode()
			}
		} else {
			res.Status = dag.ResultSandboxViolation
			res.Message = waitErr.Error()
		}
	}
	return res
}
