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

package dag

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionID uniquely identifies an Execution within a Graph.
type ExecutionID string

// Command names the executable an Execution runs.
//
// Exactly one of System or Local is set. A System command is resolved from
// the worker's PATH; a Local command names an input file of the execution by
// its path inside the sandbox, which lets a compiled artifact produced by an
// upstream execution be run directly.
type Command struct {
	System string `json:"system,omitempty"`
	Local  string `json:"local,omitempty"`
}

// SystemCommand returns a Command resolved from the worker's PATH.
func SystemCommand(name string) Command { return Command{System: name} }

// LocalCommand returns a Command naming an input file inside the sandbox.
func LocalCommand(path string) Command { return Command{Local: path} }

// Limits bounds the resources an execution may consume.
//
// Zero values mean "unlimited". Limit breaches are reported by the sandbox
// as distinct failure kinds, not generic errors.
type Limits struct {
	// CPUTime bounds user+system CPU time.
	CPUTime time.Duration `json:"cpu_time,omitempty"`
	// WallTime bounds real elapsed time.
	WallTime time.Duration `json:"wall_time,omitempty"`
	// Memory bounds resident memory, in bytes.
	Memory int64 `json:"memory,omitempty"`
	// Processes bounds the number of processes the execution may spawn.
	Processes int `json:"processes,omitempty"`
}

// Policy restricts where an execution may be dispatched.
type Policy string

const (
	// RunAnywhere allows dispatch to any connected worker.
	RunAnywhere Policy = "ANYWHERE"
	// RunLocalOnly restricts dispatch to workers co-located with the
	// coordinator.
	RunLocalOnly Policy = "LOCAL_ONLY"
)

// Input binds a File to a path inside the execution's sandbox.
type Input struct {
	File       FileID `json:"file"`
	Path       string `json:"path"`
	Executable bool   `json:"executable,omitempty"`
}

// Output declares that the execution produces a file at a path inside the
// sandbox.
type Output struct {
	File *File  `json:"file"`
	Path string `json:"path"`
}

// Execution is a unit of work: one sandboxed command invocation with
// declared input and output Files.
type Execution struct {
	ID          ExecutionID       `json:"id"`
	Description string            `json:"description"`
	Command     Command           `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Limits      Limits            `json:"limits"`
	Policy      Policy            `json:"policy"`

	// Priority orders dispatch among ready executions; higher first.
	Priority int64 `json:"priority,omitempty"`

	// StdinFile, if set, is piped to the command's standard input.
	StdinFile FileID `json:"stdin,omitempty"`

	Inputs  []Input  `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs,omitempty"`

	// StdoutFile/StderrFile capture the command's standard streams as
	// graph Files. Nil if not requested.
	StdoutFile *File `json:"stdout,omitempty"`
	StderrFile *File `json:"stderr,omitempty"`
}

// NewExecution creates an Execution with a fresh identifier and no declared
// files.
func NewExecution(description string, cmd Command, args ...string) *Execution {
	return &Execution{
		ID:          ExecutionID(uuid.NewString()),
		Description: description,
		Command:     cmd,
		Args:        args,
		Policy:      RunAnywhere,
	}
}

// Input declares f as an input of the execution, placed at path inside the
// sandbox.
func (e *Execution) Input(f *File, path string) *Execution {
	e.Inputs = append(e.Inputs, Input{File: f.ID, Path: path})
	return e
}

// ExecutableInput is like Input but the file is marked executable inside the
// sandbox.
func (e *Execution) ExecutableInput(f *File, path string) *Execution {
	e.Inputs = append(e.Inputs, Input{File: f.ID, Path: path, Executable: true})
	return e
}

// Stdin pipes f to the command's standard input.
func (e *Execution) Stdin(f *File) *Execution {
	e.StdinFile = f.ID
	return e
}

// Stdout returns the File capturing the command's standard output, creating
// it on first use.
func (e *Execution) Stdout() *File {
	if e.StdoutFile == nil {
		e.StdoutFile = NewFile("stdout of " + e.Description)
	}
	return e.StdoutFile
}

// Stderr returns the File capturing the command's standard error, creating
// it on first use.
func (e *Execution) Stderr() *File {
	if e.StderrFile == nil {
		e.StderrFile = NewFile("stderr of " + e.Description)
	}
	return e.StderrFile
}

// Output declares a new output File produced at path inside the sandbox and
// returns its handle.
func (e *Execution) Output(path string) *File {
	f := NewFile(path + " of " + e.Description)
	e.Outputs = append(e.Outputs, Output{File: f, Path: path})
	return f
}

// SetEnv sets an environment variable for the command.
func (e *Execution) SetEnv(name, value string) *Execution {
	if e.Env == nil {
		e.Env = map[string]string{}
	}
	e.Env[name] = value
	return e
}

// InputFiles returns the IDs of all files the execution depends on,
// including stdin, without duplicates.
func (e *Execution) InputFiles() []FileID {
	seen := map[FileID]struct{}{}
	var out []FileID
	add := func(id FileID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, in := range e.Inputs {
		add(in.File)
	}
	if e.StdinFile != "" {
		add(e.StdinFile)
	}
	return out
}

// OutputFiles returns all files the execution produces, including captured
// stdout/stderr.
func (e *Execution) OutputFiles() []*File {
	var out []*File
	for _, o := range e.Outputs {
		out = append(out, o.File)
	}
	if e.StdoutFile != nil {
		out = append(out, e.StdoutFile)
	}
	if e.StderrFile != nil {
		out = append(out, e.StderrFile)
	}
	return out
}
