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

package cli

import (
	"encoding/json"
	"os"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/gristmill-build/gristmill/dag"
)

// Manifest is the JSON pipeline description the run command consumes.
//
// Files are referred to by name: provided files and named outputs use
// their declared names, and a step's captured streams are "<step>:stdout"
// and "<step>:stderr". Unnamed outputs get "<step>:<path>".
type Manifest struct {
	Provide []ProvideSpec `json:"provide,omitempty"`
	Steps   []StepSpec    `json:"steps"`
	Write   []WriteSpec   `json:"write,omitempty"`
	// Print lists files whose final content goes to stdout.
	Print []string `json:"print,omitempty"`
}

// ProvideSpec declares a pipeline input, from disk or inline.
type ProvideSpec struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// StepSpec declares one process run.
type StepSpec struct {
	Name string   `json:"name"`
	Cmd  string   `json:"cmd,omitempty"`  // resolved on the worker's PATH
	Tool string   `json:"tool,omitempty"` // sandbox path of an input
	Args []string `json:"args,omitempty"`

	Env     map[string]string `json:"env,omitempty"`
	Inputs  []InputSpec       `json:"inputs,omitempty"`
	Outputs []OutputSpec      `json:"outputs,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`

	CaptureStdout bool `json:"capture_stdout,omitempty"`
	CaptureStderr bool `json:"capture_stderr,omitempty"`

	CPULimitSec  float64 `json:"cpu_limit,omitempty"`
	WallLimitSec float64 `json:"wall_limit,omitempty"`
	MemoryBytes  int64   `json:"memory,omitempty"`
	Processes    int     `json:"processes,omitempty"`

	Priority  int64 `json:"priority,omitempty"`
	LocalOnly bool  `json:"local_only,omitempty"`
}

// InputSpec places a named file in a step's sandbox.
type InputSpec struct {
	File       string `json:"file"`
	Path       string `json:"path"`
	Executable bool   `json:"executable,omitempty"`
}

// OutputSpec declares a file a step must produce.
type OutputSpec struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

// WriteSpec asks for a file's final content on the client's disk.
type WriteSpec struct {
	File         string `json:"file"`
	To           string `json:"to"`
	Executable   bool   `json:"executable,omitempty"`
	AllowFailure bool   `json:"allow_failure,omitempty"`
}

// LoadManifest parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading manifest").Err()
	}
	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Annotate(err, "parsing manifest").Err()
	}
	if len(m.Steps) == 0 {
		return nil, errors.Reason("manifest declares no steps").Err()
	}
	return m, nil
}

// BuildGraph turns the manifest into an evaluation graph and returns the
// graph together with the name registry of every addressable file.
func (m *Manifest) BuildGraph() (*dag.Graph, map[string]*dag.File, error) {
	g := dag.New()
	files := map[string]*dag.File{}

	register := func(name string, f *dag.File) error {
		if _, ok := files[name]; ok {
			return errors.Reason("file name %q declared twice", name).Err()
		}
		files[name] = f
		return nil
	}
	lookup := func(name string) (*dag.File, error) {
		f, ok := files[name]
		if !ok {
			return nil, errors.Reason("reference to unknown file %q", name).Err()
		}
		return f, nil
	}

	for _, p := range m.Provide {
		f := dag.NewFile(p.Name)
		if err := register(p.Name, f); err != nil {
			return nil, nil, err
		}
		switch {
		case p.Path != "" && p.Content != "":
			return nil, nil, errors.Reason("provided file %q has both a path and content", p.Name).Err()
		case p.Path != "":
			if err := g.ProvideFile(f, p.Path); err != nil {
				return nil, nil, err
			}
		default:
			if err := g.ProvideContent(f, []byte(p.Content)); err != nil {
				return nil, nil, err
			}
		}
	}

	steps := map[string]struct{}{}
	for _, s := range m.Steps {
		if s.Name == "" {
			return nil, nil, errors.Reason("every step needs a name").Err()
		}
		if _, ok := steps[s.Name]; ok {
			return nil, nil, errors.Reason("step name %q declared twice", s.Name).Err()
		}
		steps[s.Name] = struct{}{}

		var cmd dag.Command
		switch {
		case s.Cmd != "" && s.Tool != "":
			return nil, nil, errors.Reason("step %q has both cmd and tool", s.Name).Err()
		case s.Cmd != "":
			cmd = dag.SystemCommand(s.Cmd)
		case s.Tool != "":
			cmd = dag.LocalCommand(s.Tool)
		default:
			return nil, nil, errors.Reason("step %q has no command", s.Name).Err()
		}

		e := dag.NewExecution(s.Name, cmd, s.Args...)
		e.Priority = s.Priority
		if s.LocalOnly {
			e.Policy = dag.RunLocalOnly
		}
		e.Limits = dag.Limits{
			CPUTime:   time.Duration(s.CPULimitSec * float64(time.Second)),
			WallTime:  time.Duration(s.WallLimitSec * float64(time.Second)),
			Memory:    s.MemoryBytes,
			Processes: s.Processes,
		}
		for k, v := range s.Env {
			e.SetEnv(k, v)
		}
		for _, in := range s.Inputs {
			f, err := lookup(in.File)
			if err != nil {
				return nil, nil, errors.Annotate(err, "step %q", s.Name).Err()
			}
			if in.Executable {
				e.ExecutableInput(f, in.Path)
			} else {
				e.Input(f, in.Path)
			}
		}
		if s.Stdin != "" {
			f, err := lookup(s.Stdin)
			if err != nil {
				return nil, nil, errors.Annotate(err, "step %q stdin", s.Name).Err()
			}
			e.Stdin(f)
		}
		for _, out := range s.Outputs {
			name := out.Name
			if name == "" {
				name = s.Name + ":" + out.Path
			}
			if err := register(name, e.Output(out.Path)); err != nil {
				return nil, nil, err
			}
		}
		if s.CaptureStdout {
			if err := register(s.Name+":stdout", e.Stdout()); err != nil {
				return nil, nil, err
			}
		}
		if s.CaptureStderr {
			if err := register(s.Name+":stderr", e.Stderr()); err != nil {
				return nil, nil, err
			}
		}
		if err := g.Add(e); err != nil {
			return nil, nil, errors.Annotate(err, "step %q", s.Name).Err()
		}
	}

	for _, w := range m.Write {
		f, err := lookup(w.File)
		if err != nil {
			return nil, nil, err
		}
		if w.AllowFailure {
			g.WriteFileToAllowFail(f, w.To, w.Executable)
		} else {
			g.WriteFileTo(f, w.To, w.Executable)
		}
	}
	for _, name := range m.Print {
		if _, err := lookup(name); err != nil {
			return nil, nil, err
		}
	}
	return g, files, nil
}
