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
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/gristmill-build/gristmill/dag"
)

func TestManifest(t *testing.T) {
	t.Parallel()

	ftt.Run("Manifest", t, func(t *ftt.Test) {
		t.Run("builds a full pipeline", func(t *ftt.Test) {
			m := &Manifest{
				Provide: []ProvideSpec{
					{Name: "source", Content: "int main() { return 0; }"},
				},
				Steps: []StepSpec{
					{
						Name:   "compile",
						Cmd:    "cc",
						Args:   []string{"-o", "prog", "main.c"},
						Inputs: []InputSpec{{File: "source", Path: "main.c"}},
						Outputs: []OutputSpec{
							{Path: "prog", Name: "binary"},
						},
						CaptureStderr: true,
						WallLimitSec:  30,
					},
					{
						Name:          "test",
						Tool:          "prog",
						Inputs:        []InputSpec{{File: "binary", Path: "prog", Executable: true}},
						CaptureStdout: true,
						Priority:      5,
						LocalOnly:     true,
					},
				},
				Write: []WriteSpec{
					{File: "binary", To: "out/prog", Executable: true},
					{File: "compile:stderr", To: "out/compile.log", AllowFailure: true},
				},
				Print: []string{"test:stdout"},
			}

			g, files, err := m.BuildGraph()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, g.Validate(), should.BeNil)
			assert.Loosely(t, g.Executions, should.HaveLength(2))
			assert.Loosely(t, g.Provided, should.HaveLength(1))
			assert.Loosely(t, files, should.ContainKey("binary"))
			assert.Loosely(t, files, should.ContainKey("compile:stderr"))
			assert.Loosely(t, files, should.ContainKey("test:stdout"))

			var compile, test *dag.Execution
			for _, e := range g.Executions {
				switch e.Description {
				case "compile":
					compile = e
				case "test":
					test = e
				}
			}
			assert.Loosely(t, compile.Command.System, should.Equal("cc"))
			assert.Loosely(t, compile.Limits.WallTime, should.Equal(30*time.Second))
			assert.Loosely(t, compile.StderrFile, should.NotBeNil)
			assert.Loosely(t, test.Command.Local, should.Equal("prog"))
			assert.Loosely(t, test.Policy, should.Equal(dag.RunLocalOnly))
			assert.Loosely(t, test.Priority, should.Equal(5))
			assert.Loosely(t, test.Inputs[0].Executable, should.BeTrue)

			// The test step depends on the compile step's output.
			assert.Loosely(t, g.Producers[files["binary"].ID], should.Equal(compile.ID))
		})

		t.Run("loads from disk", func(t *ftt.Test) {
			m := &Manifest{Steps: []StepSpec{{Name: "noop", Cmd: "true"}}}
			raw, err := json.Marshal(m)
			assert.Loosely(t, err, should.BeNil)
			path := filepath.Join(t.TempDir(), "manifest.json")
			assert.Loosely(t, os.WriteFile(path, raw, 0o600), should.BeNil)

			loaded, err := LoadManifest(path)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, loaded.Steps, should.HaveLength(1))
		})

		t.Run("rejects junk", func(t *ftt.Test) {
			cases := []struct {
				name string
				m    *Manifest
				err  string
			}{
				{
					"no steps at all",
					&Manifest{Steps: []StepSpec{{Name: "x"}}},
					"no command",
				},
				{
					"both cmd and tool",
					&Manifest{Steps: []StepSpec{{Name: "x", Cmd: "cc", Tool: "prog"}}},
					"both cmd and tool",
				},
				{
					"duplicate step names",
					&Manifest{Steps: []StepSpec{{Name: "x", Cmd: "true"}, {Name: "x", Cmd: "false"}}},
					"declared twice",
				},
				{
					"unknown input reference",
					&Manifest{Steps: []StepSpec{{Name: "x", Cmd: "cc", Inputs: []InputSpec{{File: "ghost", Path: "in"}}}}},
					"unknown file",
				},
				{
					"unknown write reference",
					&Manifest{Steps: []StepSpec{{Name: "x", Cmd: "true"}}, Write: []WriteSpec{{File: "ghost", To: "out"}}},
					"unknown file",
				},
				{
					"provided file with path and content",
					&Manifest{
						Provide: []ProvideSpec{{Name: "p", Path: "/x", Content: "y"}},
						Steps:   []StepSpec{{Name: "x", Cmd: "true"}},
					},
					"both a path and content",
				},
			}
			for _, tc := range cases {
				_, _, err := tc.m.BuildGraph()
				assert.Loosely(t, err, should.ErrLike(tc.err))
			}
		})
	})
}
