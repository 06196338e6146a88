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

package client

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	ftt.Run("Evaluate", t, func(t *ftt.Test) {
		ctx := context.Background()

		clSide, coSide := net.Pipe()
		cch := wire.NewChannel(clSide)
		coch := wire.NewChannel(coSide)
		defer cch.Close()
		defer coch.Close()

		t.Run("uploads provided files and resolves watched output", func(t *ftt.Test) {
			src := filepath.Join(t.TempDir(), "words.txt")
			assert.Loosely(t, os.WriteFile(src, []byte("uploaded words\n"), 0o644), should.BeNil)

			g := dag.New()
			in := dag.NewFile("word list")
			assert.Loosely(t, g.ProvideFile(in, src), should.BeNil)
			e := dag.NewExecution("shout", dag.SystemCommand("tr"), "a-z", "A-Z").Input(in, "words.txt")
			out := e.Output("shouted.txt")
			assert.Loosely(t, g.Add(e), should.BeNil)

			dest := filepath.Join(t.TempDir(), "shouted.txt")
			g.WriteFileTo(out, dest, false)
			var content []byte
			g.GetFileContent(out, 0, func(b []byte) error { content = b; return nil })
			var doneRes *dag.Result
			g.OnExecutionDone(e.ID, func(r *dag.Result) error { doneRes = r; return nil })

			evalDone := make(chan error, 1)
			go func() { evalDone <- Evaluate(ctx, cch, g, Options{}) }()

			// The graph arrives first.
			msg, err := coch.Receive()
			assert.Loosely(t, err, should.BeNil)
			ev := msg.(*wire.Evaluate)
			assert.Loosely(t, ev.Graph, should.NotBeNil)
			assert.Loosely(t, ev.Watch.Files, should.HaveLength(1))

			// Ask for the provided file and check its bytes come back.
			assert.Loosely(t, coch.Send(&wire.AskFile{File: in.ID}), should.BeNil)
			msg, err = coch.Receive()
			assert.Loosely(t, err, should.BeNil)
			pf := msg.(*wire.ProvideFile)
			assert.Loosely(t, pf.File, should.Equal(in.ID))
			var got bytes.Buffer
			assert.Loosely(t, coch.ReceiveBlob(&got, pf.Size), should.BeNil)
			assert.Loosely(t, got.String(), should.Equal("uploaded words\n"))

			// Notifications reach the registered callbacks.
			res := &dag.Result{Status: dag.ResultSuccess}
			assert.Loosely(t, coch.Send(&wire.NotifyDone{Execution: e.ID, Result: res}), should.BeNil)

			shouted := []byte("UPLOADED WORDS\n")
			d := store.HashBytes(shouted)
			err = coch.Send(&wire.EvaluationDone{
				Files: []wire.FinalFile{{File: out.ID, Digest: d, Success: true}},
			})
			assert.Loosely(t, err, should.BeNil)

			// The client pulls the watched blob down, then stops.
			msg, err = coch.Receive()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, msg.(*wire.RequestBlob).Digest, should.Equal(d))
			err = coch.SendBlob(&wire.BlobContent{Digest: d, Found: true, Size: int64(len(shouted))},
				bytes.NewReader(shouted), int64(len(shouted)))
			assert.Loosely(t, err, should.BeNil)
			msg, err = coch.Receive()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, msg, should.Resemble(&wire.Stop{}))

			assert.Loosely(t, <-evalDone, should.BeNil)
			assert.Loosely(t, doneRes.OK(), should.BeTrue)
			assert.Loosely(t, content, should.Resemble(shouted))
			written, err := os.ReadFile(dest)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, written, should.Resemble(shouted))
		})

		t.Run("rejection by the coordinator is tagged", func(t *ftt.Test) {
			g := dag.New()
			e := dag.NewExecution("lonely", dag.SystemCommand("true"))
			g.Want(e.Output("out"))
			assert.Loosely(t, g.Add(e), should.BeNil)

			evalDone := make(chan error, 1)
			go func() { evalDone <- Evaluate(ctx, cch, g, Options{}) }()

			_, err := coch.Receive()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, coch.Send(&wire.Error{Message: "no room", Validation: true}), should.BeNil)

			err = <-evalDone
			assert.Loosely(t, err, should.ErrLike("no room"))
			assert.Loosely(t, ValidationFailed.In(err), should.BeTrue)
		})
	})
}
