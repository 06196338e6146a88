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

//go:build unix

package worker

import (
	"bytes"
	"context"
	"net"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/sandbox"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

func TestWorker(t *testing.T) {
	t.Parallel()

	ftt.Run("Worker", t, func(t *ftt.Test) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st, err := store.Open(ctx, t.TempDir())
		assert.Loosely(t, err, should.BeNil)
		runner, err := sandbox.New(t.TempDir())
		assert.Loosely(t, err, should.BeNil)

		wSide, coSide := net.Pipe()
		wch := wire.NewChannel(wSide)
		cch := wire.NewChannel(coSide)

		w := New(st, runner, Options{Name: "test-worker", Slots: 2})
		workerDone := make(chan error, 1)
		go func() { workerDone <- w.Run(ctx, wch) }()

		reg, err := cch.Receive()
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, reg.(*wire.RegisterWorker).Name, should.Equal("test-worker"))
		assert.Loosely(t, reg.(*wire.RegisterWorker).Slots, should.Equal(2))

		// coordStore plays the coordinator's blob store.
		coordStore, err := store.Open(ctx, t.TempDir())
		assert.Loosely(t, err, should.BeNil)

		t.Run("dispatch fetches inputs and pushes outputs", func(t *ftt.Test) {
			input := []byte("hello from the coordinator\n")
			d, err := coordStore.PutBytes(ctx, input)
			assert.Loosely(t, err, should.BeNil)

			in := dag.NewFile("input")
			e := dag.NewExecution("copy", dag.SystemCommand("sh"), "-c", "cat in.txt > out.txt").
				Input(in, "in.txt")
			e.Output("out.txt")

			err = cch.Send(&wire.Dispatch{
				RequestID: "req-1",
				Execution: e,
				Inputs:    map[dag.FileID]store.Digest{in.ID: d},
			})
			assert.Loosely(t, err, should.BeNil)

			// The worker lacks the input blob and asks for it.
			msg, err := cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, msg.(*wire.RequestBlob).Digest, should.Equal(d))

			rc, size, err := coordStore.Reader(ctx, d)
			assert.Loosely(t, err, should.BeNil)
			err = cch.SendBlob(&wire.BlobContent{Digest: d, Found: true, Size: size}, rc, size)
			rc.Close()
			assert.Loosely(t, err, should.BeNil)

			// The produced output comes back, then the completion.
			msg, err = cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			put := msg.(*wire.PutBlob)
			var blob bytes.Buffer
			assert.Loosely(t, cch.ReceiveBlob(&blob, put.Size), should.BeNil)
			assert.Loosely(t, blob.String(), should.Equal(string(input)))

			msg, err = cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			comp := msg.(*wire.Completion)
			assert.Loosely(t, comp.RequestID, should.Equal("req-1"))
			assert.Loosely(t, comp.Result.Status, should.Equal(dag.ResultSuccess))
			assert.Loosely(t, comp.Outputs["out.txt"], should.Equal(put.Digest))
		})

		t.Run("success without declared outputs is a violation", func(t *ftt.Test) {
			e := dag.NewExecution("liar", dag.SystemCommand("true"))
			e.Output("promised.txt")

			err := cch.Send(&wire.Dispatch{RequestID: "req-2", Execution: e})
			assert.Loosely(t, err, should.BeNil)

			msg, err := cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			comp := msg.(*wire.Completion)
			assert.Loosely(t, comp.RequestID, should.Equal("req-2"))
			assert.Loosely(t, comp.Result.Status, should.Equal(dag.ResultSandboxViolation))
			assert.Loosely(t, comp.Result.Message, should.ContainSubstring("promised.txt"))
		})

		t.Run("missing coordinator blob hands the dispatch back", func(t *ftt.Test) {
			in := dag.NewFile("ghost")
			ghost := store.HashBytes([]byte("never stored"))
			e := dag.NewExecution("starved", dag.SystemCommand("cat"), "in.txt").
				Input(in, "in.txt")

			err := cch.Send(&wire.Dispatch{
				RequestID: "req-3",
				Execution: e,
				Inputs:    map[dag.FileID]store.Digest{in.ID: ghost},
			})
			assert.Loosely(t, err, should.BeNil)

			msg, err := cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, msg.(*wire.RequestBlob).Digest, should.Equal(ghost))
			assert.Loosely(t, cch.Send(&wire.BlobContent{Digest: ghost, Found: false}), should.BeNil)

			// The worker cannot judge the command without its inputs: the
			// dispatch comes back for a retry instead of a verdict.
			msg, err = cch.Receive()
			assert.Loosely(t, err, should.BeNil)
			ab := msg.(*wire.Abandon)
			assert.Loosely(t, ab.RequestID, should.Equal("req-3"))
			assert.Loosely(t, ab.Reason, should.ContainSubstring(string(in.ID)))
			assert.Loosely(t, ab.Reason, should.ContainSubstring(string(ghost)))
		})

		// Tear down: closing the coordinator side ends the worker loop.
		assert.Loosely(t, cch.Close(), should.BeNil)
		assert.Loosely(t, <-workerDone, should.BeNil)
	})
}
