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

package wire

import (
	"encoding/json"
	"io"
	"sync"

	"go.chromium.org/luci/common/data/recordio"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
)

// Disconnected tags errors meaning the peer went away. It is a transient
// infrastructure condition, not a statement about any execution.
var Disconnected = errtag.Make("the channel peer disconnected", true)

const (
	// maxMessageSize bounds a single envelope frame. Graphs serialize
	// small; blobs never travel in envelopes.
	maxMessageSize = 64 << 20
	// blobChunkSize is how much blob content rides in one frame.
	blobChunkSize = 256 << 10
)

// envelope is the JSON carried by every message frame.
type envelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Channel frames Messages (and blob chunk runs) over a byte stream.
//
// Sends are serialized internally, so any goroutine may send; a blob and
// its announcing message never interleave with other traffic. Receives
// must stay on a single goroutine.
type Channel struct {
	sendMu sync.Mutex
	w      recordio.Writer
	r      recordio.Reader
	rwc    io.ReadWriteCloser
}

// NewChannel wraps a byte stream in the framed protocol.
func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return &Channel{
		w:   recordio.NewWriter(rwc),
		r:   recordio.NewReader(rwc, maxMessageSize),
		rwc: rwc,
	}
}

// Close tears the channel down, releasing both directions.
func (c *Channel) Close() error {
	return c.rwc.Close()
}

// Send writes one message frame.
func (c *Channel) Send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(msg)
}

// SendBlob writes a message frame followed by exactly size bytes of src as
// a run of chunk frames. The message and its blob travel as one atomic
// sequence; the receiver learns the size from the announcing message.
func (c *Channel) SendBlob(msg Message, src io.Reader, size int64) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.sendLocked(msg); err != nil {
		return err
	}
	buf := make([]byte, blobChunkSize)
	remaining := size
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		if _, err := io.ReadFull(src, chunk); err != nil {
			return errors.Annotate(err, "reading blob source").Err()
		}
		if _, err := c.w.Write(chunk); err != nil {
			return c.disconnected(err, "writing blob chunk")
		}
		if err := c.w.Flush(); err != nil {
			return c.disconnected(err, "flushing blob chunk")
		}
		remaining -= int64(len(chunk))
	}
	return nil
}

func (c *Channel) sendLocked(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Annotate(err, "serializing %s", msg.kind()).Err()
	}
	frame, err := json.Marshal(&envelope{Kind: msg.kind(), Body: body})
	if err != nil {
		return errors.Annotate(err, "serializing envelope").Err()
	}
	if _, err := c.w.Write(frame); err != nil {
		return c.disconnected(err, "writing %s", msg.kind())
	}
	if err := c.w.Flush(); err != nil {
		return c.disconnected(err, "flushing %s", msg.kind())
	}
	return nil
}

// Receive reads the next message frame.
//
// A closed or broken link surfaces as a Disconnected-tagged error.
func (c *Channel) Receive() (Message, error) {
	frame, err := c.r.ReadFrameAll()
	if err != nil {
		return nil, c.disconnected(err, "reading frame")
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Annotate(err, "malformed envelope").Err()
	}
	mk, ok := decoders[env.Kind]
	if !ok {
		return nil, errors.Reason("unknown message kind %q", env.Kind).Err()
	}
	msg := mk()
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return nil, errors.Annotate(err, "malformed %s", env.Kind).Err()
		}
	}
	return msg, nil
}

// ReceiveBlob streams the chunk run following the last received message
// into dst. The expected size comes from the announcing message.
func (c *Channel) ReceiveBlob(dst io.Writer, size int64) error {
	var total int64
	for total < size {
		chunk, err := c.r.ReadFrameAll()
		if err != nil {
			return c.disconnected(err, "reading blob chunk")
		}
		if len(chunk) == 0 {
			return errors.Reason("truncated blob: got %d of %d bytes", total, size).Err()
		}
		n, err := dst.Write(chunk)
		total += int64(n)
		if err != nil {
			return errors.Annotate(err, "writing blob sink").Err()
		}
	}
	if total != size {
		return errors.Reason("oversized blob: got %d, want %d bytes", total, size).Err()
	}
	return nil
}

func (c *Channel) disconnected(err error, fmt string, args ...any) error {
	return errors.Annotate(err, fmt, args...).Tag(Disconnected).Err()
}
