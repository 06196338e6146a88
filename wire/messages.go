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

// Package wire defines the framed message protocol spoken between the
// coordinator, its workers, and evaluation clients.
//
// Each message travels as one recordio frame holding a small JSON envelope;
// blob content follows its announcing message as a run of raw chunk frames
// spanning exactly the announced size. The same protocol works over any
// io.ReadWriteCloser: an in-process pipe, a unix socket, or a TCP
// connection. The transport is asymmetric-failure-tolerant: every dispatch
// carries a request identifier, and replies that do not match the
// receiver's current expectation are discarded.
package wire

import (
	"time"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
)

// Message is implemented by everything that can travel in an envelope.
type Message interface {
	kind() string
}

// --- Client <-> coordinator.

// Evaluate submits a graph for evaluation. Sent once per connection.
type Evaluate struct {
	Graph *dag.Graph   `json:"graph"`
	Watch dag.WatchSet `json:"watch"`

	// NoCache forces every execution to run, bypassing cached results;
	// the fresh results still replace them.
	NoCache bool `json:"no_cache,omitempty"`
}

// AskFile asks the client to stream a provided file's content.
type AskFile struct {
	File dag.FileID `json:"file"`
}

// ProvideFile announces a provided file's content; Size bytes of blob
// frames follow.
type ProvideFile struct {
	File dag.FileID `json:"file"`
	Size int64      `json:"size"`
}

// NotifyStart reports an execution being handed to a worker.
type NotifyStart struct {
	Execution dag.ExecutionID `json:"execution"`
	Worker    string          `json:"worker"`
}

// NotifyDone reports an execution's terminal result.
type NotifyDone struct {
	Execution dag.ExecutionID `json:"execution"`
	Result    *dag.Result     `json:"result"`
}

// NotifySkip reports an execution that never ran because of an upstream
// failure; the result carries the causal chain.
type NotifySkip struct {
	Execution dag.ExecutionID `json:"execution"`
	Result    *dag.Result     `json:"result"`
}

// StatusRequest polls the coordinator for its current state.
type StatusRequest struct{}

// WorkerStatus describes one connected worker in a status report.
type WorkerStatus struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Job is the description of the running execution, if any.
	Job string `json:"job,omitempty"`
	// Running is how long the current job has been running.
	Running time.Duration `json:"running,omitempty"`
}

// StatusReport answers a StatusRequest.
type StatusReport struct {
	Workers []WorkerStatus `json:"workers,omitempty"`
	Ready   int            `json:"ready"`
	Waiting int            `json:"waiting"`
	Running int            `json:"running"`
}

// FinalFile is one watched file's fate in an EvaluationDone message.
type FinalFile struct {
	File    dag.FileID   `json:"file"`
	Digest  store.Digest `json:"digest,omitempty"`
	Success bool         `json:"success"`
}

// EvaluationDone tells the client every watched execution reached a
// terminal state and lists where watched files ended up.
type EvaluationDone struct {
	Files []FinalFile `json:"files,omitempty"`
}

// RequestBlob asks the peer to stream a blob's bytes.
type RequestBlob struct {
	Digest store.Digest `json:"digest"`
}

// BlobContent announces a blob's bytes; if Found, Size bytes of blob
// frames follow.
type BlobContent struct {
	Digest store.Digest `json:"digest"`
	Found  bool         `json:"found"`
	Size   int64        `json:"size,omitempty"`
}

// Stop asks the coordinator to abandon the evaluation.
type Stop struct{}

// Error reports a protocol-level or validation failure, fatal to the
// connection's evaluation.
type Error struct {
	Message string `json:"message"`
	// Validation is set when the submitted graph failed validation.
	Validation bool `json:"validation,omitempty"`
}

// --- Worker <-> coordinator.

// RegisterWorker introduces a worker and its capacity.
type RegisterWorker struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Slots int    `json:"slots"`
	OS    string `json:"os"`
	Arch  string `json:"arch"`
	// Local marks workers co-located with the coordinator, eligible for
	// RunLocalOnly executions.
	Local bool `json:"local,omitempty"`
}

// Dispatch hands one execution to a worker slot.
type Dispatch struct {
	RequestID string                      `json:"request_id"`
	Execution *dag.Execution              `json:"execution"`
	Inputs    map[dag.FileID]store.Digest `json:"inputs,omitempty"`
}

// PutBlob pushes a produced blob to the coordinator; blob frames follow.
type PutBlob struct {
	Digest store.Digest `json:"digest"`
	Size   int64        `json:"size"`
}

// Completion reports a finished dispatch.
type Completion struct {
	RequestID string      `json:"request_id"`
	Result    *dag.Result `json:"result"`
	// Outputs maps declared output sandbox paths to their digests.
	Outputs map[string]store.Digest `json:"outputs,omitempty"`
	Stdout  store.Digest            `json:"stdout,omitempty"`
	Stderr  store.Digest            `json:"stderr,omitempty"`
}

// Abandon hands a dispatch back untouched: the worker hit infrastructure
// trouble (a blob it could not fetch, a sandbox it could not set up) and
// the execution should be retried elsewhere, not failed.
type Abandon struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Heartbeat keeps a quiet worker link alive.
type Heartbeat struct {
	Busy int `json:"busy"`
}

func (*Evaluate) kind() string       { return "evaluate" }
func (*AskFile) kind() string        { return "ask_file" }
func (*ProvideFile) kind() string    { return "provide_file" }
func (*NotifyStart) kind() string    { return "notify_start" }
func (*NotifyDone) kind() string     { return "notify_done" }
func (*NotifySkip) kind() string     { return "notify_skip" }
func (*StatusRequest) kind() string  { return "status_request" }
func (*StatusReport) kind() string   { return "status_report" }
func (*EvaluationDone) kind() string { return "evaluation_done" }
func (*RequestBlob) kind() string    { return "request_blob" }
func (*BlobContent) kind() string    { return "blob_content" }
func (*Stop) kind() string           { return "stop" }
func (*Error) kind() string          { return "error" }
func (*RegisterWorker) kind() string { return "register_worker" }
func (*Dispatch) kind() string       { return "dispatch" }
func (*PutBlob) kind() string        { return "put_blob" }
func (*Completion) kind() string     { return "completion" }
func (*Abandon) kind() string        { return "abandon" }
func (*Heartbeat) kind() string      { return "heartbeat" }

// decoders maps envelope kinds to fresh message values.
var decoders = map[string]func() Message{
	(*Evaluate)(nil).kind():       func() Message { return &Evaluate{} },
	(*AskFile)(nil).kind():        func() Message { return &AskFile{} },
	(*ProvideFile)(nil).kind():    func() Message { return &ProvideFile{} },
	(*NotifyStart)(nil).kind():    func() Message { return &NotifyStart{} },
	(*NotifyDone)(nil).kind():     func() Message { return &NotifyDone{} },
	(*NotifySkip)(nil).kind():     func() Message { return &NotifySkip{} },
	(*StatusRequest)(nil).kind():  func() Message { return &StatusRequest{} },
	(*StatusReport)(nil).kind():   func() Message { return &StatusReport{} },
	(*EvaluationDone)(nil).kind(): func() Message { return &EvaluationDone{} },
	(*RequestBlob)(nil).kind():    func() Message { return &RequestBlob{} },
	(*BlobContent)(nil).kind():    func() Message { return &BlobContent{} },
	(*Stop)(nil).kind():           func() Message { return &Stop{} },
	(*Error)(nil).kind():          func() Message { return &Error{} },
	(*RegisterWorker)(nil).kind(): func() Message { return &RegisterWorker{} },
	(*Dispatch)(nil).kind():       func() Message { return &Dispatch{} },
	(*PutBlob)(nil).kind():        func() Message { return &PutBlob{} },
	(*Completion)(nil).kind():     func() Message { return &Completion{} },
	(*Abandon)(nil).kind():        func() Message { return &Abandon{} },
	(*Heartbeat)(nil).kind():      func() Message { return &Heartbeat{} },
}
