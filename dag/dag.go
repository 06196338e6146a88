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
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// WriteTo asks the client runtime to write a file's final content to a path
// on the client's disk.
type WriteTo struct {
	Path string
	// AllowFailure writes the file even if its producer failed, when
	// content exists.
	AllowFailure bool
	// Executable sets the executable bit on the written file.
	Executable bool
}

// FileCallbacks collects what the client wants done with a File once its
// final content is known.
type FileCallbacks struct {
	WriteTo *WriteTo

	// GetContent receives up to ContentLimit bytes of the file. Zero
	// ContentLimit with a non-nil GetContent means "all of it".
	ContentLimit int64
	GetContent   func([]byte) error
}

// ExecutionCallbacks are client hooks fired as an Execution progresses.
type ExecutionCallbacks struct {
	OnStart []func(worker string) error
	OnDone  []func(*Result) error
	OnSkip  []func(*Result) error
}

// Graph is a DAG of Files and Executions under construction.
//
// The exported data fields travel to the coordinator when the graph is
// submitted for evaluation; callbacks stay with the client.
type Graph struct {
	Files      map[FileID]*File           `json:"files"`
	Executions map[ExecutionID]*Execution `json:"executions"`
	Provided   map[FileID]*ProvidedFile   `json:"provided"`
	Producers  map[FileID]ExecutionID     `json:"producers"`

	FileCallbackMap map[FileID]*FileCallbacks           `json:"-"`
	ExecCallbackMap map[ExecutionID]*ExecutionCallbacks `json:"-"`
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		Files:           map[FileID]*File{},
		Executions:      map[ExecutionID]*Execution{},
		Provided:        map[FileID]*ProvidedFile{},
		Producers:       map[FileID]ExecutionID{},
		FileCallbackMap: map[FileID]*FileCallbacks{},
		ExecCallbackMap: map[ExecutionID]*ExecutionCallbacks{},
	}
}

// ProvideFile registers f as a graph input read from a file on the
// client's disk.
func (g *Graph) ProvideFile(f *File, localPath string) error {
	if err := g.checkNewProducer(f.ID); err != nil {
		return err
	}
	g.Files[f.ID] = f
	g.Provided[f.ID] = &ProvidedFile{File: f, LocalPath: localPath}
	return nil
}

// ProvideContent registers f as a graph input with literal content.
func (g *Graph) ProvideContent(f *File, content []byte) error {
	if err := g.checkNewProducer(f.ID); err != nil {
		return err
	}
	g.Files[f.ID] = f
	g.Provided[f.ID] = &ProvidedFile{File: f, Content: content}
	return nil
}

// Add registers an Execution and all the Files it declares.
//
// Fails with DuplicateProducer if any declared output already has a
// producer in the graph.
func (g *Graph) Add(e *Execution) error {
	if _, ok := g.Executions[e.ID]; ok {
		return errors.Reason("execution %q added twice", e.Description).Err()
	}
	for _, f := range e.OutputFiles() {
		if err := g.checkNewProducer(f.ID); err != nil {
			return errors.Annotate(err, "adding %q", e.Description).Err()
		}
	}
	g.Executions[e.ID] = e
	for _, f := range e.OutputFiles() {
		g.Files[f.ID] = f
		g.Producers[f.ID] = e.ID
	}
	return nil
}

func (g *Graph) checkNewProducer(id FileID) error {
	if prod, ok := g.Producers[id]; ok {
		return errors.Reason(
			"file %q already produced by %q", id, g.Executions[prod].Description,
		).Tag(DuplicateProducer).Err()
	}
	if _, ok := g.Provided[id]; ok {
		return errors.Reason("file %q already provided by the client", id).
			Tag(DuplicateProducer).Err()
	}
	return nil
}

// OnExecutionStart registers a hook fired when the execution is dispatched
// to a worker.
func (g *Graph) OnExecutionStart(id ExecutionID, fn func(worker string) error) {
	g.execCallbacks(id).OnStart = append(g.execCallbacks(id).OnStart, fn)
}

// OnExecutionDone registers a hook fired when the execution completes,
// successfully or not.
func (g *Graph) OnExecutionDone(id ExecutionID, fn func(*Result) error) {
	g.execCallbacks(id).OnDone = append(g.execCallbacks(id).OnDone, fn)
}

// OnExecutionSkip registers a hook fired when the execution is skipped
// because an upstream dependency failed.
func (g *Graph) OnExecutionSkip(id ExecutionID, fn func(*Result) error) {
	g.execCallbacks(id).OnSkip = append(g.execCallbacks(id).OnSkip, fn)
}

// WriteFileTo asks for the file's final content to be written to path once
// it is materialized.
func (g *Graph) WriteFileTo(f *File, path string, executable bool) {
	g.fileCallbacks(f.ID).WriteTo = &WriteTo{Path: path, Executable: executable}
}

// WriteFileToAllowFail is like WriteFileTo, but writes whatever content
// exists even if the producing execution failed.
func (g *Graph) WriteFileToAllowFail(f *File, path string, executable bool) {
	g.fileCallbacks(f.ID).WriteTo = &WriteTo{Path: path, AllowFailure: true, Executable: executable}
}

// GetFileContent asks for up to limit bytes of the file's final content to
// be handed to fn. A zero limit means the whole file.
func (g *Graph) GetFileContent(f *File, limit int64, fn func([]byte) error) {
	cb := g.fileCallbacks(f.ID)
	cb.ContentLimit = limit
	cb.GetContent = fn
}

// Want marks the file as interesting to the client without requesting its
// content, forcing its producer (and all transitive dependencies) to be
// resolved.
func (g *Graph) Want(f *File) {
	g.fileCallbacks(f.ID)
}

func (g *Graph) execCallbacks(id ExecutionID) *ExecutionCallbacks {
	cb := g.ExecCallbackMap[id]
	if cb == nil {
		cb = &ExecutionCallbacks{}
		g.ExecCallbackMap[id] = cb
	}
	return cb
}

func (g *Graph) fileCallbacks(id FileID) *FileCallbacks {
	cb := g.FileCallbackMap[id]
	if cb == nil {
		cb = &FileCallbacks{}
		g.FileCallbackMap[id] = cb
	}
	return cb
}

// WatchSet lists the executions and files the client registered interest
// in. It travels with the graph so the coordinator knows what to notify.
type WatchSet struct {
	Executions []ExecutionID `json:"executions"`
	Files      []FileID      `json:"files"`
}

// WatchSet returns the current watch set of the graph.
func (g *Graph) WatchSet() WatchSet {
	ws := WatchSet{}
	for id := range g.ExecCallbackMap {
		ws.Executions = append(ws.Executions, id)
	}
	for id := range g.FileCallbackMap {
		ws.Files = append(ws.Files, id)
	}
	return ws
}

// Ready returns executions whose inputs are all in the materialized set and
// which are not in the exclude set, in no particular order.
//
// This is a pure query over the graph; tracking which executions were
// already dispatched is the caller's business.
func (g *Graph) Ready(materialized, exclude stringset.Set) []ExecutionID {
	var out []ExecutionID
	for id, e := range g.Executions {
		if exclude.Has(string(id)) {
			continue
		}
		ok := true
		for _, in := range e.InputFiles() {
			if !materialized.Has(string(in)) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}
