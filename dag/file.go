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
	"github.com/google/uuid"
)

// FileID uniquely identifies a File within a Graph.
type FileID string

// File is a handle to a logical artifact flowing through the graph.
//
// A File carries no content. Content appears when the scheduler materializes
// the file, at which point it is identified by its digest in the artifact
// store and never changes again.
type File struct {
	ID FileID `json:"id"`

	// Description is used only for diagnostics and log messages.
	Description string `json:"description"`
}

// NewFile creates a new File handle with a fresh identifier.
func NewFile(description string) *File {
	return &File{
		ID:          FileID(uuid.NewString()),
		Description: description,
	}
}

// ProvidedFile is a graph input supplied directly by the client rather than
// produced by an Execution.
//
// Exactly one of LocalPath or Content is set.
type ProvidedFile struct {
	File *File `json:"file"`

	// LocalPath points at a file on the client's disk.
	LocalPath string `json:"local_path,omitempty"`

	// Content holds the literal bytes of the file.
	Content []byte `json:"content,omitempty"`
}
