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

// Package dag describes graphs of file-producing executions.
//
// A Graph is built by the client out of Files (opaque handles to logical
// artifacts) and Executions (commands with declared input and output Files).
// The graph is a pure description: no execution logic lives here. Once built
// it is validated and handed to a scheduler which resolves it bottom-up,
// materializing each File exactly once.
//
// Files are produced by at most one Execution (or provided directly by the
// client) and are immutable once materialized. Validation rejects graphs
// with dependency cycles or with two producers for the same File.
package dag
