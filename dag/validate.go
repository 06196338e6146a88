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
	"sort"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
)

// CycleDetected tags validation errors caused by a dependency cycle.
var CycleDetected = errtag.Make("the graph contains a dependency cycle", true)

// DuplicateProducer tags validation errors caused by two producers
// declaring the same output file.
var DuplicateProducer = errtag.Make("a file has more than one producer", true)

// MissingProducer tags validation errors caused by an input file that is
// neither provided by the client nor produced by any execution.
var MissingProducer = errtag.Make("an input file has no producer", true)

// Validate checks the structural invariants of the graph.
//
// It fails with a MissingProducer-tagged error if some input has no
// producer, or a CycleDetected-tagged error if executions depend on their
// own outputs, directly or transitively. Duplicate producers are rejected
// at Add time, but re-checked here so a hand-assembled Graph gets the same
// guarantees.
//
// Validation runs once, before scheduling begins; a graph that fails it is
// unusable as a whole.
func (g *Graph) Validate() error {
	producers := map[FileID]ExecutionID{}
	for id, e := range g.Executions {
		for _, f := range e.OutputFiles() {
			if _, ok := g.Provided[f.ID]; ok {
				return errors.Reason(
					"file %q is both provided and produced by %q",
					f.Description, e.Description,
				).Tag(DuplicateProducer).Err()
			}
			if prev, ok := producers[f.ID]; ok {
				return errors.Reason(
					"file %q produced by both %q and %q",
					f.Description, g.Executions[prev].Description, e.Description,
				).Tag(DuplicateProducer).Err()
			}
			producers[f.ID] = id
		}
	}

	for _, e := range g.Executions {
		for _, in := range e.InputFiles() {
			if _, ok := g.Provided[in]; ok {
				continue
			}
			if _, ok := producers[in]; ok {
				continue
			}
			return errors.Reason(
				"input %q of %q has no producer", g.fileDescription(in), e.Description,
			).Tag(MissingProducer).Err()
		}
	}

	return g.checkAcyclic(producers)
}

// checkAcyclic runs Kahn's algorithm over the execution-to-execution edges
// induced by file production. Any node left unprocessed sits on a cycle.
func (g *Graph) checkAcyclic(producers map[FileID]ExecutionID) error {
	missing := map[ExecutionID]int{}
	dependents := map[ExecutionID][]ExecutionID{}
	for id, e := range g.Executions {
		missing[id] = 0
		for _, in := range e.InputFiles() {
			if prod, ok := producers[in]; ok {
				missing[id]++
				dependents[prod] = append(dependents[prod], id)
			}
		}
	}

	var queue []ExecutionID
	for id, n := range missing {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		processed++
		for _, dep := range dependents[id] {
			if missing[dep]--; missing[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if processed == len(g.Executions) {
		return nil
	}

	var stuck []string
	for id, n := range missing {
		if n > 0 {
			stuck = append(stuck, g.Executions[id].Description)
		}
	}
	sort.Strings(stuck)
	return errors.Reason("cycle involving %v", stuck).Tag(CycleDetected).Err()
}

func (g *Graph) fileDescription(id FileID) string {
	if f, ok := g.Files[id]; ok {
		return f.Description
	}
	return string(id)
}
