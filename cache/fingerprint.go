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

package cache

import (
	"bytes"
	"sort"

	"go.chromium.org/luci/common/data/cmpbin"
	"go.chromium.org/luci/common/errors"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
)

// Fingerprint is the deterministic digest of an execution's semantic
// identity: its command, arguments, environment, resource limits, and the
// content digests of all its inputs.
//
// Two executions with equal Fingerprints are interchangeable and may share
// a cached result. The fingerprint deliberately ignores wall-clock time,
// descriptions, priorities, and worker identity; depending on any of those
// would break cache determinism.
type Fingerprint string

// fingerprintVersion is mixed into every fingerprint so that encoding
// changes invalidate old cache entries instead of matching them wrongly.
const fingerprintVersion = 1

// FingerprintOf computes the Fingerprint of an execution given the content
// digests of its materialized inputs.
//
// Fails if any input file (or stdin) has no digest in the map.
func FingerprintOf(e *dag.Execution, inputs map[dag.FileID]store.Digest) (Fingerprint, error) {
	buf := &bytes.Buffer{}

	// cmpbin gives a self-delimiting canonical encoding, so no two
	// distinct field sequences can collide byte-wise.
	w := func(s string) { _, _ = cmpbin.WriteString(buf, s) }
	wi := func(v int64) { _, _ = cmpbin.WriteInt(buf, v) }

	wi(fingerprintVersion)
	w(e.Command.System)
	w(e.Command.Local)
	wi(int64(len(e.Args)))
	for _, a := range e.Args {
		w(a)
	}

	keys := make([]string, 0, len(e.Env))
	for k := range e.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	wi(int64(len(keys)))
	for _, k := range keys {
		w(k)
		w(e.Env[k])
	}

	wi(int64(e.Limits.CPUTime))
	wi(int64(e.Limits.WallTime))
	wi(e.Limits.Memory)
	wi(int64(e.Limits.Processes))

	ins := make([]dag.Input, len(e.Inputs))
	copy(ins, e.Inputs)
	sort.Slice(ins, func(i, j int) bool { return ins[i].Path < ins[j].Path })
	wi(int64(len(ins)))
	for _, in := range ins {
		d, ok := inputs[in.File]
		if !ok {
			return "", errors.Reason("input %q has no digest", in.Path).Err()
		}
		w(in.Path)
		w(string(d))
		if in.Executable {
			wi(1)
		} else {
			wi(0)
		}
	}

	if e.StdinFile != "" {
		d, ok := inputs[e.StdinFile]
		if !ok {
			return "", errors.Reason("stdin has no digest").Err()
		}
		w(string(d))
	} else {
		w("")
	}

	// Whether stdout/stderr are captured changes what the execution
	// produces, so it is part of the identity.
	wi(boolBit(e.StdoutFile != nil))
	wi(boolBit(e.StderrFile != nil))
	outs := make([]string, 0, len(e.Outputs))
	for _, o := range e.Outputs {
		outs = append(outs, o.Path)
	}
	sort.Strings(outs)
	wi(int64(len(outs)))
	for _, p := range outs {
		w(p)
	}

	return Fingerprint(store.HashBytes(buf.Bytes())), nil
}

func boolBit(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
