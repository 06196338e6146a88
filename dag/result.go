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
	"time"
)

// ResultStatus classifies how an execution terminated.
type ResultStatus string

const (
	// ResultSuccess means the command exited with status zero inside its
	// limits.
	ResultSuccess ResultStatus = "SUCCESS"
	// ResultNonZeroExit means the command exited with a non-zero status.
	ResultNonZeroExit ResultStatus = "NON_ZERO_EXIT"
	// ResultSignaled means the command was terminated by a signal.
	ResultSignaled ResultStatus = "SIGNALED"
	// ResultTimeLimit means the command exceeded its CPU time limit.
	ResultTimeLimit ResultStatus = "TIME_LIMIT"
	// ResultWallLimit means the command exceeded its wall clock limit.
	ResultWallLimit ResultStatus = "WALL_LIMIT"
	// ResultMemoryLimit means the command exceeded its memory limit.
	ResultMemoryLimit ResultStatus = "MEMORY_LIMIT"
	// ResultSandboxViolation means the sandbox itself refused or aborted
	// the command (broken isolation setup, forbidden syscall, missing
	// executable).
	ResultSandboxViolation ResultStatus = "SANDBOX_VIOLATION"
	// ResultRetryExhausted means the execution could not be completed
	// after repeated infrastructure failures. Unlike the statuses above it
	// says nothing about the command itself.
	ResultRetryExhausted ResultStatus = "RETRY_EXHAUSTED"
	// ResultSkipped means the execution never ran because an upstream
	// dependency failed.
	ResultSkipped ResultStatus = "SKIPPED"
)

// ResourceUsage reports what a completed command consumed.
type ResourceUsage struct {
	CPUTime   time.Duration `json:"cpu_time"`
	SysTime   time.Duration `json:"sys_time"`
	WallTime  time.Duration `json:"wall_time"`
	MaxMemory int64         `json:"max_memory"`
}

// Result is the terminal outcome of one Execution.
type Result struct {
	Status   ResultStatus  `json:"status"`
	ExitCode int           `json:"exit_code,omitempty"`
	Signal   int           `json:"signal,omitempty"`
	Usage    ResourceUsage `json:"usage"`

	// Message carries sandbox or infrastructure diagnostics for
	// non-semantic failures.
	Message string `json:"message,omitempty"`

	// Cause names the upstream execution responsible for a SKIPPED
	// result, outermost first.
	Cause []string `json:"cause,omitempty"`
}

// OK reports whether the execution succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Status == ResultSuccess
}
