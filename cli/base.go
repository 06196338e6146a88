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

package cli

import (
	"fmt"
	"os"

	"github.com/maruel/subcommands"
	"github.com/mitchellh/go-homedir"
)

// baseRun carries the flags every gristmill command shares.
type baseRun struct {
	subcommands.CommandRunBase
	dir string
}

func (r *baseRun) registerBaseFlags() {
	r.Flags.StringVar(&r.dir, "dir", "",
		"Directory holding the blob store, the execution cache and the sandboxes. "+
			"Defaults to ~/.gristmill.")
}

// workDir resolves the working directory, creating nothing.
func (r *baseRun) workDir() (string, error) {
	if r.dir != "" {
		return r.dir, nil
	}
	return homedir.Expand("~/.gristmill")
}

// done prints err, if any, and converts it to a process exit code.
func (r *baseRun) done(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "gristmill: %s\n", err)
		return 1
	}
	return 0
}
