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

// Package client submits a graph to a coordinator and plays the client
// side of the evaluation: streaming provided files up, firing the graph's
// callbacks as notifications arrive, and pulling watched file content
// down once the evaluation ends.
package client

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"

	"github.com/gristmill-build/gristmill/dag"
	"github.com/gristmill-build/gristmill/store"
	"github.com/gristmill-build/gristmill/wire"
)

// ValidationFailed marks rejections of the submitted graph itself, as
// opposed to trouble during the evaluation.
var ValidationFailed = errtag.Make("the coordinator rejected the graph", true)

// Options tune one evaluation from the client side.
type Options struct {
	// NoCache forces every execution to run.
	NoCache bool
	// OnStatus, if set, receives periodic progress reports.
	OnStatus func(*wire.StatusReport)
	// StatusInterval paces status polling when OnStatus is set.
	StatusInterval time.Duration
}

// Evaluate drives g to completion over ch and returns once every watched
// file was resolved. Callbacks registered on the graph fire from the
// calling goroutine.
func Evaluate(ctx context.Context, ch *wire.Channel, g *dag.Graph, opts Options) error {
	if err := g.Validate(); err != nil {
		return ValidationFailed.Apply(err)
	}
	err := ch.Send(&wire.Evaluate{
		Graph:   g,
		Watch:   g.WatchSet(),
		NoCache: opts.NoCache,
	})
	if err != nil {
		return errors.Annotate(err, "submitting graph").Err()
	}

	if opts.OnStatus != nil {
		interval := opts.StatusInterval
		if interval <= 0 {
			interval = time.Second
		}
		pollCtx, stopPolling := context.WithCancel(ctx)
		defer stopPolling()
		go pollStatus(pollCtx, ch, interval)
	}

	for {
		msg, err := ch.Receive()
		if err != nil {
			return errors.Annotate(err, "evaluation connection lost").Err()
		}
		switch m := msg.(type) {
		case *wire.AskFile:
			if err := sendProvided(ctx, ch, g, m.File); err != nil {
				return err
			}

		case *wire.NotifyStart:
			if cb := g.ExecCallbackMap[m.Execution]; cb != nil {
				for _, fn := range cb.OnStart {
					if err := fn(m.Worker); err != nil {
						return errors.Annotate(err, "start callback").Err()
					}
				}
			}

		case *wire.NotifyDone:
			if cb := g.ExecCallbackMap[m.Execution]; cb != nil {
				for _, fn := range cb.OnDone {
					if err := fn(m.Result); err != nil {
						return errors.Annotate(err, "done callback").Err()
					}
				}
			}

		case *wire.NotifySkip:
			if cb := g.ExecCallbackMap[m.Execution]; cb != nil {
				for _, fn := range cb.OnSkip {
					if err := fn(m.Result); err != nil {
						return errors.Annotate(err, "skip callback").Err()
					}
				}
			}

		case *wire.StatusReport:
			if opts.OnStatus != nil {
				opts.OnStatus(m)
			}

		case *wire.Error:
			err := errors.Reason("%s", m.Message).Err()
			if m.Validation {
				err = ValidationFailed.Apply(err)
			}
			return err

		case *wire.EvaluationDone:
			if err := resolveFiles(ctx, ch, g, m.Files); err != nil {
				return err
			}
			if err := ch.Send(&wire.Stop{}); err != nil {
				logging.Debugf(ctx, "client: sending stop: %s", err)
			}
			return nil

		default:
			logging.Warningf(ctx, "client: ignoring unexpected message %T", msg)
		}
	}
}

// pollStatus asks for progress on a fixed cadence until cancelled.
func pollStatus(ctx context.Context, ch *wire.Channel, interval time.Duration) {
	for {
		if r := <-clock.After(ctx, interval); r.Err != nil {
			return
		}
		if err := ch.Send(&wire.StatusRequest{}); err != nil {
			return
		}
	}
}

// sendProvided streams one provided file's content to the coordinator.
func sendProvided(ctx context.Context, ch *wire.Channel, g *dag.Graph, id dag.FileID) error {
	pf := g.Provided[id]
	if pf == nil {
		return errors.Reason("coordinator asked for unknown file %q", id).Err()
	}
	f, err := os.Open(pf.LocalPath)
	if err != nil {
		return errors.Annotate(err, "opening provided file %q", pf.File.Description).Err()
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Annotate(err, "sizing provided file %q", pf.File.Description).Err()
	}
	logging.Debugf(ctx, "client: uploading %q (%d bytes)", pf.File.Description, info.Size())
	return ch.SendBlob(&wire.ProvideFile{File: id, Size: info.Size()}, f, info.Size())
}

// resolveFiles delivers final content to every requesting callback.
func resolveFiles(ctx context.Context, ch *wire.Channel, g *dag.Graph, files []wire.FinalFile) error {
	for _, ff := range files {
		cb := g.FileCallbackMap[ff.File]
		if cb == nil {
			continue
		}
		wantWrite := cb.WriteTo != nil && ff.Digest != "" && (ff.Success || cb.WriteTo.AllowFailure)
		wantContent := cb.GetContent != nil && ff.Digest != ""
		if !wantWrite && !wantContent {
			continue
		}

		var content []byte
		if wantWrite {
			if err := fetchToFile(ctx, ch, ff.Digest, cb.WriteTo); err != nil {
				return err
			}
			if wantContent {
				var err error
				if content, err = readPrefix(cb.WriteTo.Path, cb.ContentLimit); err != nil {
					return err
				}
			}
		} else {
			buf := &prefixWriter{limit: cb.ContentLimit}
			if err := fetchBlob(ch, ff.Digest, buf); err != nil {
				return err
			}
			content = buf.kept
		}

		if wantContent {
			if err := cb.GetContent(content); err != nil {
				return errors.Annotate(err, "content callback").Err()
			}
		}
	}
	return nil
}

// fetchBlob pulls one blob off the channel into dst.
func fetchBlob(ch *wire.Channel, d store.Digest, dst io.Writer) error {
	if err := ch.Send(&wire.RequestBlob{Digest: d}); err != nil {
		return errors.Annotate(err, "requesting blob").Err()
	}
	for {
		msg, err := ch.Receive()
		if err != nil {
			return errors.Annotate(err, "receiving blob").Err()
		}
		bc, ok := msg.(*wire.BlobContent)
		if !ok {
			// Late status reports may interleave with blob replies.
			continue
		}
		if !bc.Found {
			return errors.Reason("coordinator lost blob %s", d).Err()
		}
		return ch.ReceiveBlob(dst, bc.Size)
	}
}

// fetchToFile writes a blob to its requested destination on disk.
func fetchToFile(ctx context.Context, ch *wire.Channel, d store.Digest, wt *dag.WriteTo) error {
	if err := filesystem.MakeDirs(filepath.Dir(wt.Path)); err != nil {
		return errors.Annotate(err, "creating destination dir").Err()
	}
	mode := os.FileMode(0o644)
	if wt.Executable {
		mode = 0o755
	}
	f, err := os.OpenFile(wt.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.Annotate(err, "creating destination file").Err()
	}
	defer f.Close()
	logging.Debugf(ctx, "client: writing %s to %s", d, wt.Path)
	if err := fetchBlob(ch, d, f); err != nil {
		return err
	}
	return f.Close()
}

// readPrefix reads up to limit bytes of a file; zero limit means all.
func readPrefix(path string, limit int64) ([]byte, error) {
	if limit <= 0 {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, limit)
	n, err := io.ReadFull(f, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:n], err
}

// prefixWriter keeps the first limit bytes written and discards the rest;
// zero limit keeps everything.
type prefixWriter struct {
	limit int64
	kept  []byte
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 || int64(len(w.kept)) < w.limit {
		keep := p
		if w.limit > 0 {
			if room := w.limit - int64(len(w.kept)); int64(len(keep)) > room {
				keep = keep[:room]
			}
		}
		w.kept = append(w.kept, keep...)
	}
	return len(p), nil
}
