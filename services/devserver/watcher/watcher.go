// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher reports file changes under the project root.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/glows777/mini-vite/services/devserver/modpath"
)

// ErrAlreadyStarted indicates Start was called twice.
var ErrAlreadyStarted = errors.New("watcher already started")

// Op is the kind of file change.
type Op int

const (
	// OpChange indicates a file was written.
	OpChange Op = iota

	// OpAdd indicates a file was created.
	OpAdd

	// OpUnlink indicates a file was removed or renamed away.
	OpUnlink
)

// String returns the event name used in logs.
func (op Op) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpUnlink:
		return "unlink"
	default:
		return "change"
	}
}

// Event is one coalesced file change.
type Event struct {
	// Path is absolute and slash-separated.
	Path string

	Op Op

	// Time is when the latest underlying change was seen.
	Time time.Time
}

// Handler receives each debounced batch. Batches are delivered one at a
// time from a single goroutine.
type Handler func(events []Event)

// Options configures a FileWatcher.
type Options struct {
	// Debounce is how long to wait for quiet before delivering a batch.
	// Zero delivers each event as soon as it is read.
	Debounce time.Duration

	// Ignore reports whether a root-relative slash path is skipped. May be nil.
	Ignore func(rel string) bool

	// BufferSize is the capacity of the internal event queue.
	BufferSize int

	// Logger receives watch errors. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns a 50ms debounce and no ignore rule.
func DefaultOptions() Options {
	return Options{
		Debounce:   50 * time.Millisecond,
		BufferSize: 256,
	}
}

// FileWatcher watches a directory tree with fsnotify.
//
// # Description
//
// Every directory under root that is not ignored is watched; directories
// created later are added as they appear. Raw events are translated to
// add, unlink, and change, chmod events are dropped, and the rest are
// queued with a blocking send so none are lost. A debounce loop coalesces
// each burst per path, keeping the latest op and first-seen order, and
// hands the batch to the handler.
//
// # Thread Safety
//
// Safe for concurrent use. The handler runs on one goroutine.
type FileWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  Handler
	opts     Options
	logger   *slog.Logger
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates a watcher for root. Call Start to begin watching.
//
// # Inputs
//
//   - root: Absolute directory to watch.
//   - handler: Receives debounced batches.
//   - opts: Configuration, see DefaultOptions.
//
// # Outputs
//
//   - *FileWatcher: Not yet watching.
//   - error: Non-nil if fsnotify could not be initialized.
func New(root string, handler Handler, opts Options) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		root:    filepath.Clean(root),
		watcher: w,
		handler: handler,
		opts:    opts,
		logger:  logger,
		events:  make(chan Event, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the directory tree and starts the event goroutines.
// They stop when ctx is canceled or Stop is called.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop closes the watcher and waits for the goroutines to exit. Events
// still queued are delivered before Stop returns.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *FileWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// ignored applies the ignore rule to an absolute OS path.
func (w *FileWatcher) ignored(path string) bool {
	if w.opts.Ignore == nil {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return w.opts.Ignore(filepath.ToSlash(rel))
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || w.ignored(ev.Name) {
				continue
			}

			op := translateOp(ev.Op)
			if op == OpAdd && isDir(ev.Name) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("path", ev.Name),
						slog.Any("error", err),
					)
				}
				continue
			}

			change := Event{Path: modpath.NormalizePath(ev.Name), Op: op, Time: time.Now()}
			select {
			case w.events <- change:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.Any("error", err))
		}
	}
}

func translateOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpAdd
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return OpUnlink
	default:
		return OpChange
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var (
		batch  []Event
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(Coalesce(batch))
		}
		batch = nil
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if w.opts.Debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// Coalesce keeps the latest event per path in first-seen order.
func Coalesce(events []Event) []Event {
	seen := make(map[string]int, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if i, ok := seen[ev.Path]; ok {
			out[i] = ev
			continue
		}
		seen[ev.Path] = len(out)
		out = append(out, ev)
	}
	return out
}
