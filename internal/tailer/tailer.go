// Package tailer follows an append-only log file across rotation and truncation.
package tailer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Options configures a Follower.
type Options struct {
	// PollInterval is how often the file is stat'ed in case fsnotify misses
	// an event. Default: 250ms.
	PollInterval time.Duration
	// FromStart reads content already in the file before following it.
	// By default only lines appended after Run starts are delivered.
	FromStart bool
}

// Follower delivers complete lines appended to one file. When the file is
// replaced (rename rotation) it reopens the new file from the beginning; when
// it is truncated (copytruncate rotation) it rewinds.
type Follower struct {
	path string
	opts Options

	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

// New creates a follower for path. The file does not need to exist yet.
func New(path string, opts Options) (*Follower, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Follower{path: abs, opts: opts}, nil
}

// Path returns the absolute path being followed.
func (f *Follower) Path() string {
	return f.path
}

// Run calls fn for every complete line until ctx is canceled. fn runs on the
// Run goroutine. Trailing CR/LF is stripped; a final line without a newline is
// held back until it is completed.
func (f *Follower) Run(ctx context.Context, fn func(line string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so rotation's create event is seen.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	if err := f.open(!f.opts.FromStart); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	defer f.close()
	f.read(fn)

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != f.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				f.reopen(fn)
			case event.Has(fsnotify.Write):
				f.check(fn)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", f.path, err)

		case <-ticker.C:
			f.check(fn)
		}
	}
}

// check reads new content, handling truncation and replacement.
func (f *Follower) check(fn func(string)) {
	info, err := os.Stat(f.path)
	if err != nil {
		return
	}
	if f.file == nil {
		f.reopen(fn)
		return
	}
	if cur, err := f.file.Stat(); err == nil && !os.SameFile(cur, info) {
		// Drain what was written to the old file before switching.
		f.read(fn)
		f.reopen(fn)
		return
	}
	if info.Size() < f.offset {
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return
		}
		f.reader.Reset(f.file)
		f.offset = 0
		f.partial.Reset()
	}
	if info.Size() > f.offset {
		f.read(fn)
	}
}

func (f *Follower) reopen(fn func(string)) {
	f.close()
	if err := f.open(false); err != nil {
		return
	}
	f.read(fn)
}

func (f *Follower) open(atEnd bool) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	var offset int64
	if atEnd {
		if offset, err = file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return fmt.Errorf("seek %s: %w", f.path, err)
		}
	}
	f.file = file
	f.reader = bufio.NewReader(file)
	f.offset = offset
	f.partial.Reset()
	return nil
}

func (f *Follower) close() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
		f.reader = nil
	}
}

func (f *Follower) read(fn func(string)) {
	if f.reader == nil {
		return
	}
	for {
		chunk, err := f.reader.ReadString('\n')
		f.offset += int64(len(chunk))
		if err != nil {
			// Incomplete line: keep it until the rest arrives.
			f.partial.WriteString(chunk)
			return
		}
		line := chunk
		if f.partial.Len() > 0 {
			f.partial.WriteString(chunk)
			line = f.partial.String()
			f.partial.Reset()
		}
		fn(strings.TrimRight(line, "\r\n"))
	}
}
