package tailer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// follow starts a follower and returns its sink and a stop func that waits
// for Run to return.
func follow(t *testing.T, path string, opts Options) (*lineSink, func()) {
	t.Helper()
	opts.PollInterval = 20 * time.Millisecond
	f, err := New(path, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sink := &lineSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, sink.add) }()

	// Let Run open the file and register the watch.
	time.Sleep(100 * time.Millisecond)

	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
	return sink, stop
}

func waitLines(t *testing.T, sink *lineSink, want []string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.snapshot(); len(got) >= len(want) {
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("lines = %q, want %q", got, want)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: lines = %q, want %q", sink.snapshot(), want)
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestFollower_SkipsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	appendFile(t, path, "old 1\nold 2\n")

	sink, stop := follow(t, path, Options{})
	defer stop()

	appendFile(t, path, "new 1\nnew 2\r\n")
	waitLines(t, sink, []string{"new 1", "new 2"})
}

func TestFollower_FromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	appendFile(t, path, "old 1\nold 2\n")

	sink, stop := follow(t, path, Options{FromStart: true})
	defer stop()

	appendFile(t, path, "new 1\n")
	waitLines(t, sink, []string{"old 1", "old 2", "new 1"})
}

func TestFollower_PartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	appendFile(t, path, "")

	sink, stop := follow(t, path, Options{})
	defer stop()

	appendFile(t, path, "status=se")
	time.Sleep(100 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("incomplete line delivered: %q", got)
	}
	appendFile(t, path, "nt\n")
	waitLines(t, sink, []string{"status=sent"})
}

func TestFollower_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	appendFile(t, path, "before rotation that is long enough\n")

	sink, stop := follow(t, path, Options{})
	defer stop()

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	appendFile(t, path, "after\n")
	waitLines(t, sink, []string{"after"})
}

func TestFollower_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mail.log")
	appendFile(t, path, "")

	sink, stop := follow(t, path, Options{})
	defer stop()

	appendFile(t, path, "first\n")
	waitLines(t, sink, []string{"first"})

	if err := os.Rename(path, filepath.Join(dir, "mail.log.1")); err != nil {
		t.Fatal(err)
	}
	appendFile(t, path, "second\n")
	waitLines(t, sink, []string{"first", "second"})
}

func TestFollower_FileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")

	sink, stop := follow(t, path, Options{})
	defer stop()

	appendFile(t, path, "hello\n")
	waitLines(t, sink, []string{"hello"})
}

func TestFollower_MissingDirectory(t *testing.T) {
	f, err := New(filepath.Join(t.TempDir(), "nope", "mail.log"), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Run(context.Background(), func(string) {}); err == nil {
		t.Error("expected error when the directory does not exist")
	}
}
