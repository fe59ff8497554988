package watchlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"signal-engine/internal/stage"
)

// FileLog appends transition events to a JSON-lines file.
type FileLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileLog(path string) *FileLog {
	return &FileLog{path: path, now: time.Now}
}

func (f *FileLog) Path() string { return f.path }

// Append writes ev as one line, stamping it when Timestamp is unset.
func (f *FileLog) Append(_ context.Context, ev stage.TransitionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = f.now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create watch log dir: %w", err)
		}
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open watch log: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write watch log: %w", err)
	}
	return nil
}

// LoadSince returns the events stamped at or after since, in file order.
// Malformed lines and lines without a timestamp are skipped; a missing file
// yields no events.
func (f *FileLog) LoadSince(since time.Time) ([]stage.TransitionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open watch log: %w", err)
	}
	defer fh.Close()

	var out []stage.TransitionEvent
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev stage.TransitionEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Timestamp.IsZero() || ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read watch log: %w", err)
	}
	return out, nil
}

// LoadRecent returns the events of the last hours.
func (f *FileLog) LoadRecent(hours float64) ([]stage.TransitionEvent, error) {
	return f.LoadSince(f.now().Add(-time.Duration(hours * float64(time.Hour))))
}
