package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingWriter is a file writer that moves the current file aside once it
// grows past maxSize. Archives are named <base>.YYYYMMDD-HHMMSS in an old/
// directory next to the log.
type RotatingWriter struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	maxSize int64
	size    int64
	now     func() time.Time
}

// NewRotatingWriter opens path for appending, rotating first if the existing
// file is already over maxSize.
func NewRotatingWriter(path string, maxSize int64) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:    path,
		maxSize: maxSize,
		now:     time.Now,
	}
	if err := w.openLocked(); err != nil {
		return nil, err
	}
	if w.size >= w.maxSize {
		if err := w.rotateLocked(); err != nil {
			w.f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write implements io.Writer
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	w.f = f
	w.size = fi.Size()
	return nil
}

func (w *RotatingWriter) rotateLocked() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}

	oldDir := filepath.Join(filepath.Dir(w.path), "old")
	if err := os.MkdirAll(oldDir, 0755); err != nil {
		return fmt.Errorf("creating old/ directory: %w", err)
	}
	archive := filepath.Join(oldDir, fmt.Sprintf("%s.%s", filepath.Base(w.path), w.now().Format("20060102-150405")))
	_ = os.Rename(w.path, archive)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating new log file: %w", err)
	}
	w.f = f
	w.size = 0
	return nil
}
