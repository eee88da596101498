package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RotatingWriter is an append-only file writer with numbered size-based
// rotation: before an append that would exceed maxBytes, the current
// file becomes <path>.1, <path>.1 becomes <path>.2, and so on, dropping
// the oldest. Rotation is best-effort: a failed rename never fails the
// write that triggered it.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	maxFiles int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens (or creates) the log file at path.
// maxBytes <= 0 disables rotation; maxFiles counts the rotated copies
// kept in addition to the live file.
func NewRotatingWriter(path string, maxBytes int64, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &RotatingWriter{path: path, maxBytes: maxBytes, maxFiles: maxFiles}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		w.rotate()
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts path.(N-1) to path.N for N down from maxFiles, then
// renames the live file to path.1 and reopens a fresh live file. Any
// step may fail without aborting the rest.
func (w *RotatingWriter) rotate() {
	_ = w.file.Close()

	if w.maxFiles > 0 {
		oldest := fmt.Sprintf("%s.%d", w.path, w.maxFiles)
		_ = os.Remove(oldest)
		for i := w.maxFiles - 1; i >= 1; i-- {
			from := fmt.Sprintf("%s.%d", w.path, i)
			to := fmt.Sprintf("%s.%d", w.path, i+1)
			_ = os.Rename(from, to)
		}
		_ = os.Rename(w.path, w.path+".1")
	} else {
		// No rotated copies kept: truncate in place.
		_ = os.Remove(w.path)
	}

	if err := w.open(); err != nil {
		// Last resort so the process keeps a valid writer.
		w.file, _ = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		w.size = 0
	}
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Tail returns the last n lines of the log file at path. Rotated files
// are not consulted; callers wanting deeper history read <path>.N
// themselves.
func Tail(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
