// Package pidfile persists the gateway's PID record and arbitrates
// ownership between a starting daemon and a possibly stale predecessor.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Record is the persisted PID file contents.
type Record struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
	Cwd       string    `json:"cwd"`
}

// ErrAlreadyRunning is returned by Write when a live process other than
// the caller owns the record.
var ErrAlreadyRunning = errors.New("gateway already running")

// Read loads the PID record at path. Returns (nil, nil) if the file
// does not exist. A record that fails to parse is treated as stale and
// reported as missing, since the writer is atomic.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// Write persists a record for the current process. If a record exists
// with a different, still-live pid, Write fails with ErrAlreadyRunning
// wrapping the existing record's pid. Stale records (dead pid) are
// replaced.
func Write(path string, rec Record) error {
	if existing, err := Read(path); err != nil {
		return err
	} else if existing != nil && existing.PID != rec.PID && Alive(existing.PID) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, existing.PID)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid record: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("create temp pid file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pid file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

// Remove deletes the record only if it still belongs to pid.
func Remove(path string, pid int) error {
	rec, err := Read(path)
	if err != nil {
		return err
	}
	if rec == nil || rec.PID != pid {
		return nil
	}
	return os.Remove(path)
}

// Alive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything; EPERM still means alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
