package supervisor

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brewva/brewva/internal/gateway/pidfile"
)

// registryEntry is one live worker in the children registry. The
// registry exists so a restarted daemon can reap workers the previous
// incarnation left behind.
type registryEntry struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// persistRegistry atomically rewrites the children registry with the
// current handle set. Best effort: a failed write is logged, not fatal.
func (s *Supervisor) persistRegistry() {
	if s.cfg.RegistryPath == "" {
		return
	}

	s.mu.Lock()
	entries := make([]registryEntry, 0, len(s.handles))
	for _, h := range s.handles {
		entries = append(entries, registryEntry{
			SessionID: h.sessionID,
			PID:       h.pid,
			StartedAt: h.startedAt,
		})
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		slog.Warn("marshal children registry failed", "error", err)
		return
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.cfg.RegistryPath)
	tmp, err := os.CreateTemp(dir, ".children-*")
	if err != nil {
		slog.Warn("write children registry failed", "error", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		slog.Warn("write children registry failed", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		slog.Warn("write children registry failed", "error", err)
		return
	}
	if err := os.Rename(tmpName, s.cfg.RegistryPath); err != nil {
		_ = os.Remove(tmpName)
		slog.Warn("write children registry failed", "error", err)
	}
}

// CleanupOrphans reaps workers recorded by a previous daemon run: each
// pid still alive gets SIGTERM, a grace period, then SIGKILL. The
// registry file is removed afterwards. A missing or corrupt registry is
// treated as empty.
func CleanupOrphans(path string, grace time.Duration) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		_ = os.Remove(path)
		return 0
	}

	self := os.Getpid()
	reaped := 0
	for _, e := range entries {
		if e.PID <= 0 || e.PID == self || !pidfile.Alive(e.PID) {
			continue
		}
		slog.Info("reaping orphaned worker", "session_id", e.SessionID, "pid", e.PID)
		_ = syscall.Kill(e.PID, syscall.SIGTERM)
		if !waitGone(e.PID, grace) {
			_ = syscall.Kill(e.PID, syscall.SIGKILL)
		}
		reaped++
	}
	_ = os.Remove(path)
	return reaped
}

func waitGone(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !pidfile.Alive(pid)
}
