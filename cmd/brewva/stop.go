package main

import (
	"context"
	"flag"
	"os"
	"syscall"
	"time"

	"github.com/brewva/brewva/internal/gateway/pidfile"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// runStop asks the gateway to shut down. Exit 0 on a clean stop or
// stale-record cleanup, 2 when the process outlives the timeout.
func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	var rf remoteFlags
	rf.register(fs)
	reason := fs.String("reason", "cli_stop", "shutdown reason")
	force := fs.Bool("force", false, "escalate to SIGTERM if the process outlives the timeout")
	_ = fs.Parse(args)

	cfg, err := rf.loadConfig()
	if err != nil {
		fail(rf.jsonOut, "stop", err)
		return 2
	}

	rec, err := pidfile.Read(cfg.PIDFile)
	if err != nil {
		fail(rf.jsonOut, "stop", err)
		return 2
	}
	if rec == nil {
		emit(rf.jsonOut, "stop", map[string]any{"stopped": false, "reason": "not running"})
		return 0
	}
	if !pidfile.Alive(rec.PID) {
		_ = os.Remove(cfg.PIDFile)
		emit(rf.jsonOut, "stop", map[string]any{
			"stopped": false,
			"reason":  "stale pid record removed",
		})
		return 0
	}

	timeout := time.Duration(rf.timeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Best effort: a refused dial still falls through to the liveness
	// wait, since the daemon may already be tearing down.
	if c, err := dial(ctx, cfg, &rf); err == nil {
		_, _ = c.Call(ctx, protocol.MethodStop, map[string]any{"reason": *reason})
		_ = c.Close()
	}

	if waitForExit(rec.PID, timeout) {
		emit(rf.jsonOut, "stop", map[string]any{"stopped": true, "pid": rec.PID})
		return 0
	}

	if *force {
		_ = syscall.Kill(rec.PID, syscall.SIGTERM)
		if waitForExit(rec.PID, timeout) {
			emit(rf.jsonOut, "stop", map[string]any{
				"stopped": true,
				"pid":     rec.PID,
				"forced":  true,
			})
			return 0
		}
	}

	emit(rf.jsonOut, "stop", map[string]any{
		"stopped": false,
		"pid":     rec.PID,
		"reason":  "process still alive",
	})
	return 2
}

func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !pidfile.Alive(pid)
}
