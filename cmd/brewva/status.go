package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/brewva/brewva/internal/gateway/pidfile"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// runStatus probes the gateway. Exit 0 when reachable, 1 when not
// running (no or stale PID record), 2 when the process is alive but the
// gateway does not answer.
func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var rf remoteFlags
	rf.register(fs)
	deep := fs.Bool("deep", false, "full subsystem status")
	_ = fs.Parse(args)

	if rf.timeoutMs < 100 {
		rf.timeoutMs = 100
	}

	cfg, err := rf.loadConfig()
	if err != nil {
		fail(rf.jsonOut, "status", err)
		return 2
	}

	rec, err := pidfile.Read(cfg.PIDFile)
	if err != nil {
		fail(rf.jsonOut, "status", err)
		return 2
	}
	if rec == nil || !pidfile.Alive(rec.PID) {
		emit(rf.jsonOut, "status", map[string]any{
			"running": false,
			"reason":  staleReason(rec),
		})
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rf.timeoutMs)*time.Millisecond)
	defer cancel()

	c, err := dial(ctx, cfg, &rf)
	if err != nil {
		emit(rf.jsonOut, "status", map[string]any{
			"running":   true,
			"reachable": false,
			"pid":       rec.PID,
			"error":     err.Error(),
		})
		return 2
	}
	defer c.Close()

	method := protocol.MethodHealth
	if *deep {
		method = protocol.MethodStatusDeep
	}
	payload, err := c.Call(ctx, method, struct{}{})
	if err != nil {
		emit(rf.jsonOut, "status", map[string]any{
			"running":   true,
			"reachable": false,
			"pid":       rec.PID,
			"error":     err.Error(),
		})
		return 2
	}

	fields := map[string]any{
		"running":   true,
		"reachable": true,
		"pid":       rec.PID,
		"startedAt": rec.StartedAt,
	}
	var detail map[string]any
	if err := json.Unmarshal(payload, &detail); err == nil {
		key := "health"
		if *deep {
			key = "detail"
		}
		fields[key] = detail
	}
	emit(rf.jsonOut, "status", fields)
	return 0
}

func staleReason(rec *pidfile.Record) string {
	if rec == nil {
		return "no pid record"
	}
	return fmt.Sprintf("stale pid record (pid %d is gone)", rec.PID)
}
