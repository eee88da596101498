package main

import (
	"flag"
	"fmt"

	"github.com/brewva/brewva/internal/logging"
)

// runLogs prints the tail of the gateway log file.
func runLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	var rf remoteFlags
	rf.register(fs)
	tail := fs.Int("tail", 200, "number of trailing lines (>=1)")
	_ = fs.Parse(args)

	if *tail < 1 {
		*tail = 1
	}

	cfg, err := rf.loadConfig()
	if err != nil {
		fail(rf.jsonOut, "logs", err)
		return 1
	}

	lines, err := logging.Tail(cfg.LogFile, *tail)
	if err != nil {
		fail(rf.jsonOut, "logs", err)
		return 1
	}

	if rf.jsonOut {
		emit(true, "logs", map[string]any{
			"path":  cfg.LogFile,
			"lines": lines,
		})
		return 0
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return 0
}
