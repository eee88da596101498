package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/logging"
	"github.com/brewva/brewva/internal/worker"
)

var version = "dev"

func main() {
	// Worker children re-exec this binary with the bridge env set; they
	// must never fall through to the CLI.
	if os.Getenv(bridge.EnvWorker) == "1" {
		if err := worker.New(os.Stdin, os.Stdout).Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "worker: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logging.Setup()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:]))
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "stop":
		os.Exit(runStop(os.Args[2:]))
	case "heartbeat-reload":
		os.Exit(runRemote("heartbeat-reload", os.Args[2:]))
	case "rotate-token":
		os.Exit(runRemote("rotate-token", os.Args[2:]))
	case "logs":
		os.Exit(runLogs(os.Args[2:]))
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: brewva <command> [flags]

commands:
  start             start the gateway daemon (foreground by default)
  status            probe the running gateway
  stop              stop the running gateway
  heartbeat-reload  reload the heartbeat policy file
  rotate-token      rotate the gateway auth token
  logs              print the tail of the gateway log
  version           print the version
  help              print this help
`)
}
