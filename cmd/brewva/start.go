package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-isatty"

	"github.com/brewva/brewva/internal/gateway/config"
	"github.com/brewva/brewva/internal/gateway/daemon"
	"github.com/brewva/brewva/internal/logging"
)

type startFlags struct {
	foreground bool
	detach     bool

	host         string
	port         int
	stateDir     string
	pidFile      string
	logFile      string
	tokenFile    string
	heartbeat    string
	cwd          string
	workerConfig string
	model        string
	noExtensions bool
	tickInterval int
	sessionIdle  int
	maxWorkers   int
	maxOpenQueue int
	maxPayload   int
	waitMs       int
	configFile   string
	jsonOut      bool
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	var sf startFlags
	fs.BoolVar(&sf.foreground, "foreground", false, "run in the foreground (default)")
	fs.BoolVar(&sf.detach, "detach", false, "spawn a background daemon and wait until it is reachable")
	fs.StringVar(&sf.host, "host", "", "listen host (loopback only)")
	fs.IntVar(&sf.port, "port", 0, "listen port")
	fs.StringVar(&sf.stateDir, "state-dir", "", "state directory")
	fs.StringVar(&sf.pidFile, "pid-file", "", "pid file path")
	fs.StringVar(&sf.logFile, "log-file", "", "log file path")
	fs.StringVar(&sf.tokenFile, "token-file", "", "auth token file path")
	fs.StringVar(&sf.heartbeat, "heartbeat", "", "heartbeat policy file path")
	fs.StringVar(&sf.cwd, "cwd", "", "default working directory for session workers")
	fs.StringVar(&sf.workerConfig, "config", "", "config path passed to session workers")
	fs.StringVar(&sf.model, "model", "", "default model for session workers")
	fs.BoolVar(&sf.noExtensions, "no-extensions", false, "disable worker extensions")
	fs.IntVar(&sf.tickInterval, "tick-interval-ms", 0, "tick broadcast interval (>=1000)")
	fs.IntVar(&sf.sessionIdle, "session-idle-ms", -1, "idle session TTL, 0 disables (>=1000)")
	fs.IntVar(&sf.maxWorkers, "max-workers", 0, "max concurrent session workers (>=1)")
	fs.IntVar(&sf.maxOpenQueue, "max-open-queue", -1, "max queued opens, 0 never blocks (>=0)")
	fs.IntVar(&sf.maxPayload, "max-payload-bytes", 0, "max frame payload bytes (>=16384)")
	fs.IntVar(&sf.waitMs, "wait-ms", 10000, "how long --detach waits for readiness (>=200)")
	fs.StringVar(&sf.configFile, "config-file", "", "daemon config YAML")
	fs.BoolVar(&sf.jsonOut, "json", false, "JSON output")
	_ = fs.Parse(args)

	cfg, err := config.Load(sf.configFile, sf.overrides())
	if err != nil {
		fail(sf.jsonOut, "start", err)
		return 1
	}

	if sf.detach {
		return detachStart(cfg, &sf, args)
	}
	return foregroundStart(cfg, &sf)
}

func (sf *startFlags) overrides() map[string]any {
	o := map[string]any{}
	set := func(k string, ok bool, v any) {
		if ok {
			o[k] = v
		}
	}
	set("host", sf.host != "", sf.host)
	set("port", sf.port != 0, sf.port)
	set("state_dir", sf.stateDir != "", sf.stateDir)
	set("pid_file", sf.pidFile != "", sf.pidFile)
	set("log_file", sf.logFile != "", sf.logFile)
	set("token_file", sf.tokenFile != "", sf.tokenFile)
	set("heartbeat_path", sf.heartbeat != "", sf.heartbeat)
	set("cwd", sf.cwd != "", sf.cwd)
	set("config_path", sf.workerConfig != "", sf.workerConfig)
	set("model", sf.model != "", sf.model)
	set("enable_extensions", sf.noExtensions, false)
	set("tick_interval_ms", sf.tickInterval > 0, sf.tickInterval)
	set("session_idle_ms", sf.sessionIdle >= 0, sf.sessionIdle)
	set("max_workers", sf.maxWorkers > 0, sf.maxWorkers)
	set("max_open_queue", sf.maxOpenQueue >= 0, sf.maxOpenQueue)
	set("max_payload_bytes", sf.maxPayload > 0, sf.maxPayload)
	return o
}

func foregroundStart(cfg *config.Config, sf *startFlags) int {
	if err := cfg.EnsureStateDir(); err != nil {
		fail(sf.jsonOut, "start", err)
		return 1
	}

	mirror := isatty.IsTerminal(os.Stderr.Fd())
	closeLog, err := logging.SetupDaemon(cfg.LogFile, cfg.LogMaxBytes, cfg.LogMaxFiles, mirror)
	if err != nil {
		fail(sf.jsonOut, "start", err)
		return 1
	}
	defer func() { _ = closeLog() }()

	d, err := daemon.New(cfg)
	if err != nil {
		fail(sf.jsonOut, "start", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fail(sf.jsonOut, "start", err)
		return 1
	}
	return 0
}

// detachStart re-execs this binary with start --foreground, then probes
// /healthz until the daemon answers or the wait budget runs out.
func detachStart(cfg *config.Config, sf *startFlags, args []string) int {
	childArgs := []string{"start", "--foreground"}
	for _, a := range args {
		if a == "--detach" || a == "-detach" || a == "--foreground" || a == "-foreground" {
			continue
		}
		childArgs = append(childArgs, a)
	}

	exe, err := os.Executable()
	if err != nil {
		fail(sf.jsonOut, "start", err)
		return 2
	}

	cmd := exec.Command(exe, childArgs...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fail(sf.jsonOut, "start", fmt.Errorf("spawn daemon: %w", err))
		return 2
	}
	childPID := cmd.Process.Pid
	_ = cmd.Process.Release()

	waitMs := sf.waitMs
	if waitMs < 200 {
		waitMs = 200
	}
	if err := probeHealthz(cfg, time.Duration(waitMs)*time.Millisecond); err != nil {
		fail(sf.jsonOut, "start", fmt.Errorf("gateway did not become ready: %w", err))
		return 2
	}

	emit(sf.jsonOut, "start", map[string]any{
		"started":  true,
		"detached": true,
		"pid":      childPID,
		"host":     cfg.Host,
		"port":     cfg.Port,
	})
	return 0
}

// probeHealthz polls /healthz with exponential backoff until the budget
// elapses.
func probeHealthz(cfg *config.Config, budget time.Duration) error {
	url := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/healthz"
	deadline := time.Now().Add(budget)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.Reset()

	httpc := &http.Client{Timeout: time.Second}
	var lastErr error
	for {
		resp, err := httpc.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("healthz returned %d", resp.StatusCode)
		}
		lastErr = err

		if time.Now().After(deadline) {
			return lastErr
		}
		time.Sleep(bo.NextBackOff())
	}
}
