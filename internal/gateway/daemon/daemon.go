// Package daemon is the gateway control plane: a loopback HTTP server
// exposing the websocket endpoint, the connection FSM and dispatch
// layer, event fan-out, and the lifecycle glue binding the supervisor,
// WAL recovery, heartbeat scheduler, and intent scheduler together.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brewva/brewva/internal/gateway/authtoken"
	"github.com/brewva/brewva/internal/gateway/config"
	"github.com/brewva/brewva/internal/gateway/heartbeat"
	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/gateway/intent"
	"github.com/brewva/brewva/internal/gateway/pidfile"
	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/supervisor"
	"github.com/brewva/brewva/internal/gateway/wal"
)

// walCompactInterval is how often terminal WAL records are swept into
// the archive.
const walCompactInterval = 2 * time.Minute

// Daemon is one running gateway instance.
type Daemon struct {
	cfg      *config.Config
	serverID string

	tokens   *authtoken.Store
	walStore *wal.Store
	sup      *supervisor.Supervisor
	hb       *heartbeat.Scheduler
	intents  *intent.Scheduler
	fan      *fanout

	ln        net.Listener
	httpSrv   *http.Server
	startedAt time.Time

	runCtx    context.Context
	runCancel context.CancelFunc

	readyCh    chan struct{}
	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason string

	loops sync.WaitGroup
}

// New validates the configuration and assembles a Daemon. Nothing is
// started and no files are touched beyond the token store.
func New(cfg *config.Config) (*Daemon, error) {
	if err := requireLoopback(cfg.Host); err != nil {
		return nil, err
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}

	tokens, err := authtoken.LoadOrCreate(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("load auth token: %w", err)
	}

	walStore, err := wal.Open(cfg.WALDir(), "gateway", wal.Options{})
	if err != nil {
		return nil, fmt.Errorf("open turn wal: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		serverID: id.Prefixed("srv"),
		tokens:   tokens,
		walStore: walStore,
		fan:      newFanout(),
		readyCh:  make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	d.runCtx, d.runCancel = context.WithCancel(context.Background())

	d.sup = supervisor.New(supervisor.Config{
		MaxWorkers:        cfg.MaxWorkers,
		MaxOpenQueue:      cfg.MaxOpenQueue,
		SessionIdleTTL:    time.Duration(cfg.SessionIdleMs) * time.Millisecond,
		RegistryPath:      cfg.RegistryPath(),
		DefaultCwd:        cfg.Cwd,
		DefaultConfigPath: cfg.WorkerConfigPath,
		DefaultModel:      cfg.Model,
		EnableExtensions:  cfg.EnableExtensions,
	}, walStore, d.fan.sessionEvent)

	d.hb = heartbeat.New(cfg.HeartbeatPath, d.sup, func(event string, payload json.RawMessage) {
		d.fan.broadcast(event, payload)
	})

	d.intents, err = intent.Open(intent.Config{
		LogPath:   cfg.IntentLogPath(),
		CachePath: cfg.IntentCachePath(),
		Execute:   d.executeIntent,
	})
	if err != nil {
		_ = walStore.Close()
		return nil, fmt.Errorf("open intent scheduler: %w", err)
	}
	return d, nil
}

// requireLoopback rejects any bind host that is not a loopback address.
func requireLoopback(host string) error {
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("gateway host %q is not a loopback address", host)
	}
	return nil
}

// Addr returns the bound listen address. Valid after Run has started
// listening.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	}
	return d.ln.Addr().String()
}

// Run starts the daemon and blocks until Stop is called, ctx is
// cancelled, or the listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	d.ln = ln

	if err := pidfile.Write(d.cfg.PIDFile, pidfile.Record{
		PID:       os.Getpid(),
		Host:      d.cfg.Host,
		Port:      d.cfg.Port,
		StartedAt: time.Now().UTC(),
		Cwd:       d.cfg.Cwd,
	}); err != nil {
		_ = ln.Close()
		return err
	}

	d.startedAt = time.Now()
	d.sup.Start()
	d.recoverWAL()

	if _, err := d.hb.Reload(d.runCtx); err != nil {
		slog.Warn("initial heartbeat policy load failed", "error", err)
	}
	if report, err := d.intents.Recover(d.runCtx); err != nil {
		slog.Warn("intent recovery failed", "error", err)
	} else if report.Due > 0 {
		slog.Info("intent recovery complete",
			"due", report.Due, "fired", report.Fired, "deferred", report.Deferred)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", d.serveWS)
	mux.HandleFunc("/healthz", d.serveHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	d.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.loops.Add(3)
	go d.tickLoop()
	go d.intentLoop()
	go d.compactLoop()
	go d.hb.Run(d.runCtx, time.Second)

	slog.Info("gateway listening",
		"addr", d.Addr(),
		"pid", os.Getpid(),
		"server_id", d.serverID,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.httpSrv.Serve(ln) }()
	close(d.readyCh)

	select {
	case err := <-serveErr:
		d.Stop("listener_failed")
		d.shutdown()
		return err
	case <-ctx.Done():
		d.Stop("signal")
	case <-d.stopCh:
	}
	d.shutdown()
	return nil
}

// Ready is closed once the listener is bound and serving.
func (d *Daemon) Ready() <-chan struct{} { return d.readyCh }

// Stop requests shutdown. Safe to call from any goroutine, idempotent.
func (d *Daemon) Stop(reason string) {
	d.stopOnce.Do(func() {
		d.stopReason = reason
		close(d.stopCh)
	})
}

// shutdown tears everything down in dependency order.
func (d *Daemon) shutdown() {
	reason := d.stopReason
	if reason == "" {
		reason = "shutdown"
	}
	slog.Info("gateway stopping", "reason", reason)

	d.fan.broadcast(protocol.EventShutdown, map[string]any{
		"reason": reason,
		"ts":     time.Now().UnixMilli(),
	})
	// Give the writers a beat to flush the shutdown frames.
	time.Sleep(150 * time.Millisecond)
	for _, c := range d.fan.snapshot() {
		c.shutdown(websocket.StatusGoingAway, "gateway stopping")
	}

	d.runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.httpSrv != nil {
		_ = d.httpSrv.Shutdown(shutdownCtx)
	}

	d.sup.Shutdown(shutdownCtx)
	d.loops.Wait()

	if _, err := d.walStore.Compact(); err != nil {
		slog.Warn("final wal compaction failed", "error", err)
	}
	_ = d.walStore.Close()
	_ = d.intents.Close()
	_ = pidfile.Remove(d.cfg.PIDFile, os.Getpid())
	slog.Info("gateway stopped")
}

// serveWS upgrades /gateway connections and runs them to completion.
func (d *Daemon) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-d.stopCh:
		http.Error(w, "gateway is stopping", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	ws.SetReadLimit(int64(d.cfg.MaxPayloadBytes))

	c := newConn(d, ws)
	c.serve(r.Context())
}

func (d *Daemon) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"pid":%d}`+"\n", os.Getpid())
}

// recoverWAL replays unfinished turn records from the previous run. All
// three sources funnel back through the supervisor: the envelope names
// the session, and replay reuses the existing record.
func (d *Daemon) recoverWAL() {
	rec := wal.NewRecovery(d.walStore)
	handler := d.sup.RecoveryHandler(d.runCtx)
	rec.Register(wal.SourceGateway, handler)
	rec.Register(wal.SourceHeartbeat, handler)
	rec.Register(wal.SourceChannel, handler)
	rec.Run()
}

// executeIntent fires one schedule intent: route the prompt to the
// parent session, or a fresh per-intent session under fresh continuity.
func (d *Daemon) executeIntent(ctx context.Context, in *intent.Intent) (string, error) {
	sessionID := in.ParentSessionID
	if in.ContinuityMode == intent.ContinuityFresh || sessionID == "" {
		sessionID = "intent:" + in.ID
	}

	if _, err := d.sup.OpenSession(ctx, supervisor.OpenInput{SessionID: sessionID}); err != nil {
		return "", err
	}
	res, err := d.sup.SendPrompt(ctx, supervisor.SendInput{
		SessionID: sessionID,
		Prompt:    in.Prompt,
		Source:    wal.SourceChannel,
		Wait:      true,
	})
	if err != nil {
		return "", err
	}
	return res.AgentSessionID, nil
}

// tickLoop broadcasts the periodic tick event.
func (d *Daemon) tickLoop() {
	defer d.loops.Done()
	ticker := time.NewTicker(time.Duration(d.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
		workers, _ := d.sup.Counts()
		d.fan.broadcast(protocol.EventTick, map[string]any{
			"ts":          time.Now().UnixMilli(),
			"uptimeMs":    time.Since(d.startedAt).Milliseconds(),
			"connections": d.fan.count(),
			"workers":     workers,
		})
	}
}

// intentLoop fires due intents once a second.
func (d *Daemon) intentLoop() {
	defer d.loops.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.intents.Tick(d.runCtx)
		}
	}
}

// compactLoop periodically sweeps terminal WAL records to the archive.
func (d *Daemon) compactLoop() {
	defer d.loops.Done()
	ticker := time.NewTicker(walCompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}
		if stats, err := d.walStore.Compact(); err != nil {
			slog.Warn("wal compaction failed", "error", err)
		} else if stats.Dropped > 0 {
			slog.Debug("wal compacted", "dropped", stats.Dropped, "retained", stats.Retained)
		}
	}
}
