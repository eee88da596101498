package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/supervisor"
	"github.com/brewva/brewva/internal/gateway/wal"
	"github.com/brewva/brewva/internal/metrics"
)

// handleConnect runs on the connection's read loop. Everything else
// dispatches on its own goroutine.
func (d *Daemon) handleConnect(c *conn, req *protocol.Request) {
	params, perr := protocol.ParseParams(req.Method, req.Params)
	if perr != nil {
		d.respond(c, req, nil, perr)
		return
	}
	p := params.(*protocol.ConnectParams)

	if c.getPhase() == phaseAuthenticated {
		d.respond(c, req, nil, protocol.BadState(protocol.KindAlreadyAuthed, "connection is already authenticated"))
		return
	}
	if p.Protocol != protocol.Version {
		d.respond(c, req, nil, protocol.NewError(protocol.CodeInvalidRequest,
			"unsupported protocol "+p.Protocol+", want "+protocol.Version))
		return
	}
	if p.ChallengeNonce != c.nonce {
		d.respond(c, req, nil, protocol.NewError(protocol.CodeUnauthorized, "challenge nonce mismatch"))
		c.shutdown(closeUnauthorized, "bad challenge")
		return
	}
	if !d.tokens.Matches(p.Auth.Token) {
		d.respond(c, req, nil, protocol.NewError(protocol.CodeUnauthorized, "invalid token"))
		c.shutdown(closeUnauthorized, "invalid token")
		return
	}
	if !c.authenticate(p.Auth.Token, p.Client.ID) {
		d.respond(c, req, nil, protocol.BadState(protocol.KindClosing, "connection is closing"))
		return
	}

	slog.Info("client connected",
		"conn_id", c.id,
		"client_id", p.Client.ID,
		"client_version", p.Client.Version,
	)
	d.respond(c, req, map[string]any{
		"protocol": protocol.Version,
		"serverId": d.serverID,
		"features": map[string]any{
			"methods": protocol.Methods(),
			"events":  protocol.Events(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": d.cfg.MaxPayloadBytes,
			"tickIntervalMs":  d.cfg.TickIntervalMs,
		},
	}, nil)
}

// dispatch routes one authenticated request frame.
func (d *Daemon) dispatch(c *conn, req *protocol.Request) {
	if !c.authenticated() {
		d.respond(c, req, nil, protocol.NewError(protocol.CodeUnauthorized, "connect first"))
		return
	}
	// A rotation may have raced the request past the revocation sweep.
	if !d.tokens.Matches(c.authToken()) {
		d.respond(c, req, nil, protocol.NewError(protocol.CodeUnauthorized, "auth token rotated"))
		c.shutdown(closePolicyViolation, "auth token rotated")
		return
	}

	params, perr := protocol.ParseParams(req.Method, req.Params)
	if perr != nil {
		d.respond(c, req, nil, perr)
		return
	}

	ctx := d.runCtx
	var (
		payload any
		err     *protocol.Error
	)
	switch p := params.(type) {
	case *protocol.ConnectParams:
		err = protocol.BadState(protocol.KindAlreadyAuthed, "connection is already authenticated")
	case *protocol.SessionsOpenParams:
		payload, err = d.handleSessionsOpen(ctx, p)
	case *protocol.SessionsSendParams:
		payload, err = d.handleSessionsSend(ctx, c, p)
	case *protocol.SessionRefParams:
		payload, err = d.handleSessionRef(ctx, c, req.Method, p)
	case *protocol.StopParams:
		payload = d.handleStop(p)
	case *protocol.EmptyParams:
		payload, err = d.handleIntrospection(ctx, c, req.Method)
	default:
		err = protocol.NewError(protocol.CodeInternal, "unhandled params type")
	}
	d.respond(c, req, payload, err)
}

// respond sends the reply and records the outcome metric.
func (d *Daemon) respond(c *conn, req *protocol.Request, payload any, err *protocol.Error) {
	code := "ok"
	if err != nil {
		code = string(err.Code)
		c.reply(protocol.ErrResponse(req.ID, req.TraceID, err))
	} else {
		c.reply(protocol.OKResponse(req.ID, req.TraceID, payload))
	}
	metrics.RequestsTotal.WithLabelValues(req.Method, code).Inc()
}

func (d *Daemon) handleSessionsOpen(ctx context.Context, p *protocol.SessionsOpenParams) (any, *protocol.Error) {
	res, err := d.sup.OpenSession(ctx, supervisor.OpenInput{
		SessionID:        p.SessionID,
		Cwd:              p.Cwd,
		ConfigPath:       p.ConfigPath,
		Model:            p.Model,
		EnableExtensions: p.EnableExtensions,
	})
	if err != nil {
		return nil, mapSupervisorError(err)
	}
	return map[string]any{
		"sessionId":          res.SessionID,
		"requestedSessionId": res.RequestedSessionID,
		"created":            res.Created,
		"workerPid":          res.WorkerPID,
		"agentSessionId":     res.AgentSessionID,
	}, nil
}

func (d *Daemon) handleSessionsSend(ctx context.Context, c *conn, p *protocol.SessionsSendParams) (any, *protocol.Error) {
	// The sender is auto-subscribed before dispatch so it cannot miss
	// the turn's own events.
	subscribed := d.fan.subscribe(c, p.SessionID)

	res, err := d.sup.SendPrompt(ctx, supervisor.SendInput{
		SessionID: p.SessionID,
		Prompt:    p.Prompt,
		TurnID:    p.TurnID,
		Source:    wal.SourceGateway,
	})
	if err != nil {
		if subscribed && errors.Is(err, supervisor.ErrSessionNotFound) {
			d.fan.unsubscribe(c, p.SessionID)
		}
		return nil, mapSupervisorError(err)
	}
	return map[string]any{
		"sessionId":      res.SessionID,
		"agentSessionId": res.AgentSessionID,
		"turnId":         res.TurnID,
		"accepted":       true,
	}, nil
}

func (d *Daemon) handleSessionRef(ctx context.Context, c *conn, method string, p *protocol.SessionRefParams) (any, *protocol.Error) {
	switch method {
	case protocol.MethodSubscribe:
		changed := d.fan.subscribe(c, p.SessionID)
		return map[string]any{"sessionId": p.SessionID, "changed": changed}, nil

	case protocol.MethodUnsubscribe:
		changed := d.fan.unsubscribe(c, p.SessionID)
		return map[string]any{"sessionId": p.SessionID, "changed": changed}, nil

	case protocol.MethodSessionsAbort:
		aborted, err := d.sup.AbortSession(ctx, p.SessionID)
		if errors.Is(err, supervisor.ErrSessionNotFound) {
			return map[string]any{"sessionId": p.SessionID, "existed": false, "aborted": false}, nil
		}
		if err != nil {
			return nil, mapSupervisorError(err)
		}
		return map[string]any{"sessionId": p.SessionID, "existed": true, "aborted": aborted}, nil

	case protocol.MethodSessionsClose:
		existed := d.sup.StopSession(ctx, p.SessionID, "client_close")
		return map[string]any{"sessionId": p.SessionID, "closed": existed}, nil
	}
	return nil, protocol.NewError(protocol.CodeMethodNotFound, "unknown method "+method)
}

// handleStop acknowledges, then shuts the daemon down once the reply
// has had a chance to flush.
func (d *Daemon) handleStop(p *protocol.StopParams) any {
	reason := p.Reason
	if reason == "" {
		reason = "client_request"
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.Stop(reason)
	}()
	return map[string]any{"stopping": true, "reason": reason}
}

func (d *Daemon) handleIntrospection(ctx context.Context, c *conn, method string) (any, *protocol.Error) {
	switch method {
	case protocol.MethodHealth:
		workers, queued := d.sup.Counts()
		return map[string]any{
			"ok":          true,
			"pid":         os.Getpid(),
			"protocol":    protocol.Version,
			"serverId":    d.serverID,
			"uptimeMs":    time.Since(d.startedAt).Milliseconds(),
			"workers":     workers,
			"queueDepth":  queued,
			"connections": d.fan.count(),
		}, nil

	case protocol.MethodStatusDeep:
		return d.deepStatus(), nil

	case protocol.MethodHeartbeatReload:
		res, err := d.hb.Reload(ctx)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternal, "reload heartbeat policy: "+err.Error())
		}
		return res, nil

	case protocol.MethodRotateToken:
		return d.rotateToken(c)
	}
	return nil, protocol.NewError(protocol.CodeMethodNotFound, "unknown method "+method)
}

// rotateToken swaps the token and force-closes every connection that
// authenticated with the old one. The caller is spared so its reply can
// flush; the staleness check in dispatch closes it on its next request.
func (d *Daemon) rotateToken(caller *conn) (any, *protocol.Error) {
	if _, err := d.tokens.Rotate(); err != nil {
		return nil, protocol.NewError(protocol.CodeInternal, "rotate token: "+err.Error())
	}

	revoked := 0
	for _, c := range d.fan.snapshot() {
		if c == caller || !c.authenticated() {
			continue
		}
		if !d.tokens.Matches(c.authToken()) {
			revoked++
			c.shutdown(closePolicyViolation, "auth token rotated")
		}
	}
	slog.Info("auth token rotated", "revoked_connections", revoked)
	return map[string]any{
		"rotated":            true,
		"rotatedAt":          time.Now().UTC().Format(time.RFC3339),
		"revokedConnections": revoked,
	}, nil
}

// deepStatus aggregates every subsystem's snapshot.
func (d *Daemon) deepStatus() any {
	workers, queued := d.sup.Counts()
	loadedAt, rules := d.hb.Snapshot()

	pendingWAL := 0
	if d.walStore != nil {
		pendingWAL = len(d.walStore.ListPending())
	}

	intents := map[string]int{}
	if d.intents != nil {
		for _, in := range d.intents.List() {
			intents[string(in.Status)]++
		}
	}

	return map[string]any{
		"pid":         os.Getpid(),
		"serverId":    d.serverID,
		"startedAt":   d.startedAt.UTC().Format(time.RFC3339),
		"uptimeMs":    time.Since(d.startedAt).Milliseconds(),
		"connections": d.fan.count(),
		"workers": map[string]any{
			"active":     workers,
			"queued":     queued,
			"maxWorkers": d.cfg.MaxWorkers,
			"sessions":   d.sup.Sessions(),
		},
		"wal": map[string]any{
			"pending": pendingWAL,
		},
		"heartbeat": map[string]any{
			"policyPath": d.cfg.HeartbeatPath,
			"loadedAt":   loadedAt,
			"rules":      len(rules),
		},
		"intents": intents,
	}
}

// mapSupervisorError translates supervisor failures onto wire errors.
func mapSupervisorError(err error) *protocol.Error {
	var adm *supervisor.AdmissionError
	if errors.As(err, &adm) {
		ge := protocol.BadState(adm.Kind, adm.Error()).
			WithDetail("maxWorkers", adm.MaxWorkers).
			WithDetail("currentWorkers", adm.CurrentWorkers).
			WithDetail("queueDepth", adm.QueueDepth).
			WithDetail("maxQueueDepth", adm.MaxQueueDepth)
		if adm.Retryable() {
			ge.WithRetryable()
		}
		return ge
	}

	var badCwd *supervisor.InvalidCwdError
	if errors.As(err, &badCwd) {
		return protocol.NewError(protocol.CodeInvalidRequest, badCwd.Error()).
			WithDetail("cwd", badCwd.Cwd)
	}

	var dup *supervisor.DuplicateTurnError
	if errors.As(err, &dup) {
		return protocol.BadState(protocol.KindDuplicateActiveTurn, dup.Error()).
			WithDetail("sessionId", dup.SessionID).
			WithDetail("turnId", dup.TurnID)
	}

	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound):
		return protocol.BadState(protocol.KindSessionNotFound, err.Error())
	case errors.Is(err, supervisor.ErrSessionBusy):
		return protocol.BadState(protocol.KindSessionBusy, err.Error())
	case errors.Is(err, supervisor.ErrShuttingDown):
		return protocol.BadState(protocol.KindClosing, err.Error())
	}
	return protocol.AsError(err)
}
