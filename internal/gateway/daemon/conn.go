package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/metrics"
)

// Connection lifecycle phases.
type phase int

const (
	phaseConnected phase = iota
	phaseAuthenticating
	phaseAuthenticated
	phaseClosing
)

// Close codes beyond the RFC 6455 set.
const (
	closeUnauthorized    = websocket.StatusCode(4001)
	closePolicyViolation = websocket.StatusCode(4008)
)

const sendQueueSize = 256

// challengePayload is pushed to every new connection before any request
// is accepted.
type challengePayload struct {
	Nonce    string `json:"nonce"`
	Protocol string `json:"protocol"`
	Ts       int64  `json:"ts"`
}

// conn is one client connection. The read loop decodes request frames
// and dispatches them; a dedicated writer goroutine drains sendQ so
// slow method handlers never block event fan-out.
type conn struct {
	id    string
	ws    *websocket.Conn
	d     *Daemon
	nonce string

	sendQ  chan []byte
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	phase     phase
	token     string // token presented at connect
	clientID  string
	openedAt  time.Time
	lastReqAt time.Time
}

func newConn(d *Daemon, ws *websocket.Conn) *conn {
	return &conn{
		id:       id.Prefixed("conn"),
		ws:       ws,
		d:        d,
		nonce:    id.Generate(),
		sendQ:    make(chan []byte, sendQueueSize),
		closed:   make(chan struct{}),
		openedAt: time.Now(),
	}
}

// serve runs the connection until the peer disconnects or the daemon
// closes it. Blocks.
func (c *conn) serve(ctx context.Context) {
	c.d.fan.register(c)
	defer c.d.fan.unregister(c)

	go c.writeLoop(ctx)

	c.sendChallenge()
	c.setPhase(phaseAuthenticating)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.shutdown(websocket.StatusNormalClosure, "")
			return
		}
		if typ != websocket.MessageText {
			c.shutdown(closePolicyViolation, "expected text frame")
			return
		}
		metrics.FramesReceivedTotal.Inc()

		req, perr := protocol.DecodeRequest(data, id.Generate)
		if perr != nil {
			c.reply(protocol.ErrResponse(req.ID, req.TraceID, perr))
			continue
		}
		c.touch()

		if req.Method == protocol.MethodConnect {
			// Auth transitions are serialized on the read loop so two
			// racing connects cannot both win.
			c.d.handleConnect(c, req)
			continue
		}
		go c.d.dispatch(c, req)
	}
}

// writeLoop is the only goroutine that writes to the websocket.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.sendQ:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.shutdown(websocket.StatusNormalClosure, "")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// enqueue appends a pre-encoded frame to the outbound queue. A full
// queue means the client stopped draining; it gets closed rather than
// allowed to stall the daemon.
func (c *conn) enqueue(data []byte) {
	if len(data) > c.d.cfg.MaxPayloadBytes {
		slog.Warn("dropping oversized outbound frame", "conn_id", c.id, "bytes", len(data))
		return
	}
	select {
	case c.sendQ <- data:
	case <-c.closed:
	default:
		slog.Warn("closing slow gateway client", "conn_id", c.id)
		c.shutdown(closePolicyViolation, "outbound queue overflow")
	}
}

// reply marshals and enqueues a response frame.
func (c *conn) reply(res *protocol.Response) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("marshal response frame", "conn_id", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

// sendChallenge pushes the connect.challenge event. The challenge is
// per-connection and unsequenced fan-out does not apply: it is written
// directly to this connection's queue with the next global seq.
func (c *conn) sendChallenge() {
	c.d.fan.mu.Lock()
	defer c.d.fan.mu.Unlock()
	c.d.fan.emitLocked([]*conn{c}, protocol.EventChallenge, challengePayload{
		Nonce:    c.nonce,
		Protocol: protocol.Version,
		Ts:       time.Now().UnixMilli(),
	})
}

// shutdown closes the websocket once and releases the writer.
func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.setPhase(phaseClosing)
		close(c.closed)
		if reason != "" {
			_ = c.ws.Close(code, reason)
		} else {
			_ = c.ws.CloseNow()
		}
	})
}

func (c *conn) setPhase(p phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseClosing && p != phaseClosing {
		return
	}
	c.phase = p
}

func (c *conn) getPhase() phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *conn) authenticated() bool {
	return c.getPhase() == phaseAuthenticated
}

// authenticate records a successful connect. Reports false if the
// connection was already authenticated or is closing.
func (c *conn) authenticate(token, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseAuthenticating {
		return false
	}
	c.phase = phaseAuthenticated
	c.token = token
	c.clientID = clientID
	return true
}

// authToken returns the token this connection authenticated with.
func (c *conn) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastReqAt = time.Now()
	c.mu.Unlock()
}
