// Package client is the CLI side of the gateway protocol: it dials the
// loopback websocket, completes the challenge/connect handshake, and
// multiplexes request/response calls with the server's event stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// Options configures a Dial.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:7433/gateway.
	URL   string
	Token string

	ClientID      string
	ClientVersion string

	// HandshakeTimeout bounds the challenge/connect exchange. Zero
	// means 10 seconds.
	HandshakeTimeout time.Duration
}

// Hello is the server's connect acknowledgement.
type Hello struct {
	Protocol string `json:"protocol"`
	ServerID string `json:"serverId"`
	Features struct {
		Methods []string `json:"methods"`
		Events  []string `json:"events"`
	} `json:"features"`
	Policy struct {
		MaxPayloadBytes int `json:"maxPayloadBytes"`
		TickIntervalMs  int `json:"tickIntervalMs"`
	} `json:"policy"`
}

// Event is one server-pushed event frame.
type Event struct {
	Event   string
	Payload json.RawMessage
	Seq     uint64
}

// frame is the superset wire shape; Type discriminates.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Client is one authenticated gateway connection.
type Client struct {
	ws    *websocket.Conn
	hello Hello

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *frame

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects, completes the handshake, and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(hsCtx, opts.URL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		ws:      ws,
		pending: make(map[string]chan *frame),
		events:  make(chan Event, 128),
		closed:  make(chan struct{}),
	}

	if err := c.handshake(hsCtx, opts); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// handshake consumes the challenge and answers it with connect.
func (c *Client) handshake(ctx context.Context, opts Options) error {
	f, err := c.readFrame(ctx)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if f.Type != protocol.FrameEvent || f.Event != protocol.EventChallenge {
		return fmt.Errorf("expected %s event, got %s/%s", protocol.EventChallenge, f.Type, f.Event)
	}
	var challenge struct {
		Nonce    string `json:"nonce"`
		Protocol string `json:"protocol"`
	}
	if err := json.Unmarshal(f.Payload, &challenge); err != nil {
		return fmt.Errorf("decode challenge: %w", err)
	}

	reqID := id.Prefixed("req")
	if err := c.writeRequest(ctx, reqID, protocol.MethodConnect, protocol.ConnectParams{
		Protocol:       protocol.Version,
		ChallengeNonce: challenge.Nonce,
		Auth:           protocol.ConnectAuth{Token: opts.Token},
		Client: protocol.ClientDescriptor{
			ID:      opts.ClientID,
			Version: opts.ClientVersion,
		},
	}); err != nil {
		return err
	}

	// Events may interleave before the hello-ok lands.
	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		if f.Type != protocol.FrameResponse || f.ID != reqID {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return f.Error
			}
			return fmt.Errorf("connect rejected")
		}
		if err := json.Unmarshal(f.Payload, &c.hello); err != nil {
			return fmt.Errorf("decode hello: %w", err)
		}
		if c.hello.Protocol != protocol.Version {
			return fmt.Errorf("protocol mismatch: server speaks %s", c.hello.Protocol)
		}
		return nil
	}
}

// Hello returns the server's connect acknowledgement.
func (c *Client) Hello() Hello { return c.hello }

// Events returns the server event stream. The channel is buffered;
// events overflowing a stalled reader are dropped.
func (c *Client) Events() <-chan Event { return c.events }

// Call performs one request/response round trip. A server-side error
// is returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqID := id.Prefixed("req")

	ch := make(chan *frame, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if err := c.writeRequest(ctx, reqID, method, params); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if !f.OK {
			if f.Error != nil {
				return nil, f.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return f.Payload, nil
	case <-c.closed:
		return nil, fmt.Errorf("connection closed: %w", c.closeErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallInto calls and decodes the payload into out.
func (c *Client) CallInto(ctx context.Context, method string, params, out any) error {
	payload, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.fail(fmt.Errorf("closed by caller"))
	return nil
}

func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.ws.CloseNow()
	})
}

func (c *Client) writeRequest(ctx context.Context, reqID, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	data, err := json.Marshal(protocol.Request{
		Type:   protocol.FrameRequest,
		ID:     reqID,
		Method: method,
		Params: raw,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}
	return nil
}

func (c *Client) readFrame(ctx context.Context) (*frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %v frame", typ)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// readLoop routes responses to pending calls and events to the stream.
func (c *Client) readLoop() {
	for {
		f, err := c.readFrame(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		switch f.Type {
		case protocol.FrameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case protocol.FrameEvent:
			select {
			case c.events <- Event{Event: f.Event, Payload: f.Payload, Seq: f.Seq}:
			default:
			}
		}
	}
}
