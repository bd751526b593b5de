// Package client is the Go client for the Clawdis gateway: it dials the
// loopback WebSocket, performs the hello handshake, correlates requests with
// responses, surfaces server events and reconnects with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawdis/gateway/pkg/protocol"
)

// ErrNotConnected is returned by Request while no handshake is established.
var ErrNotConnected = errors.New("gateway client is not connected")

// HandshakeError is a hello-error from the server. Handshake rejections are
// permanent: retrying with the same hello cannot succeed, so Run stops.
type HandshakeError struct {
	Reason           string
	ExpectedProtocol int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("gateway rejected handshake: %s", e.Reason)
}

// Gap reports a hole in the broadcast sequence, usually after missed frames.
// Consumers should refetch state via system-presence and health.
type Gap struct {
	Expected int64
	Received int64
}

// Options configures a Client. URL is required; everything else is optional.
type Options struct {
	URL   string
	Token string
	Info  protocol.ClientInfo

	OnConnect    func(protocol.HelloOkFrame)
	OnDisconnect func(error)
	OnEvent      func(protocol.EventFrame)
	OnGap        func(Gap)

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Client is a reconnecting gateway client. Safe for concurrent use.
type Client struct {
	opts Options

	mu      sync.Mutex
	ws      *websocket.Conn
	ready   bool
	pending map[string]chan protocol.ResponseFrame
	lastSeq int64

	logger *slog.Logger
}

// New creates a Client; Run must be called to connect.
func New(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "gateway-client")
	}
	return &Client{
		opts:    opts,
		pending: make(map[string]chan protocol.ResponseFrame),
		logger:  logger,
	}
}

// Run connects and serves until ctx is cancelled or the handshake is
// permanently rejected. Transport failures reconnect with exponential
// backoff (1s doubling to 30s, no jitter); a successful handshake resets it.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		handshook, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var hs *HandshakeError
		if errors.As(err, &hs) {
			return err
		}

		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}

		if handshook {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.logger.Info("Reconnecting to gateway", "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one dial-handshake-read cycle to completion. The bool reports
// whether the handshake completed, which resets the reconnect backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	ws, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial gateway: %w", err)
	}

	helloOk, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return false, err
	}

	c.mu.Lock()
	c.ws = ws
	c.ready = true
	c.lastSeq = 0
	c.mu.Unlock()

	if c.opts.OnConnect != nil {
		c.opts.OnConnect(*helloOk)
	}

	err = c.readLoop(ctx, ws)

	c.mu.Lock()
	c.ws = nil
	c.ready = false
	c.mu.Unlock()
	c.failPending()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	return true, err
}

// handshake sends hello and waits for hello-ok.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (*protocol.HelloOkFrame, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	hello := protocol.HelloFrame{
		Type:        protocol.TypeHello,
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client:      c.opts.Info,
	}
	if c.opts.Token != "" {
		hello.Auth = &protocol.AuthInfo{Token: c.opts.Token}
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	if err := ws.Write(hctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	_, raw, err := ws.Read(hctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake result: %w", err)
	}
	frame, issues := protocol.DecodeFrame(raw)
	if len(issues) > 0 {
		return nil, fmt.Errorf("invalid handshake frame: %s", protocol.FormatIssues(issues))
	}

	switch f := frame.(type) {
	case protocol.HelloOkFrame:
		return &f, nil
	case protocol.HelloErrorFrame:
		return nil, &HandshakeError{Reason: f.Reason, ExpectedProtocol: f.ExpectedProtocol}
	default:
		return nil, fmt.Errorf("unexpected handshake frame type")
	}
}

// readLoop dispatches inbound frames until the socket dies.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		frame, issues := protocol.DecodeFrame(raw)
		if len(issues) > 0 {
			c.logger.Warn("Dropping invalid server frame", "issues", protocol.FormatIssues(issues))
			continue
		}

		switch f := frame.(type) {
		case protocol.ResponseFrame:
			c.deliverResponse(f)
		case protocol.EventFrame:
			c.handleEvent(f)
		default:
			c.logger.Warn("Dropping unexpected server frame")
		}
	}
}

func (c *Client) deliverResponse(res protocol.ResponseFrame) {
	c.mu.Lock()
	ch := c.pending[res.ID]
	c.mu.Unlock()
	if ch == nil {
		c.logger.Warn("Response for unknown request", "id", res.ID)
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// handleEvent tracks the broadcast sequence and reports gaps before invoking
// the event callback.
func (c *Client) handleEvent(evt protocol.EventFrame) {
	if evt.Seq > 0 {
		c.mu.Lock()
		last := c.lastSeq
		if evt.Seq > last {
			c.lastSeq = evt.Seq
		}
		c.mu.Unlock()

		if last != 0 && evt.Seq > last+1 && c.opts.OnGap != nil {
			c.opts.OnGap(Gap{Expected: last + 1, Received: evt.Seq})
		}
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(evt)
	}
}

// Request sends one request and waits for its terminal response. Agent runs
// may produce an intermediate {status: "accepted"} response; for the agent
// method Request skips those and returns the final one. Other methods take
// the first response as-is, even when its payload happens to carry a status
// member.
func (c *Client) Request(ctx context.Context, method string, params any) (*protocol.ResponseFrame, error) {
	c.mu.Lock()
	ws, ready := c.ws, c.ready
	c.mu.Unlock()
	if !ready || ws == nil {
		return nil, ErrNotConnected
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		rawParams = data
	}

	id := uuid.New().String()
	ch := make(chan protocol.ResponseFrame, 4)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(protocol.RequestFrame{
		Type:   protocol.TypeRequest,
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-ch:
			if !ok {
				return nil, ErrNotConnected
			}
			if method == protocol.MethodAgent && isAccepted(res) {
				continue
			}
			return &res, nil
		}
	}
}

// isAccepted reports whether a response is the non-terminal agent acceptance.
func isAccepted(res protocol.ResponseFrame) bool {
	if !res.OK {
		return false
	}
	obj, ok := res.Payload.(map[string]any)
	if !ok {
		return false
	}
	status, _ := obj["status"].(string)
	return status == "accepted"
}

// failPending closes every waiter's channel so in-flight Requests fail fast.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears down the current connection. Run's reconnect loop owns the
// lifecycle; cancel its context to stop the client for good.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.ready = false
	c.mu.Unlock()
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}
