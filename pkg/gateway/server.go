// Package gateway implements the loopback WebSocket control-plane server: the
// versioned hello handshake, per-connection read/write loops, the process-wide
// broadcast sequencer and the request dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/clawdis/gateway/pkg/bus"
	"github.com/clawdis/gateway/pkg/dedupe"
	"github.com/clawdis/gateway/pkg/ports"
	"github.com/clawdis/gateway/pkg/presence"
	"github.com/clawdis/gateway/pkg/protocol"
)

// Config carries the tunable knobs of a Server. DefaultConfig returns the
// production values; tests shrink the timeouts.
type Config struct {
	Host  string
	Port  int
	Token string

	Version string
	Commit  string

	HandshakeTimeout time.Duration
	TickInterval     time.Duration
	WriteTimeout     time.Duration
	SweepInterval    time.Duration

	MaxPayload       int64
	MaxBufferedBytes int64

	PresenceTTL time.Duration
	DedupeTTL   time.Duration
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             18789,
		HandshakeTimeout: 3 * time.Second,
		TickInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		SweepInterval:    dedupe.DefaultSweepInterval,
		MaxPayload:       512 * 1024,
		MaxBufferedBytes: 1536 * 1024,
		PresenceTTL:      presence.DefaultTTL,
		DedupeTTL:        dedupe.DefaultTTL,
	}
}

// Deps are the capability ports the dispatcher calls into. Any port may be
// nil; its methods then fail with UNAVAILABLE (or succeed trivially for the
// system-event sink).
type Deps struct {
	Health       ports.HealthSource
	Status       ports.StatusSource
	Delivery     ports.Delivery
	Agent        ports.Agent
	SystemEvents ports.SystemEventSink
}

// Server is the gateway process: one WebSocket endpoint, a presence registry,
// an idempotency cache and the agent event bus.
type Server struct {
	cfg  Config
	deps Deps

	registry *presence.Registry
	dedupe   *dedupe.Cache
	bus      *bus.Bus

	echo *echo.Echo
	http *http.Server

	mu    sync.RWMutex
	conns map[string]*conn

	// seqMu orders every broadcast: the sequence number is assigned and the
	// frame enqueued to all connections inside one critical section.
	// lastPresenceSent is the highest presence version already broadcast;
	// guarded by seqMu.
	seqMu            sync.Mutex
	seq              int64
	lastPresenceSent int64

	healthMu      sync.Mutex
	healthVersion int64

	started      time.Time
	hostname     string
	baseCtx      context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
	logger       *slog.Logger
}

// NewServer creates a Server and subscribes it to the agent event bus.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	ip := net.ParseIP(cfg.Host)
	if ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("gateway must bind a loopback address, got %q", cfg.Host)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	hostname = strings.ToLower(hostname)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:  cfg,
		deps: deps,
		registry: presence.NewRegistry(presence.Options{
			TTL:        cfg.PresenceTTL,
			AppVersion: cfg.Version,
			Hostname:   hostname,
		}),
		dedupe:   dedupe.NewCache(dedupe.Options{TTL: cfg.DedupeTTL}),
		bus:      bus.NewBus(),
		conns:    make(map[string]*conn),
		started:  time.Now(),
		hostname: hostname,
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "gateway"),
	}

	s.bus.Subscribe(func(evt bus.AgentEvent) {
		s.broadcast(protocol.EventAgent, evt, false, nil)
	})

	e := echo.New()
	e.GET("/", s.handleWebSocket)
	e.GET("/ws", s.handleWebSocket)
	e.GET("/health", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo = e
	s.http = &http.Server{Handler: e}

	return s, nil
}

// Bus returns the agent event bus; adapters publish stream events through it.
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// SetStatusSource installs the status port after construction. The process
// status source reports the server's own connection count, so it can only be
// built once the server exists. Call before Start.
func (s *Server) SetStatusSource(src ports.StatusSource) {
	s.deps.Status = src
}

// Handler exposes the HTTP handler so callers can mount the gateway on their
// own listener or test server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ConnCount returns the number of READY connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Start listens on the configured loopback address and serves until Shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve runs the gateway on an existing listener. Blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.tickLoop()
	go s.dedupe.Run(s.baseCtx, s.cfg.SweepInterval)

	s.logger.Info("Gateway listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown broadcasts the shutdown event, closes every connection with 1012
// and stops the HTTP server. Queued frames drain before the close frames.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Gateway shutting down", "conns", s.ConnCount())

	s.broadcast(protocol.EventShutdown, map[string]any{"reason": "shutdown"}, false, nil)
	for _, c := range s.connList() {
		c.requestClose(websocket.StatusServiceRestart, "service restart")
	}
	s.cancel()
	return s.http.Shutdown(ctx)
}

// handleWebSocket upgrades the HTTP request and runs the connection to
// completion.
func (s *Server) handleWebSocket(ec *echo.Context) error {
	ws, err := websocket.Accept(ec.Response(), ec.Request(), &websocket.AcceptOptions{
		// Local clients connect from file:// shells and Electron windows.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return nil
	}

	s.runConnection(ec.Request().Context(), ws)
	return nil
}

// runConnection performs the handshake and, on success, runs the read loop
// until the connection dies.
func (s *Server) runConnection(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(s.cfg.MaxPayload)

	hello, ok := s.handshake(ctx, ws)
	if !ok {
		return
	}

	connID := newConnID()
	c := newConn(ctx, connID, ws, s.cfg)
	c.client = hello.Client
	go c.writeLoop()

	// hello-ok is enqueued before the connection is registered, so it always
	// precedes the first broadcast this connection observes.
	c.enqueueJSON(s.helloOk(connID), false)

	s.addConn(c)
	c.presenceKey = s.registry.TouchConnect(presence.ConnectInfo{
		ConnID:     connID,
		InstanceID: hello.Client.InstanceID,
		Name:       hello.Client.Name,
		Version:    hello.Client.Version,
		Platform:   hello.Client.Platform,
		Mode:       hello.Client.Mode,
	})
	s.broadcastPresence()

	s.logger.Info("Client connected",
		"conn_id", connID, "client", hello.Client.Name, "mode", hello.Client.Mode)

	s.readLoop(c)

	s.removeConn(c)
	c.hardClose(websocket.StatusNormalClosure, "")
	if !s.shuttingDown.Load() {
		s.registry.MarkDisconnected(c.presenceKey)
		s.broadcastPresence()
		s.logger.Info("Client disconnected", "conn_id", connID)
	}
}

// handshake reads and validates the mandatory first frame. On failure the
// connection is already closed when it returns.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) (*protocol.HelloFrame, bool) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := ws.Read(hctx)
	if err != nil {
		// Timeout or transport error before hello: close without a reason,
		// nothing useful can be said to the peer.
		_ = ws.CloseNow()
		return nil, false
	}

	if !json.Valid(data) {
		_ = ws.CloseNow()
		return nil, false
	}

	frame, issues := protocol.DecodeFrame(data)
	if len(issues) > 0 {
		s.rejectHello(ctx, ws, protocol.HelloErrorFrame{
			Type:   protocol.TypeHelloError,
			Reason: protocol.FormatIssues(issues),
		}, websocket.StatusPolicyViolation)
		return nil, false
	}

	hello, isHello := frame.(protocol.HelloFrame)
	if !isHello {
		s.rejectHello(ctx, ws, protocol.HelloErrorFrame{
			Type:   protocol.TypeHelloError,
			Reason: "expected hello frame",
		}, websocket.StatusPolicyViolation)
		return nil, false
	}

	if hello.MinProtocol > protocol.ProtocolVersion || hello.MaxProtocol < protocol.ProtocolVersion {
		s.rejectHello(ctx, ws, protocol.HelloErrorFrame{
			Type:             protocol.TypeHelloError,
			Reason:           "protocol mismatch",
			ExpectedProtocol: protocol.ProtocolVersion,
		}, websocket.StatusProtocolError)
		return nil, false
	}

	if s.cfg.Token != "" {
		supplied := ""
		if hello.Auth != nil {
			supplied = hello.Auth.Token
		}
		if supplied != s.cfg.Token {
			s.rejectHello(ctx, ws, protocol.HelloErrorFrame{
				Type:   protocol.TypeHelloError,
				Reason: "unauthorized",
			}, websocket.StatusPolicyViolation)
			return nil, false
		}
	}

	return &hello, true
}

// rejectHello writes a hello-error frame synchronously and closes the socket.
func (s *Server) rejectHello(ctx context.Context, ws *websocket.Conn, frame protocol.HelloErrorFrame, code websocket.StatusCode) {
	data, err := json.Marshal(frame)
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		_ = ws.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	_ = ws.Close(code, frame.Reason)
}

// helloOk assembles the handshake success frame with a fresh snapshot.
func (s *Server) helloOk(connID string) protocol.HelloOkFrame {
	return protocol.HelloOkFrame{
		Type:     protocol.TypeHelloOk,
		Protocol: protocol.ProtocolVersion,
		Server: protocol.ServerInfo{
			Version: s.cfg.Version,
			Commit:  s.cfg.Commit,
			Host:    s.hostname,
			ConnID:  connID,
		},
		Features: protocol.Features{
			Methods: protocol.Methods(),
			Events:  protocol.Events(),
		},
		Snapshot: s.snapshot(),
		Policy: protocol.Policy{
			MaxPayload:       int(s.cfg.MaxPayload),
			MaxBufferedBytes: int(s.cfg.MaxBufferedBytes),
			TickIntervalMs:   int(s.cfg.TickInterval / time.Millisecond),
		},
	}
}

// snapshot captures presence, the most recent health probe and the state
// version pair for hello-ok.
func (s *Server) snapshot() *protocol.Snapshot {
	var health any
	if s.deps.Health != nil {
		hctx, cancel := context.WithTimeout(s.baseCtx, 2*time.Second)
		raw, err := s.deps.Health.Health(hctx)
		cancel()
		if err == nil {
			health = json.RawMessage(raw)
			s.bumpHealthVersion()
		}
	}
	return &protocol.Snapshot{
		Presence:     s.registry.List(),
		Health:       health,
		StateVersion: s.stateVersion(),
		UptimeMs:     time.Since(s.started).Milliseconds(),
	}
}

func (s *Server) bumpHealthVersion() {
	s.healthMu.Lock()
	s.healthVersion++
	s.healthMu.Unlock()
}

func (s *Server) stateVersion() protocol.StateVersion {
	s.healthMu.Lock()
	health := s.healthVersion
	s.healthMu.Unlock()
	return protocol.StateVersion{
		Presence: s.registry.Version(),
		Health:   health,
	}
}

// readLoop processes inbound frames in receive order until the socket dies.
func (s *Server) readLoop(c *conn) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}

		frame, issues := protocol.DecodeFrame(data)
		if len(issues) > 0 {
			s.respondError(c, requestID(data), &protocol.ErrorShape{
				Code:    protocol.ErrorInvalidRequest,
				Message: protocol.FormatIssues(issues),
			})
			continue
		}

		switch f := frame.(type) {
		case protocol.RequestFrame:
			go s.dispatch(c, f)
		case protocol.HelloFrame:
			s.respondError(c, "invalid", &protocol.ErrorShape{
				Code:    protocol.ErrorInvalidRequest,
				Message: "unexpected hello frame after handshake",
			})
		case protocol.HelloOkFrame, protocol.HelloErrorFrame, protocol.ResponseFrame, protocol.EventFrame:
			s.respondError(c, requestID(data), &protocol.ErrorShape{
				Code:    protocol.ErrorInvalidRequest,
				Message: "unexpected server-to-client frame",
			})
		}
	}
}

// requestID salvages the id of a malformed frame so the error response still
// correlates; "invalid" when none can be extracted.
func requestID(data []byte) string {
	if id := protocol.ExtractRequestID(data); id != "" {
		return id
	}
	return "invalid"
}

// broadcast assigns the next sequence number and enqueues the event to every
// READY connection. Assignment and enqueueing happen in one critical section,
// so per-connection delivery order matches sequence order.
func (s *Server) broadcast(event string, payload any, droppable bool, sv *protocol.StateVersion) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.broadcastLocked(event, payload, droppable, sv)
}

// broadcastLocked is broadcast's body; the caller must hold seqMu.
func (s *Server) broadcastLocked(event string, payload any, droppable bool, sv *protocol.StateVersion) {
	s.seq++
	frame := protocol.EventFrame{
		Type:         protocol.TypeEvent,
		Event:        event,
		Payload:      payload,
		Seq:          s.seq,
		StateVersion: sv,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("Failed to marshal event frame", "event", event, "error", err)
		return
	}

	for _, c := range s.connList() {
		c.enqueueRaw(data, droppable)
	}
}

// broadcastPresence emits the full presence list with the state version pair.
// Handlers enqueue their response before calling this, which keeps the
// response ahead of the broadcast on the originating connection.
//
// The list and version are captured inside the same critical section that
// assigns the sequence number, and a broadcast whose presence version was
// already emitted is suppressed. Emitted presence versions are therefore
// strictly increasing: two racing mutations fold into one event carrying the
// later version.
func (s *Server) broadcastPresence() {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	sv := s.stateVersion()
	if sv.Presence <= s.lastPresenceSent {
		return
	}
	s.lastPresenceSent = sv.Presence
	payload := map[string]any{"presence": s.registry.List()}
	s.broadcastLocked(protocol.EventPresence, payload, false, &sv)
}

// tickLoop broadcasts the liveness tick. Ticks are droppable: a backlogged
// connection skips them rather than being closed.
func (s *Server) tickLoop() {
	if s.cfg.TickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.broadcast(protocol.EventTick, map[string]any{"ts": time.Now().UnixMilli()}, true, nil)
		}
	}
}

func newConnID() string {
	return uuid.New().String()
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *Server) connList() []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
