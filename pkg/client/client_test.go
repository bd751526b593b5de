package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdis/gateway/pkg/gateway"
	"github.com/clawdis/gateway/pkg/protocol"
)

func testInfo() protocol.ClientInfo {
	return protocol.ClientInfo{
		Name:     "test-client",
		Version:  "0.1.0",
		Platform: "linux",
		Mode:     "cli",
	}
}

// newFakeGateway runs a hand-rolled WebSocket endpoint for scenarios a real
// gateway will not produce, like sequence gaps.
func newFakeGateway(t *testing.T, handle func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handle(r.Context(), ws)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func fakeHelloOk() protocol.HelloOkFrame {
	return protocol.HelloOkFrame{
		Type:     protocol.TypeHelloOk,
		Protocol: protocol.ProtocolVersion,
		Server:   protocol.ServerInfo{Version: "fake", ConnID: "c1"},
		Features: protocol.Features{Methods: protocol.Methods(), Events: protocol.Events()},
		Policy:   protocol.Policy{MaxPayload: 1, MaxBufferedBytes: 1, TickIntervalMs: 1},
	}
}

// acceptHello reads the client hello and answers hello-ok.
func acceptHello(ctx context.Context, ws *websocket.Conn) error {
	if _, _, err := ws.Read(ctx); err != nil {
		return err
	}
	return writeJSON(ctx, ws, fakeHelloOk())
}

// startGateway runs a real gateway server for integration-style client tests.
func startGateway(t *testing.T, deps gateway.Deps) *httptest.Server {
	t.Helper()
	cfg := gateway.DefaultConfig()
	cfg.Version = "1.0.0-test"
	cfg.TickInterval = 0
	srv, err := gateway.NewServer(cfg, deps)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func runClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("client Run did not stop")
		}
	})
	return cancel
}

func TestClient_ConnectAndRequest(t *testing.T) {
	ts := startGateway(t, gateway.Deps{})

	connected := make(chan protocol.HelloOkFrame, 1)
	c := New(Options{
		URL:       wsURL(ts),
		Info:      testInfo(),
		OnConnect: func(ok protocol.HelloOkFrame) { connected <- ok },
	})
	runClient(t, c)

	select {
	case helloOk := <-connected:
		assert.Equal(t, protocol.ProtocolVersion, helloOk.Protocol)
		assert.Equal(t, "1.0.0-test", helloOk.Server.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Request(ctx, protocol.MethodSystemPresence, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)

	entries, ok := res.Payload.([]any)
	require.True(t, ok)
	assert.NotEmpty(t, entries)
}

func TestClient_RequestWhileDisconnected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1", Info: testInfo()})
	_, err := c.Request(context.Background(), protocol.MethodHealth, nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_HandshakeRejectionIsPermanent(t *testing.T) {
	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		_ = writeJSON(ctx, ws, protocol.HelloErrorFrame{
			Type:   protocol.TypeHelloError,
			Reason: "unauthorized",
		})
		_ = ws.Close(websocket.StatusPolicyViolation, "unauthorized")
	})

	c := New(Options{URL: wsURL(ts), Info: testInfo()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, "unauthorized", hs.Reason)
}

func TestClient_GapDetection(t *testing.T) {
	seqs := []int64{1, 2, 5}
	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := acceptHello(ctx, ws); err != nil {
			return
		}
		for _, seq := range seqs {
			if err := writeJSON(ctx, ws, protocol.EventFrame{
				Type:  protocol.TypeEvent,
				Event: protocol.EventTick,
				Seq:   seq,
			}); err != nil {
				return
			}
		}
		<-ctx.Done()
	})

	gaps := make(chan Gap, 4)
	events := make(chan protocol.EventFrame, 8)
	c := New(Options{
		URL:     wsURL(ts),
		Info:    testInfo(),
		OnGap:   func(g Gap) { gaps <- g },
		OnEvent: func(evt protocol.EventFrame) { events <- evt },
	})
	runClient(t, c)

	for range seqs {
		select {
		case <-events:
		case <-time.After(5 * time.Second):
			t.Fatal("missing event")
		}
	}

	select {
	case gap := <-gaps:
		assert.Equal(t, int64(3), gap.Expected)
		assert.Equal(t, int64(5), gap.Received)
	case <-time.After(time.Second):
		t.Fatal("gap was not reported")
	}
	// The 1→2 step must not report a gap.
	assert.Empty(t, gaps)
}

func TestClient_SkipsAcceptedIntermediateResponse(t *testing.T) {
	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := acceptHello(ctx, ws); err != nil {
			return
		}
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frame, _ := protocol.DecodeFrame(data)
		req, ok := frame.(protocol.RequestFrame)
		if !ok {
			return
		}
		_ = writeJSON(ctx, ws, protocol.ResponseFrame{
			Type: protocol.TypeResponse, ID: req.ID, OK: true,
			Payload: map[string]string{"runId": "r1", "status": "accepted"},
		})
		_ = writeJSON(ctx, ws, protocol.ResponseFrame{
			Type: protocol.TypeResponse, ID: req.ID, OK: true,
			Payload: map[string]string{"runId": "r1", "status": "ok", "summary": "done"},
		})
		<-ctx.Done()
	})

	connected := make(chan struct{}, 1)
	c := New(Options{
		URL:       wsURL(ts),
		Info:      testInfo(),
		OnConnect: func(protocol.HelloOkFrame) { connected <- struct{}{} },
	})
	runClient(t, c)
	<-connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Request(ctx, protocol.MethodAgent, map[string]any{
		"message": "go", "idempotencyKey": "k1",
	})
	require.NoError(t, err)

	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "done", payload["summary"])
}

func TestClient_NonAgentAcceptedPayloadIsReturned(t *testing.T) {
	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := acceptHello(ctx, ws); err != nil {
			return
		}
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		frame, _ := protocol.DecodeFrame(data)
		req, ok := frame.(protocol.RequestFrame)
		if !ok {
			return
		}
		// A send payload that happens to carry status "accepted" is the
		// terminal response for every method but agent.
		_ = writeJSON(ctx, ws, protocol.ResponseFrame{
			Type: protocol.TypeResponse, ID: req.ID, OK: true,
			Payload: map[string]string{"runId": "K", "status": "accepted"},
		})
		<-ctx.Done()
	})

	connected := make(chan struct{}, 1)
	c := New(Options{
		URL:       wsURL(ts),
		Info:      testInfo(),
		OnConnect: func(protocol.HelloOkFrame) { connected <- struct{}{} },
	})
	runClient(t, c)
	<-connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Request(ctx, protocol.MethodSend, map[string]any{
		"to": "x", "message": "hi", "idempotencyKey": "K",
	})
	require.NoError(t, err)

	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "accepted", payload["status"])
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	handshakes := 0

	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := acceptHello(ctx, ws); err != nil {
			return
		}
		mu.Lock()
		handshakes++
		first := handshakes == 1
		mu.Unlock()

		if first {
			// Drop the first connection immediately to force a reconnect.
			_ = ws.Close(websocket.StatusGoingAway, "bye")
			return
		}
		<-ctx.Done()
	})

	connected := make(chan struct{}, 4)
	disconnected := make(chan error, 4)
	c := New(Options{
		URL:          wsURL(ts),
		Info:         testInfo(),
		OnConnect:    func(protocol.HelloOkFrame) { connected <- struct{}{} },
		OnDisconnect: func(err error) { disconnected <- err },
	})
	runClient(t, c)

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(10 * time.Second):
			t.Fatalf("connection %d never established", i+1)
		}
	}

	select {
	case err := <-disconnected:
		assert.Error(t, err)
	default:
		t.Fatal("disconnect callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, handshakes, 2)
}

func TestClient_PendingRequestFailsOnDisconnect(t *testing.T) {
	ts := newFakeGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := acceptHello(ctx, ws); err != nil {
			return
		}
		// Read the request, then drop the connection without answering.
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		_ = ws.Close(websocket.StatusGoingAway, "bye")
	})

	connected := make(chan struct{}, 2)
	c := New(Options{
		URL:       wsURL(ts),
		Info:      testInfo(),
		OnConnect: func(protocol.HelloOkFrame) { connected <- struct{}{} },
	})
	runClient(t, c)
	<-connected

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, protocol.MethodHealth, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "request must fail fast, not time out")
}
