package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/clawdis/gateway/pkg/protocol"
)

// outbound is one queued item for the connection's writer goroutine. A close
// item makes the writer send the close frame after everything queued before
// it, so shutdown notices are not lost.
type outbound struct {
	data   []byte
	close  bool
	code   websocket.StatusCode
	reason string
}

// conn is one accepted WebSocket connection in the READY state.
//
// Inbound frames are processed strictly in receive order by the read loop;
// outbound frames are serialized through writeCh and a single writer
// goroutine. queuedBytes tracks the outbound high-water mark: droppable
// events are skipped when over it, anything else closes the connection as a
// slow consumer.
type conn struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeCh      chan outbound
	queuedBytes  atomic.Int64
	maxBuffered  int64
	writeTimeout time.Duration

	closeOnce sync.Once

	client      protocol.ClientInfo
	presenceKey string
	heartbeats  atomic.Bool

	logger *slog.Logger
}

func newConn(ctx context.Context, id string, ws *websocket.Conn, cfg Config) *conn {
	cctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:           id,
		ws:           ws,
		ctx:          cctx,
		cancel:       cancel,
		writeCh:      make(chan outbound, 1024),
		maxBuffered:  cfg.MaxBufferedBytes,
		writeTimeout: cfg.WriteTimeout,
		logger:       slog.Default().With("component", "gateway-conn", "conn_id", id),
	}
	c.heartbeats.Store(true)
	return c
}

// enqueueJSON marshals and enqueues a frame for this connection.
func (c *conn) enqueueJSON(v any, droppable bool) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to marshal outbound frame", "error", err)
		return
	}
	c.enqueueRaw(data, droppable)
}

// enqueueRaw enqueues pre-serialized bytes, enforcing the buffered-bytes
// high-water mark.
func (c *conn) enqueueRaw(data []byte, droppable bool) {
	n := int64(len(data))
	if c.queuedBytes.Load()+n > c.maxBuffered {
		if droppable {
			return
		}
		c.logger.Warn("Closing slow consumer", "queued_bytes", c.queuedBytes.Load())
		c.hardClose(websocket.StatusPolicyViolation, "slow consumer")
		return
	}

	c.queuedBytes.Add(n)
	select {
	case c.writeCh <- outbound{data: data}:
	default:
		c.queuedBytes.Add(-n)
		if !droppable {
			c.logger.Warn("Closing slow consumer", "queue_len", len(c.writeCh))
			c.hardClose(websocket.StatusPolicyViolation, "slow consumer")
		}
	}
}

// requestClose asks the writer to drain the queue and then send a close
// frame. Falls back to a hard close when the queue is full.
func (c *conn) requestClose(code websocket.StatusCode, reason string) {
	select {
	case c.writeCh <- outbound{close: true, code: code, reason: reason}:
	default:
		c.hardClose(code, reason)
	}
}

// hardClose tears the connection down immediately, abandoning queued frames.
func (c *conn) hardClose(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(code, reason)
	})
}

// writeLoop is the single writer goroutine for this connection.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.writeCh:
			if out.close {
				c.closeOnce.Do(func() {
					_ = c.ws.Close(out.code, out.reason)
				})
				c.cancel()
				return
			}

			wctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, out.data)
			cancel()
			c.queuedBytes.Add(-int64(len(out.data)))
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
