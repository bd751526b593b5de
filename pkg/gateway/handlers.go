package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/gateway/pkg/dedupe"
	"github.com/clawdis/gateway/pkg/ports"
	"github.com/clawdis/gateway/pkg/protocol"
)

// dispatch routes one validated request frame to its method handler. Runs on
// its own goroutine; responses are ordered per connection by the write queue.
func (s *Server) dispatch(c *conn, req protocol.RequestFrame) {
	switch req.Method {
	case protocol.MethodHealth:
		s.handleHealth(c, req)
	case protocol.MethodStatus:
		s.handleStatus(c, req)
	case protocol.MethodSystemPresence:
		s.handleSystemPresence(c, req)
	case protocol.MethodSystemEvent:
		s.handleSystemEvent(c, req)
	case protocol.MethodSetHeartbeats:
		s.handleSetHeartbeats(c, req)
	case protocol.MethodSend:
		s.handleSend(c, req)
	case protocol.MethodAgent:
		s.handleAgent(c, req)
	default:
		s.respondError(c, req.ID, &protocol.ErrorShape{
			Code:    protocol.ErrorInvalidRequest,
			Message: fmt.Sprintf("unknown method: %s", req.Method),
		})
	}
}

func (s *Server) respondOK(c *conn, id string, payload any) {
	c.enqueueJSON(protocol.ResponseFrame{
		Type:    protocol.TypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}, false)
}

func (s *Server) respondError(c *conn, id string, shape *protocol.ErrorShape) {
	c.enqueueJSON(protocol.ResponseFrame{
		Type:  protocol.TypeResponse,
		ID:    id,
		OK:    false,
		Error: shape,
	}, false)
}

// respondOutcome replays a stored (or freshly produced) outcome verbatim.
func (s *Server) respondOutcome(c *conn, id string, o dedupe.Outcome) {
	frame := protocol.ResponseFrame{
		Type:  protocol.TypeResponse,
		ID:    id,
		OK:    o.OK,
		Error: o.Error,
	}
	if len(o.Payload) > 0 {
		frame.Payload = o.Payload
	}
	c.enqueueJSON(frame, false)
}

func (s *Server) respondIssues(c *conn, id string, issues []protocol.Issue) {
	s.respondError(c, id, &protocol.ErrorShape{
		Code:    protocol.ErrorInvalidRequest,
		Message: protocol.FormatIssues(issues),
	})
}

func (s *Server) handleHealth(c *conn, req protocol.RequestFrame) {
	if issues := protocol.RequireEmptyParams(req.Params); len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}
	if s.deps.Health == nil {
		s.respondError(c, req.ID, unavailable("health source not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	raw, err := s.deps.Health.Health(ctx)
	if err != nil {
		s.respondError(c, req.ID, unavailable("health probe failed: "+err.Error()))
		return
	}
	s.bumpHealthVersion()
	s.respondOK(c, req.ID, json.RawMessage(raw))
}

func (s *Server) handleStatus(c *conn, req protocol.RequestFrame) {
	if issues := protocol.RequireEmptyParams(req.Params); len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}
	if s.deps.Status == nil {
		s.respondError(c, req.ID, unavailable("status source not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	raw, err := s.deps.Status.Status(ctx)
	if err != nil {
		s.respondError(c, req.ID, unavailable("status probe failed: "+err.Error()))
		return
	}
	s.respondOK(c, req.ID, json.RawMessage(raw))
}

func (s *Server) handleSystemPresence(c *conn, req protocol.RequestFrame) {
	if issues := protocol.RequireEmptyParams(req.Params); len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}
	s.respondOK(c, req.ID, s.registry.List())
}

// handleSystemEvent records the event, answers the caller, then broadcasts
// the updated presence list. The response is enqueued before the broadcast so
// the caller sees them in that order.
func (s *Server) handleSystemEvent(c *conn, req protocol.RequestFrame) {
	p, issues := protocol.ParseSystemEventParams(req.Params)
	if len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}

	if s.deps.SystemEvents != nil {
		ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
		err := s.deps.SystemEvents.Push(ctx, p.Text)
		cancel()
		if err != nil {
			s.respondError(c, req.ID, unavailable("system event sink failed: "+err.Error()))
			return
		}
	}

	s.registry.RecordSystemEvent(p.Text)
	s.respondOK(c, req.ID, map[string]bool{"ok": true})
	s.broadcastPresence()
}

func (s *Server) handleSetHeartbeats(c *conn, req protocol.RequestFrame) {
	p, issues := protocol.ParseSetHeartbeatsParams(req.Params)
	if len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}
	c.heartbeats.Store(p.Enabled)
	s.respondOK(c, req.ID, map[string]bool{"ok": true})
}

// handleSend delivers one outbound message, at most once per idempotency key.
func (s *Server) handleSend(c *conn, req protocol.RequestFrame) {
	p, issues := protocol.ParseSendParams(req.Params)
	if len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}

	outcome := s.dedupe.Do(protocol.MethodSend, p.IdempotencyKey, func() dedupe.Outcome {
		return s.performSend(p)
	})
	s.respondOutcome(c, req.ID, outcome)
}

func (s *Server) performSend(p protocol.SendParams) dedupe.Outcome {
	if s.deps.Delivery == nil {
		return errorOutcome(unavailable("delivery adapter not configured"))
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()
	res, err := s.deps.Delivery.Send(ctx, ports.SendRequest{
		To:       p.To,
		Message:  p.Message,
		MediaURL: p.MediaURL,
		Provider: p.Provider,
	})
	if err != nil {
		if errors.Is(err, ports.ErrNotLinked) {
			return errorOutcome(&protocol.ErrorShape{
				Code:    protocol.ErrorNotLinked,
				Message: "delivery account not linked",
			})
		}
		return errorOutcome(unavailable("delivery failed: " + err.Error()))
	}

	payload, err := json.Marshal(map[string]string{
		"runId":     p.IdempotencyKey,
		"messageId": res.MessageID,
		"toJid":     res.ToJID,
	})
	if err != nil {
		return errorOutcome(unavailable("failed to encode send result"))
	}
	return dedupe.Outcome{OK: true, Payload: payload}
}

// handleAgent starts an agent run, broadcasts the acceptance event and blocks
// until the terminal outcome, which it both answers and caches. The run body
// executes under the dedupe claim, so a duplicate key arriving mid-run waits
// for the same outcome (and the same runId) instead of starting a second run.
func (s *Server) handleAgent(c *conn, req protocol.RequestFrame) {
	p, issues := protocol.ParseAgentParams(req.Params)
	if len(issues) > 0 {
		s.respondIssues(c, req.ID, issues)
		return
	}

	outcome := s.dedupe.Do(protocol.MethodAgent, p.IdempotencyKey, func() dedupe.Outcome {
		runID := p.SessionID
		if runID == "" {
			runID = uuid.New().String()
		}

		s.broadcast(protocol.EventAgent, map[string]string{
			"runId":  runID,
			"status": "accepted",
		}, false, nil)

		return s.performAgentRun(runID, p)
	})
	s.respondOutcome(c, req.ID, outcome)
}

func (s *Server) performAgentRun(runID string, p protocol.AgentParams) dedupe.Outcome {
	if s.deps.Agent == nil {
		return agentErrorOutcome(runID, unavailable("agent runtime not configured"))
	}

	ctx := s.baseCtx
	timeout := time.Duration(p.TimeoutSeconds) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := s.deps.Agent.Run(ctx, ports.AgentRequest{
		RunID:     runID,
		Message:   p.Message,
		To:        p.To,
		SessionID: p.SessionID,
		Thinking:  p.Thinking,
		Deliver:   p.Deliver,
		Timeout:   timeout,
	}, s.bus.Publish)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return agentErrorOutcome(runID, &protocol.ErrorShape{
				Code:    protocol.ErrorAgentTimeout,
				Message: fmt.Sprintf("agent run timed out after %s", timeout),
			})
		}
		return agentErrorOutcome(runID, unavailable("agent run failed: "+err.Error()))
	}

	status := result.Status
	if status == "" {
		status = "ok"
	}
	payload, merr := json.Marshal(map[string]string{
		"runId":   runID,
		"status":  status,
		"summary": result.Summary,
	})
	if merr != nil {
		return agentErrorOutcome(runID, unavailable("failed to encode agent result"))
	}
	return dedupe.Outcome{OK: true, Payload: payload}
}

func unavailable(msg string) *protocol.ErrorShape {
	return &protocol.ErrorShape{
		Code:         protocol.ErrorUnavailable,
		Message:      msg,
		Retryable:    true,
		RetryAfterMs: 1000,
	}
}

func errorOutcome(shape *protocol.ErrorShape) dedupe.Outcome {
	return dedupe.Outcome{OK: false, Error: shape}
}

// agentErrorOutcome mirrors the failure into a terminal payload so clients
// streaming the run can show {runId, status, summary} uniformly.
func agentErrorOutcome(runID string, shape *protocol.ErrorShape) dedupe.Outcome {
	payload, err := json.Marshal(map[string]string{
		"runId":   runID,
		"status":  "error",
		"summary": shape.Message,
	})
	if err != nil {
		return dedupe.Outcome{OK: false, Error: shape}
	}
	return dedupe.Outcome{OK: false, Payload: payload, Error: shape}
}
