// Package ports declares the abstract capability interfaces the gateway's
// method handlers invoke. Concrete adapters live in pkg/delivery, pkg/agentmcp,
// pkg/probe and pkg/statusz; tests substitute in-package mocks.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/clawdis/gateway/pkg/bus"
)

// ErrNotLinked is returned by Delivery adapters whose upstream account is not
// linked; handlers map it to the NOT_LINKED wire code.
var ErrNotLinked = errors.New("delivery account not linked")

// HealthSource reports an opaque health snapshot of the backend collector.
type HealthSource interface {
	Health(ctx context.Context) (json.RawMessage, error)
}

// StatusSource reports an opaque status summary.
type StatusSource interface {
	Status(ctx context.Context) (json.RawMessage, error)
}

// SendRequest is the input of the Delivery port.
type SendRequest struct {
	To       string
	Message  string
	MediaURL string
	Provider string
}

// SendResult is the Delivery port's successful outcome.
type SendResult struct {
	MessageID string
	ToJID     string
}

// Delivery sends one outbound chat message.
type Delivery interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// AgentRequest is the input of the Agent port. RunID is assigned by the
// gateway before the run starts and threads through every streamed event.
type AgentRequest struct {
	RunID     string
	Message   string
	To        string
	SessionID string
	Thinking  bool
	Deliver   bool
	Timeout   time.Duration
}

// AgentResult is the agent's terminal outcome.
type AgentResult struct {
	Status  string
	Summary string
}

// Agent executes one long-running agent turn, publishing intermediate stream
// events through emit.
type Agent interface {
	Run(ctx context.Context, req AgentRequest, emit func(bus.AgentEvent)) (AgentResult, error)
}

// SystemEventSink receives free-form system event texts.
type SystemEventSink interface {
	Push(ctx context.Context, text string) error
}
