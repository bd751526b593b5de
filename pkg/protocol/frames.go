// Package protocol defines the wire frames exchanged between the Clawdis
// gateway and its clients, together with strict validators and the JSON
// Schema corpus emitted for foreign-language code generators.
//
// Every frame is a newline-free JSON document tagged by a "type" member.
// Validators reject unknown top-level members and accumulate all issues
// rather than short-circuiting, so a single deterministic error string can
// be surfaced in hello-error reasons and INVALID_REQUEST messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single protocol version this gateway speaks.
// A hello whose [minProtocol, maxProtocol] range excludes it is rejected
// with "protocol mismatch".
const ProtocolVersion = 1

// Frame type tags (closed set).
const (
	TypeHello      = "hello"
	TypeHelloOk    = "hello-ok"
	TypeHelloError = "hello-error"
	TypeRequest    = "req"
	TypeResponse   = "res"
	TypeEvent      = "event"
)

// Request methods (closed set).
const (
	MethodHealth         = "health"
	MethodStatus         = "status"
	MethodSystemPresence = "system-presence"
	MethodSystemEvent    = "system-event"
	MethodSetHeartbeats  = "set-heartbeats"
	MethodSend           = "send"
	MethodAgent          = "agent"
)

// Methods returns the closed method set in a stable order, as advertised in
// hello-ok features.
func Methods() []string {
	return []string{
		MethodHealth,
		MethodStatus,
		MethodSystemPresence,
		MethodSystemEvent,
		MethodSetHeartbeats,
		MethodSend,
		MethodAgent,
	}
}

// KnownMethod reports whether m is in the closed method set.
func KnownMethod(m string) bool {
	switch m {
	case MethodHealth, MethodStatus, MethodSystemPresence,
		MethodSystemEvent, MethodSetHeartbeats, MethodSend, MethodAgent:
		return true
	}
	return false
}

// Server-initiated event names (closed set).
const (
	EventTick     = "tick"
	EventPresence = "presence"
	EventAgent    = "agent"
	EventShutdown = "shutdown"
)

// Events returns the closed event set in a stable order.
func Events() []string {
	return []string{EventTick, EventPresence, EventAgent, EventShutdown}
}

// Error codes (closed set).
const (
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorUnavailable    = "UNAVAILABLE"
	ErrorAgentTimeout   = "AGENT_TIMEOUT"
	ErrorNotLinked      = "NOT_LINKED"
)

// ErrorShape is the wire representation of a request failure.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClientInfo identifies the connecting client inside a hello frame.
// Mode is free-form but conventionally "app", "cli", "webchat" or "backend".
type ClientInfo struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId,omitempty"`
}

// AuthInfo carries the optional shared-secret token inside a hello frame.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

// HelloFrame is the mandatory first client frame on every connection.
type HelloFrame struct {
	Type        string     `json:"type"`
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Caps        []string   `json:"caps,omitempty"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
}

// ServerInfo describes the gateway inside hello-ok.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises the closed method and event sets to the client.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Policy advertises per-connection transport limits to the client.
type Policy struct {
	MaxPayload       int `json:"maxPayload"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

// StateVersion is the pair of monotonic counters broadcast with events that
// imply a presence or health change.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// Snapshot is the complete view of presence + health delivered in hello-ok.
// Presence entries and the health object are opaque at this layer.
type Snapshot struct {
	Presence     any          `json:"presence"`
	Health       any          `json:"health"`
	StateVersion StateVersion `json:"stateVersion"`
	UptimeMs     int64        `json:"uptimeMs"`
}

// HelloOkFrame is the successful handshake result.
type HelloOkFrame struct {
	Type     string     `json:"type"`
	Protocol int        `json:"protocol"`
	Server   ServerInfo `json:"server"`
	Features Features   `json:"features"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Policy   Policy     `json:"policy"`
}

// HelloErrorFrame is the failed handshake result; the connection is closed
// immediately after it is sent.
type HelloErrorFrame struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	ExpectedProtocol int    `json:"expectedProtocol,omitempty"`
}

// RequestFrame is a client request correlated by ID.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame with the same ID.
// Error is present iff OK is false; Payload may accompany an error for the
// agent method (terminal {status, summary} mirrors the error).
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is an unsolicited server frame carrying the process-wide
// sequence number assigned at broadcast time.
type EventFrame struct {
	Type         string        `json:"type"`
	Event        string        `json:"event"`
	Payload      any           `json:"payload,omitempty"`
	Seq          int64         `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`
}

// Frame is the discriminated union of every wire frame. Dispatch sites
// type-switch over the concrete frames so adding a variant breaks every
// handler until addressed.
type Frame interface{ frameType() string }

func (HelloFrame) frameType() string      { return TypeHello }
func (HelloOkFrame) frameType() string    { return TypeHelloOk }
func (HelloErrorFrame) frameType() string { return TypeHelloError }
func (RequestFrame) frameType() string    { return TypeRequest }
func (ResponseFrame) frameType() string   { return TypeResponse }
func (EventFrame) frameType() string      { return TypeEvent }
