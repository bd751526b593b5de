package protocol

import "encoding/json"

// SendParams are the validated parameters of the "send" method.
type SendParams struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	Provider       string `json:"provider,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AgentParams are the validated parameters of the "agent" method.
// TimeoutSeconds of zero means no caller-supplied deadline.
type AgentParams struct {
	Message        string `json:"message"`
	To             string `json:"to,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Thinking       bool   `json:"thinking,omitempty"`
	Deliver        bool   `json:"deliver,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SystemEventParams are the validated parameters of the "system-event" method.
type SystemEventParams struct {
	Text string `json:"text"`
}

// SetHeartbeatsParams are the validated parameters of the "set-heartbeats" method.
type SetHeartbeatsParams struct {
	Enabled bool `json:"enabled"`
}

// ParseSendParams strictly validates send parameters.
func ParseSendParams(raw json.RawMessage) (SendParams, []Issue) {
	var issues []Issue
	var p SendParams
	obj, ok := paramsObject(raw, &issues)
	if !ok {
		return p, issues
	}
	rejectUnknownAt(obj, "params", &issues,
		"to", "message", "mediaUrl", "provider", "idempotencyKey")
	p.To = requireString(obj, "to", "params.to", 1, &issues)
	p.Message = requireString(obj, "message", "params.message", 1, &issues)
	p.MediaURL = optionalString(obj, "mediaUrl", "params.mediaUrl", &issues)
	p.Provider = optionalString(obj, "provider", "params.provider", &issues)
	p.IdempotencyKey = requireString(obj, "idempotencyKey", "params.idempotencyKey", 1, &issues)
	return p, issues
}

// ParseAgentParams strictly validates agent parameters.
func ParseAgentParams(raw json.RawMessage) (AgentParams, []Issue) {
	var issues []Issue
	var p AgentParams
	obj, ok := paramsObject(raw, &issues)
	if !ok {
		return p, issues
	}
	rejectUnknownAt(obj, "params", &issues,
		"message", "to", "sessionId", "thinking", "deliver", "timeout", "idempotencyKey")
	p.Message = requireString(obj, "message", "params.message", 1, &issues)
	p.To = optionalString(obj, "to", "params.to", &issues)
	p.SessionID = optionalString(obj, "sessionId", "params.sessionId", &issues)
	p.Thinking = optionalBool(obj, "thinking", "params.thinking", &issues)
	p.Deliver = optionalBool(obj, "deliver", "params.deliver", &issues)
	if _, present := obj["timeout"]; present {
		p.TimeoutSeconds = requireNonNegInt(obj, "timeout", &issues)
	}
	p.IdempotencyKey = requireString(obj, "idempotencyKey", "params.idempotencyKey", 1, &issues)
	return p, issues
}

// ParseSystemEventParams strictly validates system-event parameters.
func ParseSystemEventParams(raw json.RawMessage) (SystemEventParams, []Issue) {
	var issues []Issue
	var p SystemEventParams
	obj, ok := paramsObject(raw, &issues)
	if !ok {
		return p, issues
	}
	rejectUnknownAt(obj, "params", &issues, "text")
	p.Text = requireString(obj, "text", "params.text", 1, &issues)
	return p, issues
}

// ParseSetHeartbeatsParams strictly validates set-heartbeats parameters.
func ParseSetHeartbeatsParams(raw json.RawMessage) (SetHeartbeatsParams, []Issue) {
	var issues []Issue
	var p SetHeartbeatsParams
	obj, ok := paramsObject(raw, &issues)
	if !ok {
		return p, issues
	}
	rejectUnknownAt(obj, "params", &issues, "enabled")
	raw, present := obj["enabled"]
	if !present {
		addIssue(&issues, "params.enabled", "is required")
		return p, issues
	}
	if err := json.Unmarshal(raw, &p.Enabled); err != nil {
		addIssue(&issues, "params.enabled", "must be a boolean")
	}
	return p, issues
}

// RequireEmptyParams validates the parameter-free methods (health, status,
// system-presence): params must be absent or an empty object.
func RequireEmptyParams(raw json.RawMessage) []Issue {
	if len(raw) == 0 {
		return nil
	}
	var issues []Issue
	obj, ok := decodeObject(raw, "params", &issues)
	if !ok {
		return issues
	}
	rejectUnknownAt(obj, "params", &issues)
	return issues
}

func paramsObject(raw json.RawMessage, issues *[]Issue) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		addIssue(issues, "params", "is required")
		return nil, false
	}
	return decodeObject(raw, "params", issues)
}

func optionalBool(obj map[string]json.RawMessage, key, path string, issues *[]Issue) bool {
	raw, ok := obj[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		addIssue(issues, path, "must be a boolean")
		return false
	}
	return b
}
