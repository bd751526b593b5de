package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Issue is a single validation problem located by a dotted path.
type Issue struct {
	Path    string
	Message string
}

// FormatIssues renders issues into one deterministic, semicolon-joined string
// safe for hello-error reasons and INVALID_REQUEST messages.
func FormatIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		if is.Path == "" {
			parts = append(parts, is.Message)
			continue
		}
		parts = append(parts, is.Path+": "+is.Message)
	}
	return strings.Join(parts, "; ")
}

func addIssue(issues *[]Issue, path, format string, args ...any) {
	*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// DecodeFrame parses and strictly validates a single wire frame. On success
// the returned Frame is one of the concrete frame structs; on failure the
// frame is nil and issues holds every accumulated problem.
func DecodeFrame(data []byte) (Frame, []Issue) {
	var issues []Issue

	if !utf8.Valid(data) {
		addIssue(&issues, "", "frame is not valid UTF-8")
		return nil, issues
	}

	obj, ok := decodeObject(data, "", &issues)
	if !ok {
		return nil, issues
	}

	typ := requireString(obj, "type", "type", 1, &issues)
	if typ == "" {
		return nil, issues
	}

	var frame Frame
	switch typ {
	case TypeHello:
		frame = decodeHello(obj, &issues)
	case TypeHelloOk:
		frame = decodeHelloOk(obj, &issues)
	case TypeHelloError:
		frame = decodeHelloError(obj, &issues)
	case TypeRequest:
		frame = decodeRequest(obj, &issues)
	case TypeResponse:
		frame = decodeResponse(obj, &issues)
	case TypeEvent:
		frame = decodeEvent(obj, &issues)
	default:
		addIssue(&issues, "type", "unknown frame type %q", typ)
		return nil, issues
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return frame, nil
}

// ExtractRequestID best-effort pulls the id member out of a malformed frame
// so an INVALID_REQUEST response can still be correlated. Returns "" when no
// string id is extractable.
func ExtractRequestID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}

func decodeHello(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "minProtocol", "maxProtocol", "client", "caps", "auth")

	f := HelloFrame{Type: TypeHello}
	f.MinProtocol = requireNonNegInt(obj, "minProtocol", issues)
	f.MaxProtocol = requireNonNegInt(obj, "maxProtocol", issues)
	if f.MaxProtocol < f.MinProtocol {
		addIssue(issues, "maxProtocol", "must be >= minProtocol")
	}

	clientRaw, ok := obj["client"]
	if !ok {
		addIssue(issues, "client", "is required")
	} else if clientObj, objOK := decodeObject(clientRaw, "client", issues); objOK {
		rejectUnknownAt(clientObj, "client", issues,
			"name", "version", "platform", "mode", "instanceId")
		f.Client.Name = requireString(clientObj, "name", "client.name", 1, issues)
		f.Client.Version = requireString(clientObj, "version", "client.version", 1, issues)
		f.Client.Platform = requireString(clientObj, "platform", "client.platform", 1, issues)
		f.Client.Mode = requireString(clientObj, "mode", "client.mode", 1, issues)
		f.Client.InstanceID = optionalString(clientObj, "instanceId", "client.instanceId", issues)
	}

	if capsRaw, ok := obj["caps"]; ok {
		if err := json.Unmarshal(capsRaw, &f.Caps); err != nil {
			addIssue(issues, "caps", "must be an array of strings")
		}
	}

	if authRaw, ok := obj["auth"]; ok {
		if authObj, objOK := decodeObject(authRaw, "auth", issues); objOK {
			rejectUnknownAt(authObj, "auth", issues, "token")
			f.Auth = &AuthInfo{Token: optionalString(authObj, "token", "auth.token", issues)}
		}
	}
	return f
}

func decodeHelloOk(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "protocol", "server", "features", "snapshot", "policy")

	f := HelloOkFrame{Type: TypeHelloOk}
	f.Protocol = requireNonNegInt(obj, "protocol", issues)
	if raw, ok := obj["server"]; ok {
		if err := json.Unmarshal(raw, &f.Server); err != nil {
			addIssue(issues, "server", "must be an object")
		}
	} else {
		addIssue(issues, "server", "is required")
	}
	if raw, ok := obj["features"]; ok {
		if err := json.Unmarshal(raw, &f.Features); err != nil {
			addIssue(issues, "features", "must be an object")
		}
	}
	if raw, ok := obj["snapshot"]; ok {
		if err := json.Unmarshal(raw, &f.Snapshot); err != nil {
			addIssue(issues, "snapshot", "must be an object")
		}
	}
	if raw, ok := obj["policy"]; ok {
		if err := json.Unmarshal(raw, &f.Policy); err != nil {
			addIssue(issues, "policy", "must be an object")
		}
	}
	return f
}

func decodeHelloError(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "reason", "expectedProtocol")

	f := HelloErrorFrame{Type: TypeHelloError}
	f.Reason = requireString(obj, "reason", "reason", 1, issues)
	if _, ok := obj["expectedProtocol"]; ok {
		f.ExpectedProtocol = requireNonNegInt(obj, "expectedProtocol", issues)
	}
	return f
}

func decodeRequest(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "id", "method", "params")

	f := RequestFrame{Type: TypeRequest}
	f.ID = requireString(obj, "id", "id", 1, issues)
	f.Method = requireString(obj, "method", "method", 1, issues)
	if raw, ok := obj["params"]; ok {
		if _, objOK := decodeObject(raw, "params", issues); objOK {
			f.Params = raw
		}
	}
	return f
}

func decodeResponse(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "id", "ok", "payload", "error")

	f := ResponseFrame{Type: TypeResponse}
	f.ID = requireString(obj, "id", "id", 1, issues)
	okRaw, present := obj["ok"]
	if !present {
		addIssue(issues, "ok", "is required")
	} else if err := json.Unmarshal(okRaw, &f.OK); err != nil {
		addIssue(issues, "ok", "must be a boolean")
	}
	if raw, ok := obj["payload"]; ok {
		if err := json.Unmarshal(raw, &f.Payload); err != nil {
			addIssue(issues, "payload", "must be valid JSON")
		}
	}
	if raw, ok := obj["error"]; ok {
		var shape ErrorShape
		if err := json.Unmarshal(raw, &shape); err != nil {
			addIssue(issues, "error", "must be an object")
		} else {
			if shape.Code == "" {
				addIssue(issues, "error.code", "is required")
			}
			if shape.RetryAfterMs < 0 {
				addIssue(issues, "error.retryAfterMs", "must be >= 0")
			}
			f.Error = &shape
		}
	}
	if f.Error != nil == f.OK {
		addIssue(issues, "error", "must be present exactly when ok is false")
	}
	return f
}

func decodeEvent(obj map[string]json.RawMessage, issues *[]Issue) Frame {
	rejectUnknown(obj, issues, "type", "event", "payload", "seq", "stateVersion")

	f := EventFrame{Type: TypeEvent}
	f.Event = requireString(obj, "event", "event", 1, issues)
	if raw, ok := obj["payload"]; ok {
		if err := json.Unmarshal(raw, &f.Payload); err != nil {
			addIssue(issues, "payload", "must be valid JSON")
		}
	}
	if _, ok := obj["seq"]; ok {
		f.Seq = int64(requireNonNegInt(obj, "seq", issues))
	}
	if raw, ok := obj["stateVersion"]; ok {
		var sv StateVersion
		if err := json.Unmarshal(raw, &sv); err != nil {
			addIssue(issues, "stateVersion", "must be an object")
		} else {
			if sv.Presence < 0 {
				addIssue(issues, "stateVersion.presence", "must be >= 0")
			}
			if sv.Health < 0 {
				addIssue(issues, "stateVersion.health", "must be >= 0")
			}
			f.StateVersion = &sv
		}
	}
	return f
}

// decodeObject unmarshals raw into a key→value map, recording an issue when
// raw is not a JSON object.
func decodeObject(raw []byte, path string, issues *[]Issue) (map[string]json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		if path == "" {
			addIssue(issues, "", "not a JSON object")
		} else {
			addIssue(issues, path, "must be an object")
		}
		return nil, false
	}
	return obj, true
}

func rejectUnknown(obj map[string]json.RawMessage, issues *[]Issue, allowed ...string) {
	rejectUnknownAt(obj, "", issues, allowed...)
}

func rejectUnknownAt(obj map[string]json.RawMessage, prefix string, issues *[]Issue, allowed ...string) {
	// Sorted iteration keeps the formatted error string deterministic.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
outer:
	for _, k := range keys {
		for _, a := range allowed {
			if k == a {
				continue outer
			}
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		addIssue(issues, path, "unknown member")
	}
}

func requireString(obj map[string]json.RawMessage, key, path string, minLen int, issues *[]Issue) string {
	raw, ok := obj[key]
	if !ok {
		addIssue(issues, path, "is required")
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		addIssue(issues, path, "must be a string")
		return ""
	}
	if len(s) < minLen {
		addIssue(issues, path, "must not be empty")
		return ""
	}
	return s
}

func optionalString(obj map[string]json.RawMessage, key, path string, issues *[]Issue) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		addIssue(issues, path, "must be a string")
		return ""
	}
	return s
}

func requireNonNegInt(obj map[string]json.RawMessage, key string, issues *[]Issue) int {
	raw, ok := obj[key]
	if !ok {
		addIssue(issues, key, "is required")
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		addIssue(issues, key, "must be an integer")
		return 0
	}
	if n < 0 {
		addIssue(issues, key, "must be >= 0")
		return 0
	}
	return int(n)
}
