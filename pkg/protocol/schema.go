package protocol

import "encoding/json"

// SchemaID is the $id of the emitted schema document.
const SchemaID = "https://clawdis.dev/schemas/gateway-frames.json"

// obj/arr are local shorthands for building schema documents.
type obj = map[string]any
type arr = []any

// FrameSchema builds the Draft-07 JSON Schema document describing the frame
// protocol as a discriminated union keyed on "type". The document is a
// build-time artifact consumed by foreign-language code generators; it is not
// used on the runtime hot path.
func FrameSchema() map[string]any {
	return obj{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"$id":         SchemaID,
		"title":       "Clawdis Gateway Frame Protocol",
		"description": "Discriminated union of every frame exchanged over the gateway WebSocket.",
		"oneOf": arr{
			ref("Hello"), ref("HelloOk"), ref("HelloError"),
			ref("Request"), ref("Response"), ref("Event"),
		},
		"discriminator": obj{
			"propertyName": "type",
			"mapping": obj{
				TypeHello:      defPath("Hello"),
				TypeHelloOk:    defPath("HelloOk"),
				TypeHelloError: defPath("HelloError"),
				TypeRequest:    defPath("Request"),
				TypeResponse:   defPath("Response"),
				TypeEvent:      defPath("Event"),
			},
		},
		"definitions": obj{
			"Hello":         helloSchema(),
			"HelloOk":       helloOkSchema(),
			"HelloError":    helloErrorSchema(),
			"Request":       requestSchema(),
			"Response":      responseSchema(),
			"Event":         eventSchema(),
			"ClientInfo":    clientInfoSchema(),
			"AuthInfo":      strictObject(obj{"token": str(0)}, nil),
			"ServerInfo":    serverInfoSchema(),
			"Features":      featuresSchema(),
			"Policy":        policySchema(),
			"StateVersion":  stateVersionSchema(),
			"Snapshot":      snapshotSchema(),
			"PresenceEntry": presenceEntrySchema(),
			"ErrorShape":    errorShapeSchema(),
		},
	}
}

// EncodeFrameSchema renders the schema document as indented JSON.
func EncodeFrameSchema() ([]byte, error) {
	return json.MarshalIndent(FrameSchema(), "", "  ")
}

func ref(name string) obj        { return obj{"$ref": defPath(name)} }
func defPath(name string) string { return "#/definitions/" + name }
func constant(v string) obj      { return obj{"const": v} }
func nonNegInt() obj             { return obj{"type": "integer", "minimum": 0} }
func boolean() obj               { return obj{"type": "boolean"} }
func strArray() obj              { return obj{"type": "array", "items": str(0)} }

func str(minLen int) obj {
	s := obj{"type": "string"}
	if minLen > 0 {
		s["minLength"] = minLen
	}
	return s
}

func enum(values ...string) obj {
	vs := make(arr, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return obj{"type": "string", "enum": vs}
}

func strictObject(properties obj, required []string) obj {
	s := obj{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make(arr, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func helloSchema() obj {
	return strictObject(obj{
		"type":        constant(TypeHello),
		"minProtocol": nonNegInt(),
		"maxProtocol": nonNegInt(),
		"client":      ref("ClientInfo"),
		"caps":        strArray(),
		"auth":        ref("AuthInfo"),
	}, []string{"type", "minProtocol", "maxProtocol", "client"})
}

func helloOkSchema() obj {
	return strictObject(obj{
		"type":     constant(TypeHelloOk),
		"protocol": nonNegInt(),
		"server":   ref("ServerInfo"),
		"features": ref("Features"),
		"snapshot": ref("Snapshot"),
		"policy":   ref("Policy"),
	}, []string{"type", "protocol", "server", "policy"})
}

func helloErrorSchema() obj {
	return strictObject(obj{
		"type":             constant(TypeHelloError),
		"reason":           str(1),
		"expectedProtocol": nonNegInt(),
	}, []string{"type", "reason"})
}

func requestSchema() obj {
	return strictObject(obj{
		"type":   constant(TypeRequest),
		"id":     str(1),
		"method": enum(Methods()...),
		"params": obj{"type": "object"},
	}, []string{"type", "id", "method"})
}

func responseSchema() obj {
	return strictObject(obj{
		"type":    constant(TypeResponse),
		"id":      str(1),
		"ok":      boolean(),
		"payload": obj{},
		"error":   ref("ErrorShape"),
	}, []string{"type", "id", "ok"})
}

func eventSchema() obj {
	return strictObject(obj{
		"type":         constant(TypeEvent),
		"event":        enum(Events()...),
		"payload":      obj{},
		"seq":          nonNegInt(),
		"stateVersion": ref("StateVersion"),
	}, []string{"type", "event"})
}

func clientInfoSchema() obj {
	return strictObject(obj{
		"name":       str(1),
		"version":    str(1),
		"platform":   str(1),
		"mode":       str(1),
		"instanceId": str(1),
	}, []string{"name", "version", "platform", "mode"})
}

func serverInfoSchema() obj {
	return strictObject(obj{
		"version": str(1),
		"commit":  str(1),
		"host":    str(1),
		"connId":  str(1),
	}, []string{"version", "connId"})
}

func featuresSchema() obj {
	return strictObject(obj{
		"methods": strArray(),
		"events":  strArray(),
	}, []string{"methods", "events"})
}

func policySchema() obj {
	return strictObject(obj{
		"maxPayload":       nonNegInt(),
		"maxBufferedBytes": nonNegInt(),
		"tickIntervalMs":   nonNegInt(),
	}, []string{"maxPayload", "maxBufferedBytes", "tickIntervalMs"})
}

func stateVersionSchema() obj {
	return strictObject(obj{
		"presence": nonNegInt(),
		"health":   nonNegInt(),
	}, []string{"presence", "health"})
}

func snapshotSchema() obj {
	return strictObject(obj{
		"presence":     obj{"type": "array", "items": ref("PresenceEntry")},
		"health":       obj{},
		"stateVersion": ref("StateVersion"),
		"uptimeMs":     nonNegInt(),
	}, []string{"presence", "stateVersion", "uptimeMs"})
}

func presenceEntrySchema() obj {
	return strictObject(obj{
		"host":             str(0),
		"ip":               str(0),
		"version":          str(0),
		"mode":             str(0),
		"lastInputSeconds": nonNegInt(),
		"reason":           str(0),
		"tags":             strArray(),
		"text":             str(0),
		"ts":               nonNegInt(),
		"instanceId":       str(0),
	}, []string{"ts"})
}

func errorShapeSchema() obj {
	return strictObject(obj{
		"code":         enum(ErrorInvalidRequest, ErrorUnavailable, ErrorAgentTimeout, ErrorNotLinked),
		"message":      str(1),
		"details":      obj{},
		"retryable":    boolean(),
		"retryAfterMs": nonNegInt(),
	}, []string{"code", "message"})
}
