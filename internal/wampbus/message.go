// Package wampbus is the conductor's connection to the WAMP broker: the wire
// message codec, the Bus abstraction used by the dispatcher and workflows,
// and the nexus-backed client with automatic reconnection.
package wampbus

import (
	"encoding/json"
	"fmt"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/smartmeio/stack4things-openstack-iotronic/internal/model"
)

// Message is the envelope exchanged with devices and agents. Every RPC
// response and every notify_result payload carries one.
type Message struct {
	Result      model.ResultValue `json:"result"`
	Message     any               `json:"message"`
	RequestUUID string            `json:"req_id,omitempty"`
}

// Success wraps a payload in a SUCCESS envelope.
func Success(payload any) Message {
	return Message{Result: model.ResultSuccess, Message: payload}
}

// Warning wraps a payload in a WARNING envelope.
func Warning(payload any) Message {
	return Message{Result: model.ResultWarning, Message: payload}
}

// Error wraps an error text in an ERROR envelope.
func Error(msg string) Message {
	return Message{Result: model.ResultError, Message: msg}
}

// Running signals that the device accepted the call and will notify later.
func Running(requestUUID string) Message {
	return Message{Result: model.ResultRunning, RequestUUID: requestUUID}
}

// Text renders the payload for storage in a Result row.
func (m Message) Text() string {
	switch v := m.Message.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Decode parses a message out of whatever shape the broker delivered:
// an already-decoded map, a JSON string, or raw JSON bytes. Devices running
// different Lightning-rod versions serialize the envelope differently.
func Decode(v any) (Message, error) {
	switch val := v.(type) {
	case Message:
		return val, nil
	case map[string]any:
		return decodeMap(val)
	case wamp.Dict:
		return decodeMap(map[string]any(val))
	case string:
		return decodeJSON([]byte(val))
	case []byte:
		return decodeJSON(val)
	default:
		return Message{}, fmt.Errorf("wamp message: unsupported payload type %T", v)
	}
}

// Dict normalizes the dictionary shapes the broker delivers into a plain
// map. Nexus hands dictionaries over as wamp.Dict, nested ones included;
// older devices serialize them as JSON text instead. Returns nil for
// anything that is not a dictionary.
func Dict(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case wamp.Dict:
		return map[string]any(val)
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(val), &m); err == nil {
			return m
		}
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(val, &m); err == nil {
			return m
		}
	}
	return nil
}

func decodeJSON(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wamp message: %w", err)
	}
	return validate(m)
}

func decodeMap(val map[string]any) (Message, error) {
	var m Message
	if r, ok := val["result"].(string); ok {
		m.Result = model.ResultValue(r)
	}
	m.Message = val["message"]
	if id, ok := val["req_id"].(string); ok {
		m.RequestUUID = id
	}
	return validate(m)
}

func validate(m Message) (Message, error) {
	switch m.Result {
	case model.ResultRunning, model.ResultSuccess, model.ResultWarning, model.ResultError:
		return m, nil
	default:
		return Message{}, fmt.Errorf("wamp message: unknown result %q", m.Result)
	}
}
