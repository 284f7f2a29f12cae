package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Event types spoken on the wire.
const (
	TypePing               = "ping"
	TypePong               = "pong"
	TypeSendMessage        = "send_message"
	TypeMessage            = "message"
	TypeTyping             = "typing"
	TypeConversationUpdate = "conversation_update"
	TypeWelcome            = "system.welcome"

	DomainPrefix = "domain.event."

	DomainMessageAppended     = "message_appended"
	DomainMessageUpdated      = "message_updated"
	DomainMessageDeleted      = "message_deleted"
	DomainConversationCreated = "conversation_created"
	DomainConversationUpdated = "conversation_updated"
)

// Lifecycle event types. These never travel over the wire; the connection
// manager synthesizes them so that they flow through the same router as
// server frames.
const (
	LifecyclePrefix = "ws."

	TypeOpen             = "ws.open"
	TypeClose            = "ws.close"
	TypeReconnectAttempt = "ws.reconnect_attempt"
	TypeReconnectSuccess = "ws.reconnect_success"
	TypeReconnectFail    = "ws.reconnect_fail"
	TypeError            = "ws.error"
	TypeHeartbeatSent    = "ws.heartbeat_sent"
	TypeHeartbeatAck     = "ws.heartbeat_ack"
	TypeHeartbeatLost    = "ws.heartbeat_lost"
	TypeAdaptiveChange   = "ws.adaptive_change"
)

// Envelope is a single frame: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string
	Data map[string]any
}

// NewEnvelope builds an envelope, never leaving Data nil.
func NewEnvelope(typ string, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{Type: typ, Data: data}
}

// Encode encodes the envelope into a JSON frame using protobuf's Struct
// representation.
func (e *Envelope) Encode() ([]byte, error) {
	pbEnv, err := e.toProto()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	data, err := protojson.Marshal(pbEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode decodes a JSON frame into the envelope.
func (e *Envelope) Decode(data []byte) error {
	pbEnv := &structpb.Struct{}
	if err := protojson.Unmarshal(data, pbEnv); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e.fromProto(pbEnv)
}

// toProto converts the Envelope to a protobuf Struct.
// Values must be JSON-compatible (see structpb.NewValue).
func (e *Envelope) toProto() (*structpb.Struct, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"type": e.Type,
		"data": data,
	})
}

// fromProto populates the Envelope from a protobuf Struct.
// A frame without a string type is rejected; a non-object data field is
// kept under the "value" key so that nothing is silently lost.
func (e *Envelope) fromProto(pbEnv *structpb.Struct) error {
	raw := pbEnv.AsMap()
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return fmt.Errorf("failed to decode envelope: missing type")
	}
	e.Type = typ
	switch d := raw["data"].(type) {
	case map[string]any:
		e.Data = d
	case nil:
		e.Data = map[string]any{}
	default:
		e.Data = map[string]any{"value": d}
	}
	return nil
}

// String reads a string-ish field. Numbers are formatted without exponent so
// that numeric server ids compare equal to their string form.
func String(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Number reads a numeric field, accepting numeric strings.
func Number(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
