package protocol

import (
	"strings"
	"time"
)

// EventKind tells which naming family an event type belongs to.
type EventKind int

const (
	EventKindLegacy EventKind = iota
	EventKindDomain
	EventKindLifecycle
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventKindLegacy:
		return "LEGACY"
	case EventKindDomain:
		return "DOMAIN"
	case EventKindLifecycle:
		return "LIFECYCLE"
	default:
		return "UNKNOWN"
	}
}

// Event is the canonical internal shape every envelope is normalized into
// before any other component looks at it.
type Event struct {
	// Type is the raw type as received, e.g. "domain.event.message_appended".
	Type string
	Kind EventKind
	// Name is Type without its family prefix, e.g. "message_appended".
	Name    string
	Payload map[string]any
	// Data is the untouched envelope data.
	Data map[string]any
}

// Normalize unwraps an envelope. If data.message is an object it becomes the
// payload, otherwise data itself is the payload.
func Normalize(env Envelope) Event {
	ev := Event{Type: env.Type, Name: env.Type, Data: env.Data}
	switch {
	case strings.HasPrefix(env.Type, DomainPrefix):
		ev.Kind = EventKindDomain
		ev.Name = strings.TrimPrefix(env.Type, DomainPrefix)
	case strings.HasPrefix(env.Type, LifecyclePrefix):
		ev.Kind = EventKindLifecycle
		ev.Name = strings.TrimPrefix(env.Type, LifecyclePrefix)
	default:
		ev.Kind = EventKindLegacy
	}

	data := env.Data
	if data == nil {
		data = map[string]any{}
	}
	ev.Data = data
	if inner, ok := data["message"].(map[string]any); ok {
		ev.Payload = inner
	} else {
		ev.Payload = data
	}
	return ev
}

// IsMessage reports whether the event carries a chat message.
func (e Event) IsMessage() bool {
	switch e.Kind {
	case EventKindLegacy:
		return e.Name == TypeMessage
	case EventKindDomain:
		switch e.Name {
		case DomainMessageAppended, DomainMessageUpdated, DomainMessageDeleted:
			return true
		}
	}
	return false
}

// ChatMessage is a server-side chat message as found in message-class payloads.
type ChatMessage struct {
	ID             string
	TempID         string
	ConversationID string
	Content        string
	SenderType     string
	Timestamp      time.Time
}

// ParseChatMessage extracts a ChatMessage from a normalized payload.
// The boolean is false when the payload has neither an id nor content.
func ParseChatMessage(payload map[string]any) (ChatMessage, bool) {
	msg := ChatMessage{
		ID:             String(payload, "id"),
		TempID:         String(payload, "temp_id"),
		ConversationID: String(payload, "conversation_id"),
		Content:        String(payload, "content"),
		SenderType:     String(payload, "sender_type"),
	}
	if msg.ID == "" {
		msg.ID = String(payload, "message_id")
	}
	for _, key := range []string{"timestamp", "sent_at", "created_at"} {
		if ts, ok := parseTime(payload[key]); ok {
			msg.Timestamp = ts
			break
		}
	}
	if msg.ID == "" && msg.TempID == "" && msg.Content == "" {
		return msg, false
	}
	return msg, true
}

// parseTime accepts epoch milliseconds (number or numeric string) and RFC 3339.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), t > 0
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if ms, ok := Number(map[string]any{"v": t}, "v"); ok && ms > 0 {
			return time.UnixMilli(int64(ms)), true
		}
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// PingData builds the data of a heartbeat ping.
func PingData(seq uint64, sentAt time.Time) map[string]any {
	return map[string]any{
		"seq":       int64(seq),
		"timestamp": sentAt.UnixMilli(),
	}
}

// SendMessageData builds the data of an outbound text message.
func SendMessageData(tempID, conversationID, content string, createdAt time.Time) map[string]any {
	return map[string]any{
		"temp_id":         tempID,
		"conversation_id": conversationID,
		"content":         content,
		"message_type":    "text",
		"client_ts":       createdAt.UnixMilli(),
	}
}
