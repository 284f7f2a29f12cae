package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatlink/pkg/protocol"
)

func TestEnvelope_Decode(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{
			name:     "decode legacy message",
			data:     `{"type":"message","data":{"id":42,"content":"hello","conversation_id":"c1"}}`,
			wantType: "message",
		},
		{
			name:     "decode domain event",
			data:     `{"type":"domain.event.message_appended","data":{"message":{"id":"m1"}}}`,
			wantType: "domain.event.message_appended",
		},
		{
			name:    "reject invalid json",
			data:    `{"type":`,
			wantErr: true,
		},
		{
			name:    "reject non-object frame",
			data:    `[1,2,3]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env protocol.Envelope
			err := env.Decode([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)
		})
	}
}

func TestEnvelope_EncodeKeepsFields(t *testing.T) {
	original := protocol.NewEnvelope(protocol.TypeSendMessage, map[string]any{
		"temp_id":         "tmp_1",
		"conversation_id": "c1",
		"content":         "hello",
	})

	encoded, err := original.Encode()
	require.NoError(t, err)

	var decoded protocol.Envelope
	require.NoError(t, decoded.Decode(encoded))

	assert.Equal(t, protocol.TypeSendMessage, decoded.Type)
	assert.Equal(t, "tmp_1", protocol.String(decoded.Data, "temp_id"))
	assert.Equal(t, "hello", protocol.String(decoded.Data, "content"))
}

func TestString(t *testing.T) {
	m := map[string]any{"s": "abc", "f": float64(42), "big": float64(1700000000123), "b": true, "nested": map[string]any{}}

	assert.Equal(t, "abc", protocol.String(m, "s"))
	assert.Equal(t, "42", protocol.String(m, "f"))
	assert.Equal(t, "1700000000123", protocol.String(m, "big"))
	assert.Equal(t, "true", protocol.String(m, "b"))
	assert.Equal(t, "", protocol.String(m, "nested"))
	assert.Equal(t, "", protocol.String(m, "missing"))
}
