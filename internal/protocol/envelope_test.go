// ABOUTME: Tests for envelope encoding, decoding, and structural validation
// ABOUTME: Covers all three kinds plus malformed input handling

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Request(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"request","id":"r1","method":"ping","payload":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, "r1", env.ID)
	assert.Equal(t, "ping", env.Method)
}

func TestDecode_Event(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"event","topic":"message","seq":7,"payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, KindEvent, env.Kind)
	assert.Equal(t, "message", env.Topic)
	assert.Equal(t, uint64(7), env.Seq)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown kind", `{"kind":"bogus"}`},
		{"request without id", `{"kind":"request","method":"ping"}`},
		{"request without method", `{"kind":"request","id":"r1"}`},
		{"response without id", `{"kind":"response"}`},
		{"event without topic", `{"kind":"event","seq":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRoundTrip_Response(t *testing.T) {
	env, err := NewResponse("r42", SendResponse{SessionKey: "abc", AgentID: "assistant"})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, KindResponse, decoded.Kind)
	assert.Equal(t, "r42", decoded.ID)

	var payload SendResponse
	require.NoError(t, DecodePayload(decoded, &payload))
	assert.Equal(t, "assistant", payload.AgentID)
}

func TestNewErrorResponse(t *testing.T) {
	env := NewErrorResponse("r1", CodeUnrouted, "no binding for channel")
	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, CodeUnrouted, decoded.Error.Code)
	assert.Contains(t, decoded.Error.Error(), "no binding")
}

func TestDecodePayload_Empty(t *testing.T) {
	env := &Envelope{Kind: KindRequest, ID: "r1", Method: MethodAuth}
	var req AuthRequest
	assert.ErrorIs(t, DecodePayload(env, &req), ErrMalformed)
}

func TestEncode_ValidatesBeforeWrite(t *testing.T) {
	_, err := Encode(&Envelope{Kind: KindEvent})
	assert.ErrorIs(t, err, ErrMalformed)
}
