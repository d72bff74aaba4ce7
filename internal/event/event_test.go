// ABOUTME: Tests for wire event decoding and identity helpers
// ABOUTME: Covers family mapping, unknown types, fingerprints, step labels

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_SessionCompleted(t *testing.T) {
	data := []byte(`{"type":"session.completed","timestamp_us":1700000000000001,"session_id":"s-1","status":"completed","final_analysis":"all good"}`)

	ev, err := Decode(data)
	require.NoError(t, err)

	se, ok := ev.(*SessionEvent)
	require.True(t, ok, "expected *SessionEvent, got %T", ev)
	assert.Equal(t, TypeSessionCompleted, se.EventType())
	assert.Equal(t, FamilySession, se.EventFamily())
	assert.Equal(t, int64(1700000000000001), se.TimestampUS())
	assert.Equal(t, "s-1", se.SessionID)
	assert.Equal(t, "all good", se.FinalAnalysis)
}

func TestDecode_StageStartedWithInlineMessage(t *testing.T) {
	data := []byte(`{
		"type":"stage.started",
		"timestamp_us":42,
		"session_id":"s-1",
		"chat_id":"c-1",
		"stage_execution_id":"e-1",
		"stage_name":"analysis",
		"chat_user_message":{"message_id":"m-1","content":"why?","author":"alice"}
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)

	st, ok := ev.(*StageEvent)
	require.True(t, ok)
	assert.Equal(t, "e-1", st.StageExecutionID)
	assert.Equal(t, "c-1", st.ChatID)
	require.NotNil(t, st.UserMessage)
	assert.Equal(t, "m-1", st.UserMessage.MessageID)
	assert.Equal(t, "alice", st.UserMessage.Author)
}

func TestDecode_FamilyMapping(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		family Family
	}{
		{"session", `{"type":"session.failed","timestamp_us":1}`, FamilySession},
		{"stage", `{"type":"stage.completed","timestamp_us":1}`, FamilyStage},
		{"llm", `{"type":"llm.started","timestamp_us":1}`, FamilyLLM},
		{"mcp", `{"type":"mcp.tool_call","timestamp_us":1}`, FamilyMCP},
		{"chat", `{"type":"chat.user_message","timestamp_us":1}`, FamilyChat},
		{"unknown", `{"type":"metrics.heartbeat","timestamp_us":1}`, FamilyIgnored},
		{"no dot", `{"type":"weird","timestamp_us":1}`, FamilyIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.family, ev.EventFamily())
		})
	}
}

func TestDecode_UnknownTypeIsIgnoredNotDropped(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"telemetry.ping","timestamp_us":99}`))
	require.NoError(t, err)

	ig, ok := ev.(*IgnoredEvent)
	require.True(t, ok)
	assert.Equal(t, "telemetry.ping", ig.EventType())
	assert.Equal(t, int64(99), ig.TimestampUS())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"timestamp_us":1}`))
	assert.Error(t, err, "missing type field should be an error")
}

func TestFingerprint_StableAcrossRedelivery(t *testing.T) {
	data := []byte(`{"type":"chat.user_message","timestamp_us":5,"chat_id":"c-1","message_id":"m-1","content":"hi","author":"bob"}`)

	ev1, err := Decode(data)
	require.NoError(t, err)
	ev2, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(ev1), Fingerprint(ev2))
}

func TestFingerprint_DistinguishesEvents(t *testing.T) {
	a, err := Decode([]byte(`{"type":"stage.started","timestamp_us":1,"session_id":"s","stage_execution_id":"e-1"}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{"type":"stage.started","timestamp_us":1,"session_id":"s","stage_execution_id":"e-2"}`))
	require.NoError(t, err)

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestSessionChannel(t *testing.T) {
	assert.Equal(t, "session:abc-123", SessionChannel("abc-123"))
}

func TestStepLabel(t *testing.T) {
	st, err := Decode([]byte(`{"type":"stage.started","timestamp_us":1,"session_id":"s","stage_execution_id":"e","stage_name":"investigation"}`))
	require.NoError(t, err)
	assert.Equal(t, "Running investigation", StepLabel(st))

	llm, err := Decode([]byte(`{"type":"llm.started","timestamp_us":1,"session_id":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, "Thinking", StepLabel(llm))

	mcp, err := Decode([]byte(`{"type":"mcp.tool_call","timestamp_us":1,"session_id":"s","tool_name":"kubectl"}`))
	require.NoError(t, err)
	assert.Equal(t, "Calling tool kubectl", StepLabel(mcp))

	sess, err := Decode([]byte(`{"type":"session.completed","timestamp_us":1,"session_id":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, "", StepLabel(sess))
}
