// ABOUTME: Tests for chat transcript reconciliation
// ABOUTME: Snapshot merge ordering, keyed dedup, optimistic sends, typing flag

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-console/internal/api"
	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

// fakeBackend is an in-memory ChatBackend with adjustable responses.
type fakeBackend struct {
	mu          sync.Mutex
	messages    []api.ChatUserMessage
	detail      *api.SessionDetail
	sendResult  *api.ChatUserMessage
	sendErr     error
	msgCalls    int
	detailCalls int
}

func (f *fakeBackend) GetChatMessages(ctx context.Context, chatID string) ([]api.ChatUserMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls++
	out := make([]api.ChatUserMessage, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeBackend) GetSessionDetail(ctx context.Context, sessionID string) (*api.SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	if f.detail == nil {
		return &api.SessionDetail{SessionID: sessionID}, nil
	}
	detail := *f.detail
	return &detail, nil
}

func (f *fakeBackend) SendChatMessage(ctx context.Context, chatID, content, author string) (*api.ChatUserMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendResult != nil {
		return f.sendResult, nil
	}
	return &api.ChatUserMessage{
		MessageID:   "m-confirmed",
		ChatID:      chatID,
		Content:     content,
		Author:      author,
		CreatedAtUs: 1000,
	}, nil
}

func keysOf(entries []Entry) []string {
	keys := make([]string, len(entries))
	for i := range entries {
		keys[i] = entries[i].Key()
	}
	return keys
}

func chatStage(typ, chatID, execID string, ts int64, msg *event.UserMessage) *event.StageEvent {
	return &event.StageEvent{
		Meta:             event.Meta{Type: typ, TimestampUs: ts},
		SessionID:        "s-1",
		ChatID:           chatID,
		StageExecutionID: execID,
		StageName:        "followup",
		UserMessage:      msg,
	}
}

func chatUserMessage(chatID, msgID, content, author string, ts int64) *event.ChatEvent {
	return &event.ChatEvent{
		Meta:      event.Meta{Type: event.TypeChatUserMessage, TimestampUs: ts},
		SessionID: "s-1",
		ChatID:    chatID,
		MessageID: msgID,
		Content:   content,
		Author:    author,
	}
}

func TestTranscript_LoadMergesByTimestamp(t *testing.T) {
	backend := &fakeBackend{
		messages: []api.ChatUserMessage{
			{MessageID: "m-1", ChatID: "c-1", Content: "first", Author: "alice", CreatedAtUs: 10},
			{MessageID: "m-2", ChatID: "c-1", Content: "second", Author: "alice", CreatedAtUs: 30},
		},
		detail: &api.SessionDetail{
			SessionID: "s-1",
			Stages: []api.StageExecution{
				{ExecutionID: "e-1", ChatID: "c-1", StageName: "followup", Status: "completed", StartedAtUs: 20},
				{ExecutionID: "e-other", ChatID: "c-99", StartedAtUs: 25},
			},
		},
	}

	tr := NewTranscript(backend, "s-1", "c-1", nil)
	require.NoError(t, tr.Load(context.Background()))

	assert.Equal(t, []string{"m-1", "e-1", "m-2"}, keysOf(tr.Snapshot()),
		"entries interleave by timestamp; other chats' stages are excluded")
}

func TestTranscript_StageLifecycleScenario(t *testing.T) {
	// stage.started(chat C) -> llm.started -> stage.completed(E1) yields
	// exactly one assistant entry with execution_id E1 and typing off.
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	tr.Apply(chatStage(event.TypeStageStarted, "c-1", "e-1", 10,
		&event.UserMessage{MessageID: "m-1", Content: "why?", Author: "alice"}))
	assert.True(t, tr.Typing())

	tr.Apply(&event.LLMEvent{Meta: event.Meta{Type: "llm.started", TimestampUs: 15}, SessionID: "s-1"})

	tr.Apply(chatStage(event.TypeStageCompleted, "c-1", "e-1", 20, nil))
	assert.False(t, tr.Typing())

	entries := tr.Snapshot()
	assert.Equal(t, []string{"m-1", "e-1"}, keysOf(entries))
	assistant := entries[1]
	assert.Equal(t, EntryAssistantTurn, assistant.Kind)
	assert.Equal(t, "completed", assistant.Assistant.Status)
	assert.Equal(t, int64(10), assistant.Assistant.StartedAtUs, "completion keeps the started timestamp")
}

func TestTranscript_CompletedUpsertsInPlace(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	tr.Apply(chatStage(event.TypeStageStarted, "c-1", "e-1", 10, nil))
	tr.Apply(chatUserMessage("c-1", "m-2", "more", "alice", 15))
	tr.Apply(chatStage(event.TypeStageFailed, "c-1", "e-1", 20, nil))

	entries := tr.Snapshot()
	require.Equal(t, []string{"e-1", "m-2"}, keysOf(entries), "update keeps original position")
	assert.Equal(t, "failed", entries[0].Assistant.Status)
}

func TestTranscript_UserMessageDedupAcrossSources(t *testing.T) {
	backend := &fakeBackend{
		messages: []api.ChatUserMessage{
			{MessageID: "m-1", ChatID: "c-1", Content: "hello", Author: "alice", CreatedAtUs: 10},
		},
	}
	tr := NewTranscript(backend, "s-1", "c-1", nil)
	require.NoError(t, tr.Load(context.Background()))

	// The live event for the same message id must not duplicate it.
	tr.Apply(chatUserMessage("c-1", "m-1", "hello", "alice", 10))
	tr.Apply(chatUserMessage("c-1", "m-1", "hello", "alice", 10))

	assert.Equal(t, []string{"m-1"}, keysOf(tr.Snapshot()))
}

func TestTranscript_RehydrationFillsInteractionDetail(t *testing.T) {
	backend := &fakeBackend{
		detail: &api.SessionDetail{
			SessionID: "s-1",
			Stages: []api.StageExecution{
				{
					ExecutionID: "e-1", ChatID: "c-1", StageName: "followup",
					Status: "completed", StartedAtUs: 10, CompletedAtUs: 20,
					LLMInteractions: []api.LLMInteraction{{Model: "gpt", Response: "because"}},
				},
			},
		},
	}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	tr.Apply(chatStage(event.TypeStageStarted, "c-1", "e-1", 10, nil))
	tr.Apply(chatStage(event.TypeStageCompleted, "c-1", "e-1", 20, nil))

	// The live event carries no payloads; the background re-fetch does.
	require.Eventually(t, func() bool {
		entries := tr.Snapshot()
		return len(entries) == 1 && len(entries[0].Assistant.LLMInteractions) == 1
	}, time.Second, 5*time.Millisecond)

	entries := tr.Snapshot()
	assert.Equal(t, "because", entries[0].Assistant.LLMInteractions[0].Response)
	assert.Equal(t, "completed", entries[0].Assistant.Status)
}

func TestTranscript_SendOptimisticThenConfirmed(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	var sawPending bool
	tr.OnChange(func() {
		for _, e := range tr.Snapshot() {
			if e.Pending {
				sawPending = true
			}
		}
	})

	require.NoError(t, tr.Send(context.Background(), "what now?", "bob"))

	assert.True(t, sawPending, "placeholder must be visible before confirmation")
	entries := tr.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "m-confirmed", entries[0].User.MessageID)
	assert.False(t, entries[0].Pending)
	assert.True(t, tr.Sending(), "sending holds until corroborating stage activity")
}

func TestTranscript_SendFailureRollsBack(t *testing.T) {
	backend := &fakeBackend{
		messages: []api.ChatUserMessage{
			{MessageID: "m-1", ChatID: "c-1", Content: "hello", Author: "alice", CreatedAtUs: 10},
		},
		sendErr: &api.SendError{StatusCode: 503, Message: "backend overloaded"},
	}
	tr := NewTranscript(backend, "s-1", "c-1", nil)
	require.NoError(t, tr.Load(context.Background()))
	before := keysOf(tr.Snapshot())

	err := tr.Send(context.Background(), "doomed", "bob")
	require.Error(t, err)

	se, ok := err.(*api.SendError)
	require.True(t, ok)
	assert.Equal(t, "backend overloaded", se.Message)

	assert.Equal(t, before, keysOf(tr.Snapshot()), "no ghost optimistic message may remain")
	assert.False(t, tr.Sending())
}

func TestTranscript_EventDeliveredBeforeConfirmationReconciles(t *testing.T) {
	// The confirmed record can arrive via the event stream before the HTTP
	// response resolves; the placeholder must collapse to one entry.
	backend := &fakeBackend{
		sendResult: &api.ChatUserMessage{
			MessageID: "m-real", ChatID: "c-1", Content: "hi", Author: "bob", CreatedAtUs: 50,
		},
	}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	done := make(chan error, 1)
	go func() { done <- tr.Send(context.Background(), "hi", "bob") }()

	// Race the event in; reconcileUser replaces the pending placeholder.
	require.Eventually(t, func() bool { return len(tr.Snapshot()) == 1 }, time.Second, time.Millisecond)
	tr.Apply(chatUserMessage("c-1", "m-real", "hi", "bob", 50))

	require.NoError(t, <-done)
	assert.Equal(t, []string{"m-real"}, keysOf(tr.Snapshot()))
}

func TestTranscript_SendingClearedByStageStart(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	require.NoError(t, tr.Send(context.Background(), "question", "bob"))
	require.True(t, tr.Sending())

	tr.Apply(chatStage(event.TypeStageStarted, "c-1", "e-1", 10, nil))
	assert.False(t, tr.Sending())
	assert.True(t, tr.Typing())
}

func TestTranscript_SendingClearedByFallbackTimeout(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)
	tr.SetSendingFallback(30 * time.Millisecond)

	require.NoError(t, tr.Send(context.Background(), "question", "bob"))
	require.True(t, tr.Sending())

	require.Eventually(t, func() bool { return !tr.Sending() }, time.Second, 5*time.Millisecond)
}

func TestTranscript_StageEventsForOtherChatsIgnored(t *testing.T) {
	backend := &fakeBackend{}
	tr := NewTranscript(backend, "s-1", "c-1", nil)

	tr.Apply(chatStage(event.TypeStageStarted, "c-99", "e-1", 10, nil))
	assert.False(t, tr.Typing())
	assert.Empty(t, tr.Snapshot())
}
