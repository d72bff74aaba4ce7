// ABOUTME: Tests for the SQLite event journal
// ABOUTME: Covers recording, per-session retrieval ordering, and session listing

package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

func setupTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func stageEvent(sessionID, execID string, ts int64) *event.StageEvent {
	return &event.StageEvent{
		Meta:             event.Meta{Type: event.TypeStageStarted, TimestampUs: ts},
		SessionID:        sessionID,
		StageExecutionID: execID,
		StageName:        "triage",
	}
}

func TestJournal_RecordAndRetrieve(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	ev := stageEvent("s-1", "e-1", 100)
	require.NoError(t, j.Record(ctx, "s-1", ev))

	entries, err := j.Events(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "s-1", entry.SessionID)
	assert.Equal(t, event.TypeStageStarted, entry.Type)
	assert.Equal(t, int64(100), entry.TimestampUs)
	assert.Equal(t, event.Fingerprint(ev), entry.Fingerprint)
	assert.False(t, entry.RecordedAt.IsZero())

	// The payload must round-trip back into the same decoded event.
	decoded, err := event.Decode(entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestJournal_EventsOrderedByTimestamp(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	// Insert out of timestamp order, as an out-of-order stream would.
	require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e-3", 300)))
	require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e-1", 100)))
	require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e-2", 200)))

	entries, err := j.Events(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(100), entries[0].TimestampUs)
	assert.Equal(t, int64(200), entries[1].TimestampUs)
	assert.Equal(t, int64(300), entries[2].TimestampUs)
}

func TestJournal_EventsScopedToSession(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e-1", 100)))
	require.NoError(t, j.Record(ctx, "s-2", stageEvent("s-2", "e-2", 200)))

	entries, err := j.Events(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s-1", entries[0].SessionID)
}

func TestJournal_EventsLimitCapped(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e", int64(i))))
	}

	entries, err := j.Events(ctx, "s-1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestJournal_SessionsListed(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "s-1", stageEvent("s-1", "e-1", 100)))
	require.NoError(t, j.Record(ctx, "s-2", stageEvent("s-2", "e-2", 200)))

	ids, err := j.Sessions(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s-1", "s-2"}, ids)
}

func TestJournal_EmptySession(t *testing.T) {
	j := setupTestJournal(t)

	entries, err := j.Events(context.Background(), "nope", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournal_PayloadIsValidJSON(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, "s-1", &event.SessionEvent{
		Meta:          event.Meta{Type: event.TypeSessionCompleted, TimestampUs: 100},
		SessionID:     "s-1",
		FinalAnalysis: "resolved",
	}))

	entries, err := j.Events(ctx, "s-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, json.Valid(entries[0].Payload))
}
