// ABOUTME: Chat transcript reconciliation merging REST snapshots with live events
// ABOUTME: Keyed dedup, in-place upserts, optimistic sends with rollback

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/tarsy-console/internal/api"
	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

const (
	defaultSendingFallback = 30 * time.Second
	rehydrateTimeout       = 10 * time.Second
)

// EntryKind discriminates transcript entries.
type EntryKind int

const (
	EntryUserMessage EntryKind = iota
	EntryAssistantTurn
)

// Entry is one element of the merged transcript: either a user message
// (keyed by message id) or an assistant turn (keyed by execution id).
// Pending marks an optimistic placeholder awaiting server confirmation.
type Entry struct {
	Kind      EntryKind
	User      *api.ChatUserMessage
	Assistant *api.StageExecution
	Pending   bool
}

// Key returns the dedup key for the entry.
func (e *Entry) Key() string {
	if e.Kind == EntryUserMessage {
		return e.User.MessageID
	}
	return e.Assistant.ExecutionID
}

// sortKey is the microsecond timestamp used for the initial-load ordering.
func (e *Entry) sortKey() int64 {
	if e.Kind == EntryUserMessage {
		return e.User.CreatedAtUs
	}
	return e.Assistant.StartedAtUs
}

// ChatBackend is what the transcript needs from the REST layer.
type ChatBackend interface {
	GetChatMessages(ctx context.Context, chatID string) ([]api.ChatUserMessage, error)
	GetSessionDetail(ctx context.Context, sessionID string) (*api.SessionDetail, error)
	SendChatMessage(ctx context.Context, chatID, content, author string) (*api.ChatUserMessage, error)
}

// Transcript owns the merged view of one chat: user messages and assistant
// turns reconciled from REST snapshots and live channel events.
//
// Dedup invariant: at most one entry per key; later updates replace in
// place, preserving the original sequence position.
type Transcript struct {
	mu      sync.Mutex
	backend ChatBackend
	logger  *slog.Logger

	sessionID string
	chatID    string
	token     string // context identity for async continuations

	entries []*Entry
	index   map[string]int // key -> position in entries

	typing  bool
	sending bool

	sendingFallback time.Duration
	sendingTimer    *time.Timer

	onChange func()
}

// NewTranscript creates the transcript for one session/chat pair. Pass nil
// logger for default.
func NewTranscript(backend ChatBackend, sessionID, chatID string, logger *slog.Logger) *Transcript {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcript{
		backend:         backend,
		logger:          logger.With("component", "transcript", "chat_id", chatID),
		sessionID:       sessionID,
		chatID:          chatID,
		token:           uuid.New().String(),
		index:           make(map[string]int),
		sendingFallback: defaultSendingFallback,
	}
}

// SetSendingFallback overrides the bound on how long the sending flag stays
// set without corroborating stage activity. Intended for tests.
func (tr *Transcript) SetSendingFallback(d time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sendingFallback = d
}

// OnChange installs the observer notified after every visible mutation.
func (tr *Transcript) OnChange(fn func()) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.onChange = fn
}

// Load performs the initial snapshot fetch: chat messages plus the
// session's stage executions for this chat, merged into one sequence
// ordered by creation/start time ascending (ties keep input order).
func (tr *Transcript) Load(ctx context.Context) error {
	msgs, err := tr.backend.GetChatMessages(ctx, tr.chatID)
	if err != nil {
		return fmt.Errorf("loading chat messages: %w", err)
	}
	detail, err := tr.backend.GetSessionDetail(ctx, tr.sessionID)
	if err != nil {
		return fmt.Errorf("loading session detail: %w", err)
	}

	merged := make([]*Entry, 0, len(msgs)+len(detail.Stages))
	for i := range msgs {
		m := msgs[i]
		merged = append(merged, &Entry{Kind: EntryUserMessage, User: &m})
	}
	for i := range detail.Stages {
		st := detail.Stages[i]
		if st.ChatID != tr.chatID {
			continue
		}
		merged = append(merged, &Entry{Kind: EntryAssistantTurn, Assistant: &st})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].sortKey() < merged[j].sortKey()
	})

	tr.mu.Lock()
	tr.entries = tr.entries[:0]
	tr.index = make(map[string]int)
	for _, e := range merged {
		tr.appendLocked(e)
	}
	tr.mu.Unlock()

	tr.emit()
	return nil
}

// Apply folds one decoded live event into the transcript. Events for other
// chats are ignored.
func (tr *Transcript) Apply(ev event.Event) {
	switch e := ev.(type) {
	case *event.StageEvent:
		if e.ChatID != tr.chatID {
			return
		}
		tr.applyStage(e)
	case *event.ChatEvent:
		if e.ChatID != tr.chatID || e.Type != event.TypeChatUserMessage {
			return
		}
		tr.applyUserMessage(e)
	}
}

func (tr *Transcript) applyStage(e *event.StageEvent) {
	tr.mu.Lock()

	switch e.Type {
	case event.TypeStageStarted:
		// Server-side processing has begun: corroborates an in-flight send.
		tr.clearSendingLocked()
		tr.typing = true

		if e.UserMessage != nil {
			msg := &api.ChatUserMessage{
				MessageID:   e.UserMessage.MessageID,
				ChatID:      e.ChatID,
				Content:     e.UserMessage.Content,
				Author:      e.UserMessage.Author,
				CreatedAtUs: e.TimestampUs,
			}
			if msg.MessageID == "" {
				msg.MessageID = tempMessageID()
			}
			tr.reconcileUserLocked(msg)
		}

		// Partial assistant turn; completed/failed and REST hydration
		// update it in place later.
		tr.upsertAssistantLocked(&api.StageExecution{
			ExecutionID: e.StageExecutionID,
			StageName:   e.StageName,
			Status:      "started",
			StartedAtUs: e.TimestampUs,
			ChatID:      e.ChatID,
		})

	case event.TypeStageCompleted, event.TypeStageFailed:
		tr.typing = false
		tr.clearSendingLocked()

		status := "completed"
		if e.Type == event.TypeStageFailed {
			status = "failed"
		}
		tr.upsertAssistantLocked(&api.StageExecution{
			ExecutionID:   e.StageExecutionID,
			StageName:     e.StageName,
			Status:        status,
			CompletedAtUs: e.TimestampUs,
			ChatID:        e.ChatID,
			ErrorMessage:  e.ErrorMessage,
		})

		// Hydrate full interaction detail in the background; the live
		// event does not carry LLM/MCP payloads. Launched after the upsert
		// so the authoritative record normally lands last.
		go tr.rehydrate(tr.token)

	default:
		tr.mu.Unlock()
		return
	}
	tr.mu.Unlock()

	tr.emit()
}

func (tr *Transcript) applyUserMessage(e *event.ChatEvent) {
	tr.mu.Lock()
	tr.reconcileUserLocked(&api.ChatUserMessage{
		MessageID:   e.MessageID,
		ChatID:      e.ChatID,
		Content:     e.Content,
		Author:      e.Author,
		CreatedAtUs: e.TimestampUs,
	})
	tr.mu.Unlock()

	tr.emit()
}

// Send performs the optimistic write path: an immediate placeholder entry,
// the backend write, and either in-place confirmation or rollback.
func (tr *Transcript) Send(ctx context.Context, content, author string) error {
	tempID := tempMessageID()
	placeholder := &api.ChatUserMessage{
		MessageID:   tempID,
		ChatID:      tr.chatID,
		Content:     content,
		Author:      author,
		CreatedAtUs: time.Now().UnixMicro(),
	}

	tr.mu.Lock()
	tr.appendLocked(&Entry{Kind: EntryUserMessage, User: placeholder, Pending: true})
	tr.startSendingLocked()
	tr.mu.Unlock()
	tr.emit()

	confirmed, err := tr.backend.SendChatMessage(ctx, tr.chatID, content, author)
	if err != nil {
		// Roll back: no ghost optimistic message may remain visible.
		tr.mu.Lock()
		tr.removeLocked(tempID)
		tr.clearSendingLocked()
		tr.mu.Unlock()
		tr.emit()
		return err
	}

	tr.mu.Lock()
	if pos, ok := tr.index[tempID]; ok {
		if _, dup := tr.index[confirmed.MessageID]; dup {
			// A live event already delivered the confirmed record; the
			// placeholder is redundant.
			tr.removeLocked(tempID)
		} else {
			delete(tr.index, tempID)
			tr.entries[pos] = &Entry{Kind: EntryUserMessage, User: confirmed}
			tr.index[confirmed.MessageID] = pos
		}
	} else if _, dup := tr.index[confirmed.MessageID]; !dup {
		tr.appendLocked(&Entry{Kind: EntryUserMessage, User: confirmed})
	}
	tr.mu.Unlock()
	tr.emit()

	return nil
}

// Snapshot returns a copy of the merged sequence.
func (tr *Transcript) Snapshot() []Entry {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	out := make([]Entry, len(tr.entries))
	for i, e := range tr.entries {
		out[i] = *e
	}
	return out
}

// Typing reports whether an assistant turn is in flight.
func (tr *Transcript) Typing() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.typing
}

// Sending reports whether a user message write awaits corroboration.
func (tr *Transcript) Sending() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.sending
}

// Close cancels timers and detaches the context so in-flight async work
// resolves into no-ops.
func (tr *Transcript) Close() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.token = ""
	if tr.sendingTimer != nil {
		tr.sendingTimer.Stop()
		tr.sendingTimer = nil
	}
}

// rehydrate re-fetches the authoritative message list and stage detail to
// pick up interaction payloads the live event did not carry. Errors are
// logged and swallowed; a stale token discards the result.
func (tr *Transcript) rehydrate(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), rehydrateTimeout)
	defer cancel()

	msgs, err := tr.backend.GetChatMessages(ctx, tr.chatID)
	if err != nil {
		tr.logger.Warn("transcript rehydration failed", "error", err)
		return
	}
	detail, err := tr.backend.GetSessionDetail(ctx, tr.sessionID)
	if err != nil {
		tr.logger.Warn("transcript rehydration failed", "error", err)
		return
	}

	tr.mu.Lock()
	if token != tr.token {
		tr.logger.Debug("stale rehydration ignored")
		tr.mu.Unlock()
		return
	}
	for i := range msgs {
		m := msgs[i]
		tr.reconcileUserLocked(&m)
	}
	for i := range detail.Stages {
		st := detail.Stages[i]
		if st.ChatID != tr.chatID {
			continue
		}
		tr.upsertAssistantLocked(&st)
	}
	tr.mu.Unlock()

	tr.emit()
}

// reconcileUserLocked upserts a user message. An optimistic placeholder
// with matching content and author is confirmed in place rather than
// duplicated; an existing entry with the same id absorbs the newer record.
func (tr *Transcript) reconcileUserLocked(msg *api.ChatUserMessage) {
	if pos, ok := tr.index[msg.MessageID]; ok {
		tr.entries[pos] = &Entry{Kind: EntryUserMessage, User: msg}
		return
	}

	for pos, e := range tr.entries {
		if e.Kind == EntryUserMessage && e.Pending &&
			e.User.Content == msg.Content && e.User.Author == msg.Author {
			delete(tr.index, e.User.MessageID)
			tr.entries[pos] = &Entry{Kind: EntryUserMessage, User: msg}
			tr.index[msg.MessageID] = pos
			return
		}
	}

	tr.appendLocked(&Entry{Kind: EntryUserMessage, User: msg})
}

// upsertAssistantLocked updates an assistant turn in place, keeping its
// sequence position, or appends it when unseen. A fuller record (one that
// carries interaction payloads or a completion time) keeps fields the
// sparser update lacks.
func (tr *Transcript) upsertAssistantLocked(st *api.StageExecution) {
	pos, ok := tr.index[st.ExecutionID]
	if !ok {
		tr.appendLocked(&Entry{Kind: EntryAssistantTurn, Assistant: st})
		return
	}

	prev := tr.entries[pos].Assistant
	if prev != nil {
		if st.StartedAtUs == 0 {
			st.StartedAtUs = prev.StartedAtUs
		}
		if st.CompletedAtUs == 0 {
			st.CompletedAtUs = prev.CompletedAtUs
		}
		if len(st.LLMInteractions) == 0 {
			st.LLMInteractions = prev.LLMInteractions
		}
		if len(st.MCPCommunications) == 0 {
			st.MCPCommunications = prev.MCPCommunications
		}
		if st.ChatUserMessage == nil {
			st.ChatUserMessage = prev.ChatUserMessage
		}
	}
	tr.entries[pos] = &Entry{Kind: EntryAssistantTurn, Assistant: st}
}

func (tr *Transcript) appendLocked(e *Entry) {
	if _, ok := tr.index[e.Key()]; ok {
		return
	}
	tr.entries = append(tr.entries, e)
	tr.index[e.Key()] = len(tr.entries) - 1
}

// removeLocked deletes an entry by key and reindexes the tail.
func (tr *Transcript) removeLocked(key string) {
	pos, ok := tr.index[key]
	if !ok {
		return
	}
	delete(tr.index, key)
	tr.entries = append(tr.entries[:pos], tr.entries[pos+1:]...)
	for i := pos; i < len(tr.entries); i++ {
		tr.index[tr.entries[i].Key()] = i
	}
}

// startSendingLocked raises the sending flag with a bounded fallback: if no
// corroborating stage event arrives, the flag clears on its own.
func (tr *Transcript) startSendingLocked() {
	tr.sending = true
	if tr.sendingTimer != nil {
		tr.sendingTimer.Stop()
	}
	token := tr.token
	tr.sendingTimer = time.AfterFunc(tr.sendingFallback, func() {
		tr.mu.Lock()
		if token != tr.token || !tr.sending {
			tr.mu.Unlock()
			return
		}
		tr.sending = false
		tr.logger.Debug("sending flag cleared by fallback timeout")
		tr.mu.Unlock()
		tr.emit()
	})
}

func (tr *Transcript) clearSendingLocked() {
	tr.sending = false
	if tr.sendingTimer != nil {
		tr.sendingTimer.Stop()
		tr.sendingTimer = nil
	}
}

func (tr *Transcript) emit() {
	tr.mu.Lock()
	fn := tr.onChange
	tr.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// tempMessageID generates the id for an optimistic placeholder. The prefix
// makes placeholders recognizable in logs and debugging.
func tempMessageID() string {
	return "temp-" + strconv.FormatInt(time.Now().UnixMicro(), 10)
}
