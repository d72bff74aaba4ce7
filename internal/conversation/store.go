// ABOUTME: Session store binding one event channel to status and transcript state
// ABOUTME: Suppresses at-least-once redeliveries and manages chat attachment

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/tarsy-console/internal/api"
	"github.com/codeready-toolchain/tarsy-console/internal/dedupe"
	"github.com/codeready-toolchain/tarsy-console/internal/event"
	"github.com/codeready-toolchain/tarsy-console/internal/stream"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 4096
)

// Backend is the full REST surface the store consumes.
type Backend interface {
	ChatBackend
	CheckChatAvailable(ctx context.Context, sessionID string) (*api.ChatAvailability, error)
	CreateChat(ctx context.Context, sessionID, createdBy string) (*api.Chat, error)
}

// Recorder persists accepted events for later review. Optional; failures
// never block the live view.
type Recorder interface {
	Record(ctx context.Context, sessionID string, ev event.Event) error
}

// StoreOptions configures optional collaborators of a Store.
type StoreOptions struct {
	Journal Recorder
	Logger  *slog.Logger
}

// Store owns the merged client-side state for one session/chat pair. It
// subscribes to the session's logical channel, drops duplicate deliveries,
// and routes the remainder into the status tracker and, once a chat is
// attached, the transcript.
type Store struct {
	subscriber *stream.Subscriber
	backend    Backend
	journal    Recorder
	seen       *dedupe.Cache
	logger     *slog.Logger

	mu          sync.Mutex
	sessionID   string
	chat        *api.Chat
	transcript  *Transcript
	unsubscribe func()

	status *StatusTracker
}

// NewStore creates a store over a shared subscriber and REST backend.
func NewStore(sub *stream.Subscriber, backend Backend, opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		subscriber: sub,
		backend:    backend,
		journal:    opts.Journal,
		seen:       dedupe.New(dedupeTTL, dedupeMaxSize),
		logger:     logger.With("component", "store"),
		status:     NewStatusTracker(backend, logger),
	}
}

// Status exposes the processing-status tracker.
func (s *Store) Status() *StatusTracker { return s.status }

// Transcript returns the attached chat transcript, or nil before OpenChat.
func (s *Store) Transcript() *Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// Watch switches the store to a session: the previous channel listener is
// removed, all state resets to the new context, and the session's channel
// is subscribed. Safe to call repeatedly with different ids.
func (s *Store) Watch(sessionID string) {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.transcript != nil {
		s.transcript.Close()
		s.transcript = nil
		s.chat = nil
	}
	s.sessionID = sessionID
	s.mu.Unlock()

	s.status.Reset(sessionID)

	unsub := s.subscriber.SubscribeToChannel(event.SessionChannel(sessionID), s.handleEvent)
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()

	s.logger.Info("watching session", "session_id", sessionID)
}

// OpenChat creates (or reuses) the follow-up chat for the watched session,
// attaches a transcript and hydrates it. Chat availability is checked
// first; an unavailable chat returns a FetchError with the backend's
// reason.
func (s *Store) OpenChat(ctx context.Context, createdBy string) (*Transcript, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	existing := s.transcript
	s.mu.Unlock()

	if sessionID == "" {
		return nil, fmt.Errorf("no session watched")
	}
	if existing != nil {
		return existing, nil
	}

	avail, err := s.backend.CheckChatAvailable(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !avail.Available {
		return nil, &api.FetchError{Op: "open chat", Message: avail.Reason}
	}

	chat, err := s.backend.CreateChat(ctx, sessionID, createdBy)
	if err != nil {
		return nil, err
	}

	tr := NewTranscript(s.backend, sessionID, chat.ChatID, s.logger)
	if err := tr.Load(ctx); err != nil {
		tr.Close()
		return nil, err
	}

	s.mu.Lock()
	// A concurrent OpenChat may have won; keep the first attachment.
	if s.transcript != nil {
		existing = s.transcript
		s.mu.Unlock()
		tr.Close()
		return existing, nil
	}
	s.chat = chat
	s.transcript = tr
	s.mu.Unlock()

	s.logger.Info("chat attached", "session_id", sessionID, "chat_id", chat.ChatID)
	return tr, nil
}

// handleEvent is the single channel listener: duplicate suppression,
// journaling, then routing.
func (s *Store) handleEvent(ev event.Event) {
	if s.seen.CheckAndMark(event.Fingerprint(ev)) {
		s.logger.Debug("duplicate event dropped", "type", ev.EventType())
		return
	}

	if s.journal != nil {
		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()
		if err := s.journal.Record(context.Background(), sessionID, ev); err != nil {
			s.logger.Warn("journal write failed", "type", ev.EventType(), "error", err)
		}
	}

	s.status.Apply(ev)

	s.mu.Lock()
	tr := s.transcript
	s.mu.Unlock()
	if tr != nil {
		tr.Apply(ev)
	}
}

// Detach deregisters the channel listener and cancels all pending timers
// synchronously. Outstanding async fetches resolve into no-ops.
func (s *Store) Detach() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	tr := s.transcript
	s.transcript = nil
	s.chat = nil
	s.sessionID = ""
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	s.status.Close()
}

// Close releases the store and its dedupe cache.
func (s *Store) Close() {
	s.Detach()
	s.seen.Close()
}
