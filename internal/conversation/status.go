// ABOUTME: ProcessingStatus state machine for one alert-processing session
// ABOUTME: Folds live events into a monotonic view with a terminal-state latch

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/tarsy-console/internal/api"
	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

const (
	// StatusInitializing through StatusError are the view states of the
	// processing-status machine. Completed and error are terminal.
	StatusInitializing = "initializing"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusError        = "error"

	defaultSettleDelay = time.Second
	detailFetchTimeout = 10 * time.Second
	initialStepLabel   = "Session initialized"
)

// ProcessingStatus is the derived view of a session's progress. Recomputed
// on every accepted event; never persisted.
type ProcessingStatus struct {
	SessionID   string
	Status      string
	CurrentStep string
	Error       string
	Result      string
	TimestampUS int64
}

// Terminal reports whether the status can no longer regress.
func (p ProcessingStatus) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusError
}

// DetailFetcher is what the tracker needs from the REST layer to enrich a
// completed session with its final analysis.
type DetailFetcher interface {
	GetSessionDetail(ctx context.Context, sessionID string) (*api.SessionDetail, error)
}

// StatusTracker folds session-channel events into a ProcessingStatus.
//
// Invariants: once a terminal session event has been applied, stage/llm/mcp
// events for the same session context are no-ops (the catchup guard), and
// the completion callback fires at most once per context. Changing the
// session identity via Reset reinitializes everything.
type StatusTracker struct {
	mu          sync.Mutex
	fetcher     DetailFetcher
	logger      *slog.Logger
	settleDelay time.Duration

	token         string // context identity, rotated on Reset
	status        ProcessingStatus
	terminal      bool
	callbackFired bool
	settleTimer   *time.Timer

	onComplete func(ProcessingStatus)
	onChange   func(ProcessingStatus)
}

// NewStatusTracker creates a tracker. The fetcher is used to hydrate
// final_analysis when a completion event arrives without inline result data.
// Pass nil logger for default.
func NewStatusTracker(fetcher DetailFetcher, logger *slog.Logger) *StatusTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusTracker{
		fetcher:     fetcher,
		logger:      logger.With("component", "status"),
		settleDelay: defaultSettleDelay,
		status:      ProcessingStatus{Status: StatusInitializing},
	}
}

// SetSettleDelay overrides the delay between entering a terminal state and
// firing the completion callback. Intended for tests.
func (t *StatusTracker) SetSettleDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settleDelay = d
}

// SetCompletionFunc installs the callback fired once per session context
// after the terminal transition settles. May be replaced at any time; the
// value current when the settle timer fires is the one invoked.
func (t *StatusTracker) SetCompletionFunc(fn func(ProcessingStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onComplete = fn
}

// OnChange installs the observer notified with a copy of the status after
// every accepted transition.
func (t *StatusTracker) OnChange(fn func(ProcessingStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Reset switches the tracker to a new session context: terminal latch,
// callback-fired flag and view state all reinitialize, and any pending
// settle timer is cancelled so the old context cannot fire into the new one.
func (t *StatusTracker) Reset(sessionID string) {
	t.mu.Lock()
	t.token = uuid.New().String()
	t.terminal = false
	t.callbackFired = false
	if t.settleTimer != nil {
		t.settleTimer.Stop()
		t.settleTimer = nil
	}
	t.status = ProcessingStatus{
		SessionID:   sessionID,
		Status:      StatusProcessing,
		CurrentStep: initialStepLabel,
	}
	t.mu.Unlock()

	t.emit()
}

// Status returns a copy of the current view.
func (t *StatusTracker) Status() ProcessingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Apply folds one decoded event into the view. Events for other sessions
// and unknown types are ignored.
func (t *StatusTracker) Apply(ev event.Event) {
	t.mu.Lock()

	if sid := eventSessionID(ev); sid != "" && sid != t.status.SessionID {
		t.mu.Unlock()
		return
	}

	switch e := ev.(type) {
	case *event.SessionEvent:
		t.applySessionLocked(e)
	case *event.StageEvent, *event.LLMEvent, *event.MCPEvent:
		if t.terminal {
			// Catchup guard: buffered intermediate events after a reconnect
			// must not resurrect a finished session.
			t.logger.Debug("ignoring post-terminal event",
				"type", ev.EventType(), "session_id", t.status.SessionID)
			t.mu.Unlock()
			return
		}
		t.status.Status = StatusProcessing
		t.status.CurrentStep = event.StepLabel(ev)
		t.status.TimestampUS = ev.TimestampUS()
	default:
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.emit()
}

// applySessionLocked handles session-level lifecycle events. Must be called
// with mu held; it releases nothing.
func (t *StatusTracker) applySessionLocked(e *event.SessionEvent) {
	switch e.Type {
	case event.TypeSessionCompleted:
		if t.terminal {
			return // idempotent under at-least-once delivery
		}
		t.terminal = true
		t.status.Status = StatusCompleted
		t.status.CurrentStep = ""
		t.status.Result = e.FinalAnalysis
		t.status.TimestampUS = e.TimestampUs
		t.scheduleCompletionLocked()
		if e.FinalAnalysis == "" && t.fetcher != nil {
			go t.fetchResult(t.token, t.status.SessionID)
		}

	case event.TypeSessionFailed:
		if t.terminal {
			return
		}
		t.terminal = true
		t.status.Status = StatusError
		t.status.CurrentStep = ""
		t.status.Error = e.ErrorMessage
		t.status.TimestampUS = e.TimestampUs
		t.scheduleCompletionLocked()

	default:
		// session.started and friends: keep processing view current.
		if !t.terminal {
			t.status.Status = StatusProcessing
			t.status.TimestampUS = e.TimestampUs
		}
	}
}

// scheduleCompletionLocked arms the settle timer exactly once per context.
// The delay lets the final state render before the caller navigates away.
func (t *StatusTracker) scheduleCompletionLocked() {
	if t.callbackFired {
		return
	}
	t.callbackFired = true

	token := t.token
	t.settleTimer = time.AfterFunc(t.settleDelay, func() {
		t.mu.Lock()
		if token != t.token {
			// Context changed while settling; discard.
			t.mu.Unlock()
			return
		}
		fn := t.onComplete
		status := t.status
		t.mu.Unlock()

		if fn != nil {
			fn(status)
		}
	})
}

// fetchResult hydrates final_analysis from the REST snapshot when the
// completion event carried none. Errors are logged and swallowed; a stale
// context token discards the result.
func (t *StatusTracker) fetchResult(token, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), detailFetchTimeout)
	defer cancel()

	detail, err := t.fetcher.GetSessionDetail(ctx, sessionID)
	if err != nil {
		t.logger.Warn("final analysis fetch failed", "session_id", sessionID, "error", err)
		return
	}

	t.mu.Lock()
	if token != t.token {
		t.logger.Debug("stale final analysis fetch ignored", "session_id", sessionID)
		t.mu.Unlock()
		return
	}
	if detail.FinalAnalysis == "" {
		t.mu.Unlock()
		return
	}
	t.status.Result = detail.FinalAnalysis
	t.mu.Unlock()

	t.emit()
}

// Close cancels any pending settle timer and detaches the context so late
// async results are discarded.
func (t *StatusTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settleTimer != nil {
		t.settleTimer.Stop()
		t.settleTimer = nil
	}
	t.token = ""
}

func (t *StatusTracker) emit() {
	t.mu.Lock()
	fn := t.onChange
	status := t.status
	t.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}

// eventSessionID extracts the owning session id from any variant that
// carries one.
func eventSessionID(ev event.Event) string {
	switch e := ev.(type) {
	case *event.SessionEvent:
		return e.SessionID
	case *event.StageEvent:
		return e.SessionID
	case *event.LLMEvent:
		return e.SessionID
	case *event.MCPEvent:
		return e.SessionID
	case *event.ChatEvent:
		return e.SessionID
	default:
		return ""
	}
}
