// ABOUTME: Wire event types for the dashboard event stream
// ABOUTME: Decodes dotted-type JSON events into closed tagged variants

package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Session lifecycle event types.
const (
	TypeSessionStarted   = "session.started"
	TypeSessionCompleted = "session.completed"
	TypeSessionFailed    = "session.failed"
)

// Stage lifecycle event types.
const (
	TypeStageStarted   = "stage.started"
	TypeStageCompleted = "stage.completed"
	TypeStageFailed    = "stage.failed"
)

// Chat event types.
const (
	TypeChatCreated     = "chat.created"
	TypeChatUserMessage = "chat.user_message"
)

// Family identifies the dotted-prefix taxonomy of an event type.
type Family string

const (
	FamilySession Family = "session"
	FamilyStage   Family = "stage"
	FamilyLLM     Family = "llm"
	FamilyMCP     Family = "mcp"
	FamilyChat    Family = "chat"
	FamilyIgnored Family = "ignored"
)

// Event is the closed set of decoded stream events. Every variant carries
// its wire type string and microsecond timestamp.
type Event interface {
	EventType() string
	EventFamily() Family
	TimestampUS() int64
}

// Meta holds the fields common to every wire event.
type Meta struct {
	Type        string `json:"type"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (m Meta) EventType() string  { return m.Type }
func (m Meta) TimestampUS() int64 { return m.TimestampUs }

// UserMessage is an inline chat user message carried by stage.started events.
type UserMessage struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Author    string `json:"author"`
}

// SessionEvent reports a session-level lifecycle transition.
type SessionEvent struct {
	Meta
	SessionID     string `json:"session_id"`
	Status        string `json:"status,omitempty"`
	FinalAnalysis string `json:"final_analysis,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

func (SessionEvent) EventFamily() Family { return FamilySession }

// StageEvent reports an agent stage execution transition. The inline
// UserMessage is present on stage.started when the stage answers a chat
// follow-up question.
type StageEvent struct {
	Meta
	SessionID        string       `json:"session_id"`
	ChatID           string       `json:"chat_id,omitempty"`
	StageExecutionID string       `json:"stage_execution_id"`
	StageName        string       `json:"stage_name,omitempty"`
	Status           string       `json:"status,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	UserMessage      *UserMessage `json:"chat_user_message,omitempty"`
}

func (StageEvent) EventFamily() Family { return FamilyStage }

// LLMEvent reports LLM interaction activity within a stage.
type LLMEvent struct {
	Meta
	SessionID        string `json:"session_id"`
	StageExecutionID string `json:"stage_execution_id,omitempty"`
	Model            string `json:"model,omitempty"`
}

func (LLMEvent) EventFamily() Family { return FamilyLLM }

// MCPEvent reports MCP tool communication within a stage.
type MCPEvent struct {
	Meta
	SessionID        string `json:"session_id"`
	StageExecutionID string `json:"stage_execution_id,omitempty"`
	ToolName         string `json:"tool_name,omitempty"`
}

func (MCPEvent) EventFamily() Family { return FamilyMCP }

// ChatEvent reports chat-level activity (chat created, user message posted).
type ChatEvent struct {
	Meta
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Author    string `json:"author,omitempty"`
}

func (ChatEvent) EventFamily() Family { return FamilyChat }

// IgnoredEvent is the explicit variant for event types this client does not
// understand. Unknown types decode to this rather than falling through.
type IgnoredEvent struct {
	Meta
}

func (IgnoredEvent) EventFamily() Family { return FamilyIgnored }

// Decode parses a wire event into its tagged variant. The mapping from type
// prefix to variant is total: unrecognized prefixes yield IgnoredEvent. An
// error is returned only for malformed JSON or a missing type field.
func Decode(data []byte) (Event, error) {
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	if meta.Type == "" {
		return nil, fmt.Errorf("event missing type field")
	}

	family, _, _ := strings.Cut(meta.Type, ".")
	switch Family(family) {
	case FamilySession:
		var ev SessionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", meta.Type, err)
		}
		return &ev, nil
	case FamilyStage:
		var ev StageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", meta.Type, err)
		}
		return &ev, nil
	case FamilyLLM:
		var ev LLMEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", meta.Type, err)
		}
		return &ev, nil
	case FamilyMCP:
		var ev MCPEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", meta.Type, err)
		}
		return &ev, nil
	case FamilyChat:
		var ev ChatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", meta.Type, err)
		}
		return &ev, nil
	default:
		return &IgnoredEvent{Meta: meta}, nil
	}
}

// SessionChannel returns the logical channel name for a session's events.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// Fingerprint returns a stable identity string for an event, used to
// suppress at-least-once redeliveries. Two deliveries of the same wire
// event produce the same fingerprint.
func Fingerprint(ev Event) string {
	switch e := ev.(type) {
	case *SessionEvent:
		return fmt.Sprintf("%s|%d|%s", e.Type, e.TimestampUs, e.SessionID)
	case *StageEvent:
		return fmt.Sprintf("%s|%d|%s|%s", e.Type, e.TimestampUs, e.SessionID, e.StageExecutionID)
	case *LLMEvent:
		return fmt.Sprintf("%s|%d|%s|%s", e.Type, e.TimestampUs, e.SessionID, e.StageExecutionID)
	case *MCPEvent:
		return fmt.Sprintf("%s|%d|%s|%s|%s", e.Type, e.TimestampUs, e.SessionID, e.StageExecutionID, e.ToolName)
	case *ChatEvent:
		return fmt.Sprintf("%s|%d|%s|%s", e.Type, e.TimestampUs, e.ChatID, e.MessageID)
	default:
		return fmt.Sprintf("%s|%d", ev.EventType(), ev.TimestampUS())
	}
}

// StepLabel maps an in-flight event to the human-readable progress label
// shown while a session is processing.
func StepLabel(ev Event) string {
	switch e := ev.(type) {
	case *StageEvent:
		name := e.StageName
		if name == "" {
			name = "stage"
		}
		switch e.Type {
		case TypeStageStarted:
			return fmt.Sprintf("Running %s", name)
		case TypeStageCompleted:
			return fmt.Sprintf("Finished %s", name)
		case TypeStageFailed:
			return fmt.Sprintf("%s failed", name)
		}
		return name
	case *LLMEvent:
		if e.Model != "" {
			return fmt.Sprintf("Thinking (%s)", e.Model)
		}
		return "Thinking"
	case *MCPEvent:
		if e.ToolName != "" {
			return fmt.Sprintf("Calling tool %s", e.ToolName)
		}
		return "Calling tool"
	default:
		return ""
	}
}
