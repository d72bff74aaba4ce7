// ABOUTME: Domain types returned by the alert response backend REST API
// ABOUTME: Sessions, stage executions, chats and chat user messages

package api

// Session statuses reported by the backend.
const (
	SessionStatusQueued     = "queued"
	SessionStatusProcessing = "processing"
	SessionStatusCompleted  = "completed"
	SessionStatusError      = "error"
)

// SessionDetail is the REST snapshot of one alert-processing run.
type SessionDetail struct {
	SessionID     string           `json:"session_id"`
	Status        string           `json:"status"`
	FinalAnalysis string           `json:"final_analysis,omitempty"`
	Stages        []StageExecution `json:"stages,omitempty"`
}

// StageExecution is one assistant turn: an agent stage run on behalf of a
// session, optionally answering a chat user message.
type StageExecution struct {
	ExecutionID       string           `json:"execution_id"`
	StageName         string           `json:"stage_name"`
	Status            string           `json:"status"`
	StartedAtUs       int64            `json:"started_at_us"`
	CompletedAtUs     int64            `json:"completed_at_us,omitempty"`
	ChatID            string           `json:"chat_id,omitempty"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	LLMInteractions   []LLMInteraction `json:"llm_interactions,omitempty"`
	MCPCommunications []MCPCall        `json:"mcp_communications,omitempty"`
	ChatUserMessage   *ChatUserMessage `json:"chat_user_message,omitempty"`
}

// LLMInteraction is one LLM request/response pair within a stage.
type LLMInteraction struct {
	Model    string `json:"model,omitempty"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// MCPCall is one MCP tool invocation within a stage.
type MCPCall struct {
	ToolName string `json:"tool_name"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// Chat is a follow-up conversation tied one-to-one to a session.
type Chat struct {
	ChatID    string `json:"chat_id"`
	SessionID string `json:"session_id"`
}

// ChatUserMessage is a user-authored message in a chat. MessageID is the
// dedup key across snapshot and live-event sources.
type ChatUserMessage struct {
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	Content     string `json:"content"`
	Author      string `json:"author"`
	CreatedAtUs int64  `json:"created_at_us"`
}

// ChatAvailability reports whether follow-up chat can be opened for a
// session.
type ChatAvailability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}
