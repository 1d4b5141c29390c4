package conversation

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one append-only conversation entry
type Message struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ToolCalls []ToolCall             `json:"tool_calls,omitempty"` // assistant messages only
	ToolID    string                 `json:"tool_id,omitempty"`    // tool messages only
	IsError   bool                   `json:"is_error,omitempty"`   // tool messages only
	Timestamp time.Time              `json:"timestamp"`
}

// ToolCall is a structured request issued by the model, immutable once issued
type ToolCall struct {
	ID        string                 `json:"id"` // unique within the turn
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Result status values
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// ToolResult is the terminal outcome of a ToolCall
type ToolResult struct {
	ID        string                 `json:"id"` // matches the ToolCall correlation id
	Name      string                 `json:"name"`
	Status    string                 `json:"status"` // success, error, cancelled
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

// ToolSpec describes a callable tool advertised to the model
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage counts tokens reported by the model for one generation
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates another usage report into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// NewUserMessage builds a user message stamped now
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant message stamped now
func NewAssistantMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

// NewSystemMessage builds a system message stamped now
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: time.Now().UTC()}
}

// NewToolMessage projects a ToolResult into the message history. Content is
// what the model sees: the payload as JSON on success, the error text
// otherwise.
func NewToolMessage(result ToolResult) Message {
	var content string
	switch result.Status {
	case ResultSuccess:
		if len(result.Payload) > 0 {
			if data, err := json.Marshal(result.Payload); err == nil {
				content = string(data)
			}
		}
	case ResultCancelled:
		content = result.Error
		if content == "" {
			content = "tool call cancelled before completion"
		}
	default:
		content = result.Error
	}
	return Message{
		Role:      RoleTool,
		Content:   content,
		Payload:   result.Payload,
		ToolID:    result.ID,
		IsError:   result.Status != ResultSuccess,
		Timestamp: time.Now().UTC(),
	}
}

// Succeeded reports whether the result carries a usable payload
func (r ToolResult) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Terminal reports whether the status is one of the terminal outcomes
func (r ToolResult) Terminal() bool {
	switch r.Status {
	case ResultSuccess, ResultError, ResultCancelled:
		return true
	}
	return false
}
