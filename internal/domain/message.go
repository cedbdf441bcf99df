package domain

import (
	"context"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ChatRequest is sent to the model.
type ChatRequest struct {
	Messages []Message    `json:"messages"`
	Tools    []ToolSchema `json:"tools,omitempty"`
}

// AssistantResponse is the model's reply to a ChatRequest. Raw keeps the
// unparsed text when the model emitted tool calls as plain text.
type AssistantResponse struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Raw       string     `json:"raw,omitempty"`
}

// ModelClient produces one assistant response from a conversation.
type ModelClient interface {
	Chat(ctx context.Context, req ChatRequest) (*AssistantResponse, error)
}
