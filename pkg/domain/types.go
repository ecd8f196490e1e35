// Package domain holds the wire and projected types shared by the
// connection manager, the event reducer, and the session directory.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Session is the server-side metadata for one conversation.
type Session struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EventType tags the union of stream events.
type EventType string

const (
	EventUserMessage                EventType = "user_message"
	EventAssistantMessage           EventType = "assistant_message"
	EventAssistantStreaming         EventType = "assistant_streaming_message"
	EventAssistantThinking          EventType = "assistant_thinking_message"
	EventAssistantStreamingThinking EventType = "assistant_streaming_thinking_message"
	EventToolCall                   EventType = "tool_call"
	EventToolResult                 EventType = "tool_result"
	EventSystem                     EventType = "system"
	EventAgentRunStart              EventType = "agent_run_start"
	EventAgentRunEnd                EventType = "agent_run_end"
)

// Event is a single entry in a session's live or historical stream.
// Content is either a JSON string or an array of ContentPart; use Text
// or Parts to decode it.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Streaming-message fields. MessageID correlates the chunks of one
	// logical message; IsComplete marks the final chunk.
	MessageID  string `json:"message_id,omitempty"`
	IsComplete bool   `json:"is_complete,omitempty"`

	Content json.RawMessage `json:"content,omitempty"`

	// Tool fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Error      string `json:"error,omitempty"`

	// Final assistant-message metadata.
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Text decodes the event content as plain text. Multimodal content is
// flattened to its text parts joined by newlines.
func (e Event) Text() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	parts, ok := e.Parts()
	if !ok {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Parts decodes the event content as a multimodal part list. The second
// return is false when the content is plain text or absent.
func (e Event) Parts() ([]ContentPart, bool) {
	if len(e.Content) == 0 {
		return nil, false
	}
	var parts []ContentPart
	if err := json.Unmarshal(e.Content, &parts); err != nil {
		return nil, false
	}
	return parts, true
}

// PartType discriminates multimodal content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one component of a multimodal message body.
type ContentPart struct {
	Type  PartType     `json:"type"`
	Text  string       `json:"text,omitempty"`
	Image *ImageSource `json:"image,omitempty"`
}

// ImageSource references image data by URL or inline payload.
type ImageSource struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolCall is a tool invocation issued by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResultType classifies a tool result for display routing.
type ToolResultType string

const (
	ToolResultSearch  ToolResultType = "search"
	ToolResultBrowser ToolResultType = "browser"
	ToolResultCommand ToolResultType = "command"
	ToolResultImage   ToolResultType = "image"
	ToolResultFile    ToolResultType = "file"
	ToolResultOther   ToolResultType = "other"
)

// ToolResult is the outcome of a tool call, owned by the session that
// produced it and linked back to the issuing message by ToolCallID.
type ToolResult struct {
	ID         string          `json:"id"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Type       ToolResultType  `json:"type"`
	Content    json.RawMessage `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Role identifies the author of a projected message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is the projected (never transmitted) conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Parts is set when the message body is multimodal; Content then
	// holds the flattened text.
	Parts []ContentPart `json:"parts,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Thinking     string `json:"thinking,omitempty"`
	IsStreaming  bool   `json:"is_streaming,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// MessageID is the correlation key used while the message was still
	// accumulating from streaming chunks.
	MessageID string `json:"message_id,omitempty"`
}

// PanelContent is the last tool result or user-supplied image surfaced
// for a detail view. Exactly one field is non-nil.
type PanelContent struct {
	ToolResult *ToolResult  `json:"tool_result,omitempty"`
	Image      *ImageSource `json:"image,omitempty"`
}

// SessionState is the reconciled, queryable projection of one session's
// event stream.
type SessionState struct {
	Messages     []Message     `json:"messages"`
	ToolResults  []ToolResult  `json:"tool_results"`
	IsProcessing bool          `json:"is_processing"`
	ActivePanel  *PanelContent `json:"active_panel,omitempty"`

	// toolCallOwner maps a tool call id to the index of the message that
	// issued it, avoiding a backward scan per tool result.
	toolCallOwner map[string]int
}

// IndexToolCalls records message i as the owner of its tool call ids.
func (s *SessionState) IndexToolCalls(i int) {
	if i < 0 || i >= len(s.Messages) {
		return
	}
	for _, tc := range s.Messages[i].ToolCalls {
		if s.toolCallOwner == nil {
			s.toolCallOwner = make(map[string]int)
		}
		s.toolCallOwner[tc.ID] = i
	}
}

// MessageForToolCall returns the index of the message owning the given
// tool call id. Falls back to a backward scan for histories indexed
// before the owning message carried its tool calls.
func (s *SessionState) MessageForToolCall(toolCallID string) (int, bool) {
	if i, ok := s.toolCallOwner[toolCallID]; ok {
		return i, true
	}
	for i := len(s.Messages) - 1; i >= 0; i-- {
		for _, tc := range s.Messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return i, true
			}
		}
	}
	return 0, false
}
