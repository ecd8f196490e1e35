// Package state folds session stream events into per-session state. The
// reducer is deterministic and performs no I/O: replaying the same
// ordered log twice from empty state yields identical results, which the
// session directory relies on when a hydration has to be retried.
package state

import (
	"github.com/agentdeck/agentdeck/pkg/domain"
)

// Reducer applies one event at a time to a SessionState. It is total
// over the event union: unrecognized event types are ignored, never
// errored.
type Reducer struct {
	tools *ToolTable

	// LegacyStreamMatch matches streaming chunks that carry no message id
	// against the last still-streaming message. Off by default; message
	// ids are treated as mandatory.
	LegacyStreamMatch bool
}

// NewReducer returns a reducer sharing the given correlation table.
func NewReducer(tools *ToolTable) *Reducer {
	return &Reducer{tools: tools}
}

// Tools exposes the shared correlation table.
func (r *Reducer) Tools() *ToolTable {
	return r.tools
}

// Replay folds an ordered event log into st.
func (r *Reducer) Replay(st *domain.SessionState, events []domain.Event) {
	for _, ev := range events {
		r.Apply(st, ev)
	}
}

// Apply folds a single event into st.
func (r *Reducer) Apply(st *domain.SessionState, ev domain.Event) {
	switch ev.Type {
	case domain.EventUserMessage:
		r.applyUserMessage(st, ev)
	case domain.EventAssistantStreaming:
		r.applyStreaming(st, ev)
	case domain.EventAssistantMessage:
		r.applyAssistantFinal(st, ev)
	case domain.EventAssistantThinking:
		r.applyThinking(st, ev, false)
	case domain.EventAssistantStreamingThinking:
		r.applyThinking(st, ev, true)
	case domain.EventToolCall:
		// Informational only; correlation happens when the result lands.
	case domain.EventToolResult:
		r.applyToolResult(st, ev)
	case domain.EventSystem:
		st.Messages = append(st.Messages, domain.Message{
			ID:        ev.ID,
			Role:      domain.RoleSystem,
			Content:   ev.Text(),
			Timestamp: ev.Timestamp,
		})
	case domain.EventAgentRunStart:
		st.IsProcessing = true
	case domain.EventAgentRunEnd:
		st.IsProcessing = false
	}
}

func (r *Reducer) applyUserMessage(st *domain.SessionState, ev domain.Event) {
	msg := domain.Message{
		ID:        ev.ID,
		Role:      domain.RoleUser,
		Content:   ev.Text(),
		Timestamp: ev.Timestamp,
	}
	if parts, ok := ev.Parts(); ok {
		msg.Parts = parts
		for _, p := range parts {
			if p.Type == domain.PartImage && p.Image != nil {
				img := *p.Image
				st.ActivePanel = &domain.PanelContent{Image: &img}
				break
			}
		}
	}
	st.Messages = append(st.Messages, msg)
}

// findStreaming locates the message a streaming chunk belongs to,
// preferring the message id and, behind the compatibility flag, falling
// back to the last still-streaming message.
func (r *Reducer) findStreaming(st *domain.SessionState, messageID string) int {
	if messageID != "" {
		for i := len(st.Messages) - 1; i >= 0; i-- {
			if st.Messages[i].MessageID == messageID && st.Messages[i].IsStreaming {
				return i
			}
		}
		return -1
	}
	if r.LegacyStreamMatch && len(st.Messages) > 0 {
		if last := len(st.Messages) - 1; st.Messages[last].IsStreaming {
			return last
		}
	}
	return -1
}

func (r *Reducer) applyStreaming(st *domain.SessionState, ev domain.Event) {
	if i := r.findStreaming(st, ev.MessageID); i >= 0 {
		st.Messages[i].Content += ev.Text()
		st.Messages[i].IsStreaming = !ev.IsComplete
	} else {
		st.Messages = append(st.Messages, domain.Message{
			ID:          ev.ID,
			MessageID:   ev.MessageID,
			Role:        domain.RoleAssistant,
			Content:     ev.Text(),
			IsStreaming: !ev.IsComplete,
			Timestamp:   ev.Timestamp,
		})
	}
	if ev.IsComplete {
		st.IsProcessing = false
	}
}

// applyAssistantFinal merges the final form of a streamed message: the
// accumulated content is kept, only metadata is attached. Without a
// streaming match the event is appended as a complete message.
func (r *Reducer) applyAssistantFinal(st *domain.SessionState, ev domain.Event) {
	i := r.findStreaming(st, ev.MessageID)
	if i < 0 {
		st.Messages = append(st.Messages, domain.Message{
			ID:           ev.ID,
			MessageID:    ev.MessageID,
			Role:         domain.RoleAssistant,
			Content:      ev.Text(),
			ToolCalls:    ev.ToolCalls,
			FinishReason: ev.FinishReason,
			Timestamp:    ev.Timestamp,
		})
		st.IndexToolCalls(len(st.Messages) - 1)
		return
	}
	st.Messages[i].IsStreaming = false
	st.Messages[i].FinishReason = ev.FinishReason
	if len(ev.ToolCalls) > 0 {
		st.Messages[i].ToolCalls = ev.ToolCalls
		st.IndexToolCalls(i)
	}
}

func (r *Reducer) applyThinking(st *domain.SessionState, ev domain.Event, streaming bool) {
	for i := len(st.Messages) - 1; i >= 0; i-- {
		if st.Messages[i].Role != domain.RoleAssistant {
			continue
		}
		if streaming {
			st.Messages[i].Thinking += ev.Text()
		} else {
			st.Messages[i].Thinking = ev.Text()
		}
		return
	}
}

func (r *Reducer) applyToolResult(st *domain.SessionState, ev domain.Event) {
	tr := domain.ToolResult{
		ID:         ev.ID,
		ToolCallID: ev.ToolCallID,
		Name:       ev.Name,
		Type:       ClassifyTool(ev.Name, ev.Content),
		Content:    ev.Content,
		Error:      ev.Error,
		Timestamp:  ev.Timestamp,
	}
	st.ToolResults = append(st.ToolResults, tr)
	r.tools.Put(tr)

	panel := tr
	st.ActivePanel = &domain.PanelContent{ToolResult: &panel}

	if i, ok := st.MessageForToolCall(ev.ToolCallID); ok {
		st.Messages[i].ToolResults = append(st.Messages[i].ToolResults, tr)
	}
}
