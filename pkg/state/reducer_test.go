package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func text(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return b
}

func event(id string, typ domain.EventType, seq int) domain.Event {
	return domain.Event{
		ID:        id,
		Type:      typ,
		Timestamp: baseTime.Add(time.Duration(seq) * time.Second),
	}
}

func newTestReducer() *Reducer {
	return NewReducer(NewToolTable())
}

func sampleLog() []domain.Event {
	userEv := event("e1", domain.EventUserMessage, 1)
	userEv.Content = text("hi")

	start := event("e2", domain.EventAgentRunStart, 2)

	chunk1 := event("e3", domain.EventAssistantStreaming, 3)
	chunk1.MessageID = "m1"
	chunk1.Content = text("Hel")

	chunk2 := event("e4", domain.EventAssistantStreaming, 4)
	chunk2.MessageID = "m1"
	chunk2.Content = text("lo")

	final := event("e5", domain.EventAssistantMessage, 5)
	final.MessageID = "m1"
	final.FinishReason = "tool_calls"
	final.ToolCalls = []domain.ToolCall{{ID: "t1", Name: "web_search", Arguments: map[string]any{"q": "go"}}}

	result := event("e6", domain.EventToolResult, 6)
	result.ToolCallID = "t1"
	result.Name = "web_search"
	result.Content = text("three results")

	end := event("e7", domain.EventAgentRunEnd, 7)

	return []domain.Event{userEv, start, chunk1, chunk2, final, result, end}
}

func TestReplayIdempotent(t *testing.T) {
	log := sampleLog()

	r := newTestReducer()
	var first domain.SessionState
	r.Replay(&first, log)

	r.Tools().Reset()
	var second domain.SessionState
	r.Replay(&second, log)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("replaying the same log twice produced different states:\n%+v\n%+v", first, second)
	}
}

func TestStreamingAccumulation(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	chunk1 := event("e1", domain.EventAssistantStreaming, 1)
	chunk1.MessageID = "m1"
	chunk1.Content = text("Hel")
	r.Apply(&st, chunk1)

	chunk2 := event("e2", domain.EventAssistantStreaming, 2)
	chunk2.MessageID = "m1"
	chunk2.Content = text("lo")
	r.Apply(&st, chunk2)

	if len(st.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(st.Messages))
	}
	if !st.Messages[0].IsStreaming {
		t.Error("message should still be streaming")
	}

	done := event("e3", domain.EventAssistantStreaming, 3)
	done.MessageID = "m1"
	done.Content = text("")
	done.IsComplete = true
	r.Apply(&st, done)

	msg := st.Messages[0]
	if msg.Content != "Hello" {
		t.Errorf("expected content %q, got %q", "Hello", msg.Content)
	}
	if msg.IsStreaming {
		t.Error("message should no longer be streaming")
	}
	if len(st.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(st.Messages))
	}
}

func TestStreamingCompleteClearsProcessing(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState
	r.Apply(&st, event("e1", domain.EventAgentRunStart, 1))

	done := event("e2", domain.EventAssistantStreaming, 2)
	done.MessageID = "m1"
	done.Content = text("ok")
	done.IsComplete = true
	r.Apply(&st, done)

	if st.IsProcessing {
		t.Error("completed streaming chunk should clear the processing flag")
	}
}

func TestFinalMessageKeepsStreamedContent(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	chunk := event("e1", domain.EventAssistantStreaming, 1)
	chunk.MessageID = "m1"
	chunk.Content = text("streamed text")
	r.Apply(&st, chunk)

	final := event("e2", domain.EventAssistantMessage, 2)
	final.MessageID = "m1"
	final.Content = text("server-side copy that must not win")
	final.FinishReason = "stop"
	r.Apply(&st, final)

	if len(st.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(st.Messages))
	}
	msg := st.Messages[0]
	if msg.Content != "streamed text" {
		t.Errorf("final event overwrote streamed content: %q", msg.Content)
	}
	if msg.IsStreaming {
		t.Error("final event should mark the message non-streaming")
	}
	if msg.FinishReason != "stop" {
		t.Errorf("expected finish reason %q, got %q", "stop", msg.FinishReason)
	}
}

func TestFinalMessageWithoutStreamAppends(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	final := event("e1", domain.EventAssistantMessage, 1)
	final.MessageID = "m9"
	final.Content = text("complete answer")
	final.FinishReason = "stop"
	r.Apply(&st, final)

	if len(st.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(st.Messages))
	}
	if st.Messages[0].Content != "complete answer" {
		t.Errorf("unexpected content %q", st.Messages[0].Content)
	}
	if st.Messages[0].IsStreaming {
		t.Error("appended final message must not be streaming")
	}
}

func TestCompletedMessageNeverMutatedAgain(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	chunk := event("e1", domain.EventAssistantStreaming, 1)
	chunk.MessageID = "m1"
	chunk.Content = text("done")
	chunk.IsComplete = true
	r.Apply(&st, chunk)

	late := event("e2", domain.EventAssistantStreaming, 2)
	late.MessageID = "m1"
	late.Content = text(" extra")
	r.Apply(&st, late)

	if st.Messages[0].Content != "done" {
		t.Errorf("completed message was mutated: %q", st.Messages[0].Content)
	}
	// The late chunk starts a fresh streaming message instead.
	if len(st.Messages) != 2 {
		t.Errorf("expected late chunk to open a new message, got %d messages", len(st.Messages))
	}
}

func TestLegacyStreamMatch(t *testing.T) {
	chunk1 := event("e1", domain.EventAssistantStreaming, 1)
	chunk1.Content = text("a")
	chunk2 := event("e2", domain.EventAssistantStreaming, 2)
	chunk2.Content = text("b")

	// Flag off: ids are mandatory, each chunk opens a message.
	r := newTestReducer()
	var st domain.SessionState
	r.Apply(&st, chunk1)
	r.Apply(&st, chunk2)
	if len(st.Messages) != 2 {
		t.Errorf("with the flag off, expected 2 messages, got %d", len(st.Messages))
	}

	// Flag on: the id-less chunk continues the last streaming message.
	r = newTestReducer()
	r.LegacyStreamMatch = true
	st = domain.SessionState{}
	r.Apply(&st, chunk1)
	r.Apply(&st, chunk2)
	if len(st.Messages) != 1 {
		t.Fatalf("with the flag on, expected 1 message, got %d", len(st.Messages))
	}
	if st.Messages[0].Content != "ab" {
		t.Errorf("expected accumulated content %q, got %q", "ab", st.Messages[0].Content)
	}
}

func TestToolCorrelation(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	call := event("a1", domain.EventAssistantMessage, 1)
	call.MessageID = "m1"
	call.ToolCalls = []domain.ToolCall{{ID: "t1", Name: "web_search"}}
	r.Apply(&st, call)

	// tool_call is informational only.
	r.Apply(&st, func() domain.Event {
		ev := event("e2", domain.EventToolCall, 2)
		ev.ToolCallID = "t1"
		ev.Name = "web_search"
		return ev
	}())
	if len(st.ToolResults) != 0 {
		t.Fatal("tool_call must not mutate state")
	}

	result := event("e3", domain.EventToolResult, 3)
	result.ToolCallID = "t1"
	result.Name = "web_search"
	result.Content = text("found it")
	r.Apply(&st, result)

	if len(st.Messages[0].ToolResults) != 1 {
		t.Fatalf("expected 1 tool result on the issuing message, got %d", len(st.Messages[0].ToolResults))
	}
	if st.Messages[0].ToolResults[0].ToolCallID != "t1" {
		t.Errorf("wrong tool result linked: %+v", st.Messages[0].ToolResults[0])
	}

	tr, ok := r.Tools().Lookup("t1")
	if !ok {
		t.Fatal("global lookup missed t1")
	}
	if tr.ID != "e3" || tr.Type != domain.ToolResultSearch {
		t.Errorf("unexpected table entry: %+v", tr)
	}

	if st.ActivePanel == nil || st.ActivePanel.ToolResult == nil || st.ActivePanel.ToolResult.ToolCallID != "t1" {
		t.Error("tool result should surface as active panel content")
	}
}

func TestToolResultWithoutOwnerStillRecorded(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	result := event("e1", domain.EventToolResult, 1)
	result.ToolCallID = "orphan"
	result.Name = "browser_navigate"
	result.Content = text("page body")
	r.Apply(&st, result)

	if len(st.ToolResults) != 1 {
		t.Fatalf("expected orphan result in the session list, got %d", len(st.ToolResults))
	}
	if _, ok := r.Tools().Lookup("orphan"); !ok {
		t.Error("orphan result missing from the table")
	}
}

func TestProcessingFlag(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	r.Apply(&st, event("e1", domain.EventAgentRunStart, 1))
	if !st.IsProcessing {
		t.Fatal("agent_run_start should set the processing flag")
	}

	// No other event type alters it.
	userEv := event("e2", domain.EventUserMessage, 2)
	userEv.Content = text("hi")
	r.Apply(&st, userEv)
	sysEv := event("e3", domain.EventSystem, 3)
	sysEv.Content = text("note")
	r.Apply(&st, sysEv)
	final := event("e4", domain.EventAssistantMessage, 4)
	final.MessageID = "m1"
	final.Content = text("answer")
	final.FinishReason = "stop"
	r.Apply(&st, final)
	if !st.IsProcessing {
		t.Error("only run-end or a completed stream may clear the flag")
	}

	r.Apply(&st, event("e5", domain.EventAgentRunEnd, 5))
	if st.IsProcessing {
		t.Error("agent_run_end should clear the processing flag")
	}
}

func TestThinking(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	// No assistant message yet: no-op.
	th := event("e1", domain.EventAssistantThinking, 1)
	th.Content = text("pondering")
	r.Apply(&st, th)
	if len(st.Messages) != 0 {
		t.Fatal("thinking without an assistant message must be a no-op")
	}

	msg := event("e2", domain.EventAssistantMessage, 2)
	msg.MessageID = "m1"
	msg.Content = text("answer")
	r.Apply(&st, msg)

	chunkA := event("e3", domain.EventAssistantStreamingThinking, 3)
	chunkA.Content = text("step one; ")
	r.Apply(&st, chunkA)
	chunkB := event("e4", domain.EventAssistantStreamingThinking, 4)
	chunkB.Content = text("step two")
	r.Apply(&st, chunkB)

	if st.Messages[0].Thinking != "step one; step two" {
		t.Errorf("streaming thinking should accumulate, got %q", st.Messages[0].Thinking)
	}

	replace := event("e5", domain.EventAssistantThinking, 5)
	replace.Content = text("final trace")
	r.Apply(&st, replace)
	if st.Messages[0].Thinking != "final trace" {
		t.Errorf("non-streaming thinking should replace, got %q", st.Messages[0].Thinking)
	}
}

func TestUserMessageImageSurfacesPanel(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	parts, err := json.Marshal([]domain.ContentPart{
		{Type: domain.PartText, Text: "look at this"},
		{Type: domain.PartImage, Image: &domain.ImageSource{URL: "https://example.com/x.png"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ev := event("e1", domain.EventUserMessage, 1)
	ev.Content = parts
	r.Apply(&st, ev)

	if len(st.Messages) != 1 || st.Messages[0].Role != domain.RoleUser {
		t.Fatalf("unexpected messages: %+v", st.Messages)
	}
	if st.Messages[0].Content != "look at this" {
		t.Errorf("expected flattened text, got %q", st.Messages[0].Content)
	}
	if st.ActivePanel == nil || st.ActivePanel.Image == nil || st.ActivePanel.Image.URL != "https://example.com/x.png" {
		t.Error("image part should surface as active panel content")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState
	r.Apply(&st, event("e1", domain.EventType("future_thing"), 1))
	if !reflect.DeepEqual(st, domain.SessionState{}) {
		t.Errorf("unknown event type mutated state: %+v", st)
	}
}

func TestSessionIsolation(t *testing.T) {
	r := newTestReducer()
	var a, b domain.SessionState

	// Interleave deliveries for two sessions through the same reducer.
	for i, ev := range sampleLog() {
		r.Apply(&a, ev)
		if i == 2 {
			other := event("x1", domain.EventUserMessage, 100)
			other.Content = text("unrelated")
			r.Apply(&b, other)
		}
	}

	if len(b.Messages) != 1 || b.Messages[0].Content != "unrelated" {
		t.Errorf("session B state was affected by session A events: %+v", b)
	}
	if b.IsProcessing {
		t.Error("session B must not inherit session A's processing flag")
	}
	if len(b.ToolResults) != 0 {
		t.Error("session B must not receive session A's tool results")
	}
}

func TestEndToEndScenario(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState

	// 1. Fresh session.
	if len(st.Messages) != 0 || st.IsProcessing {
		t.Fatal("fresh state must be empty and idle")
	}

	// 2. User turn.
	userEv := event("e1", domain.EventUserMessage, 1)
	userEv.Content = text("hi")
	r.Apply(&st, userEv)
	if len(st.Messages) != 1 || st.Messages[0].Role != domain.RoleUser || st.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages after user turn: %+v", st.Messages)
	}

	// 3. Run starts.
	r.Apply(&st, event("e2", domain.EventAgentRunStart, 2))
	if !st.IsProcessing {
		t.Fatal("run start must set processing")
	}

	// 4. Two streaming chunks, then the completing final message.
	for i, chunk := range []string{"Hello ", "there"} {
		ev := event(fmt.Sprintf("e%d", 3+i), domain.EventAssistantStreaming, 3+i)
		ev.MessageID = "m1"
		ev.Content = text(chunk)
		r.Apply(&st, ev)
	}
	final := event("e5", domain.EventAssistantMessage, 5)
	final.MessageID = "m1"
	final.FinishReason = "stop"
	r.Apply(&st, final)

	if len(st.Messages) != 2 {
		t.Fatalf("expected [user, assistant], got %d messages", len(st.Messages))
	}
	if st.Messages[1].Content != "Hello there" {
		t.Errorf("expected merged text, got %q", st.Messages[1].Content)
	}
	if st.Messages[1].FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", st.Messages[1].FinishReason)
	}
	if !st.IsProcessing {
		t.Error("the completion event itself must not clear processing")
	}

	// 5. Paired run end.
	r.Apply(&st, event("e6", domain.EventAgentRunEnd, 6))
	if st.IsProcessing {
		t.Error("run end must clear processing")
	}
}

func TestToolTableResetOnRehydration(t *testing.T) {
	r := newTestReducer()
	var st domain.SessionState
	r.Replay(&st, sampleLog())
	if r.Tools().Len() == 0 {
		t.Fatal("expected table entries after replay")
	}

	r.Tools().Reset()
	if r.Tools().Len() != 0 {
		t.Error("reset should drop all entries")
	}
	if _, ok := r.Tools().Lookup("t1"); ok {
		t.Error("lookup after reset should miss")
	}
}
