package state

import (
	"sync"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// ToolTable is the process-wide tool call id -> tool result index used to
// correlate results back into the owning message in O(1). It is reset
// whenever a session is hydrated from scratch and is otherwise
// append-only.
type ToolTable struct {
	mu     sync.RWMutex
	byCall map[string]domain.ToolResult
}

// NewToolTable returns an empty table.
func NewToolTable() *ToolTable {
	return &ToolTable{byCall: make(map[string]domain.ToolResult)}
}

// Put records the result for its tool call id, replacing any prior entry.
func (t *ToolTable) Put(tr domain.ToolResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCall[tr.ToolCallID] = tr
}

// Lookup returns the result recorded for the given tool call id.
func (t *ToolTable) Lookup(toolCallID string) (domain.ToolResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.byCall[toolCallID]
	return tr, ok
}

// Reset drops all entries. Called on hydration-from-scratch to bound the
// table and avoid stale cross-session references.
func (t *ToolTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byCall = make(map[string]domain.ToolResult)
}

// Len reports the number of recorded results.
func (t *ToolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byCall)
}
