package state

import (
	"encoding/json"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// ClassifyTool maps a tool name (and, failing that, its result payload)
// to a display type. Name matching is case-insensitive substring,
// checked in priority order.
func ClassifyTool(name string, content json.RawMessage) domain.ToolResultType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "search"):
		return domain.ToolResultSearch
	case strings.Contains(n, "browser"):
		return domain.ToolResultBrowser
	case strings.Contains(n, "command"), strings.Contains(n, "terminal"):
		return domain.ToolResultCommand
	case strings.Contains(n, "file"), strings.Contains(n, "document"):
		return domain.ToolResultFile
	case isImagePayload(content):
		return domain.ToolResultImage
	default:
		return domain.ToolResultOther
	}
}

// isImagePayload recognizes a structured image marker or a data-URI image
// prefix in an otherwise opaque result payload.
func isImagePayload(content json.RawMessage) bool {
	if len(content) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return strings.HasPrefix(s, "data:image/")
	}
	var marker struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &marker); err == nil {
		return marker.Type == "image"
	}
	return false
}
