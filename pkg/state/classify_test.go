package state

import (
	"encoding/json"
	"testing"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

func TestClassifyTool(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    domain.ToolResultType
	}{
		{"web_search", `"three results"`, domain.ToolResultSearch},
		{"browser_navigate", `"page body"`, domain.ToolResultBrowser},
		{"run_command", `"ok"`, domain.ToolResultCommand},
		{"open_terminal", `"ok"`, domain.ToolResultCommand},
		{"file_read", `"contents"`, domain.ToolResultFile},
		{"document_parse", `"contents"`, domain.ToolResultFile},
		{"Browser_Navigate", `"case insensitive"`, domain.ToolResultBrowser},
		// Name priority beats payload shape.
		{"search_files", `"data:image/png;base64,AAAA"`, domain.ToolResultSearch},
		// Unrecognized names fall through to the payload.
		{"screenshot", `"data:image/png;base64,AAAA"`, domain.ToolResultImage},
		{"render", `{"type":"image","data":"AAAA"}`, domain.ToolResultImage},
		{"mystery", `"plain string"`, domain.ToolResultOther},
		{"mystery", `{"type":"table"}`, domain.ToolResultOther},
		{"mystery", ``, domain.ToolResultOther},
	}

	for _, tc := range cases {
		got := ClassifyTool(tc.name, json.RawMessage(tc.content))
		if got != tc.want {
			t.Errorf("ClassifyTool(%q, %s) = %q, want %q", tc.name, tc.content, got, tc.want)
		}
	}
}
