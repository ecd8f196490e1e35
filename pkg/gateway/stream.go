package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// StreamQuery posts a user turn and consumes the chunked response: a
// sequence of "data: <json Event>" frames terminated by stream close.
// The returned channel closes when the server ends the stream or ctx is
// cancelled.
func (c *HTTPClient) StreamQuery(ctx context.Context, id, text string) (<-chan domain.Event, error) {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions/"+id+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(buf.String())}
	}

	out := make(chan domain.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				slog.Warn("Dropping malformed stream frame", "sessionID", id, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("Query stream ended with error", "sessionID", id, "error", err)
		}
	}()
	return out, nil
}
