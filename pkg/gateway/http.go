package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// HTTPClient talks to the agent server's REST endpoints.
type HTTPClient struct {
	baseURL string
	hc      *http.Client

	// sc carries streaming requests. http.Client.Timeout spans the whole
	// body read and would cut long-running streams, so this client has
	// none; dial and TLS handshake timeouts come from the default
	// transport and ctx governs the stream's lifetime.
	sc *http.Client
}

// NewHTTPClient returns a client for the given base URL, e.g.
// http://localhost:8080.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 30 * time.Second},
		sc:      &http.Client{},
	}
}

func (c *HTTPClient) CreateSession(ctx context.Context) (domain.Session, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, &resp); err != nil {
		return domain.Session{}, fmt.Errorf("creating session: %w", err)
	}
	return c.GetSession(ctx, resp.SessionID)
}

func (c *HTTPClient) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var resp struct {
		Sessions []domain.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return resp.Sessions, nil
}

func (c *HTTPClient) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var resp struct {
		Session domain.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id, nil, &resp); err != nil {
		return domain.Session{}, fmt.Errorf("getting session %s: %w", id, err)
	}
	return resp.Session, nil
}

func (c *HTTPClient) GetSessionEvents(ctx context.Context, id string) ([]domain.Event, error) {
	var resp struct {
		Events []domain.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+id+"/events", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting events for session %s: %w", id, err)
	}
	return resp.Events, nil
}

func (c *HTTPClient) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (domain.Session, error) {
	var resp struct {
		Session domain.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/sessions/"+id, upd, &resp); err != nil {
		return domain.Session{}, fmt.Errorf("updating session %s: %w", id, err)
	}
	return resp.Session, nil
}

func (c *HTTPClient) DeleteSession(ctx context.Context, id string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+id, nil, &resp); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) RestoreSession(ctx context.Context, id string) (domain.Session, error) {
	var resp struct {
		Success bool           `json:"success"`
		Session domain.Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/restore", nil, &resp); err != nil {
		return domain.Session{}, fmt.Errorf("restoring session %s: %w", id, err)
	}
	return resp.Session, nil
}

func (c *HTTPClient) CheckServerStatus(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// do issues one JSON request and decodes the response envelope into out.
// Non-2xx responses become a StatusError with the body attached.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
