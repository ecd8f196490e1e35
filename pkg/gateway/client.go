// Package gateway is the client for the agent server's REST surface.
// These are pass-through calls with no client-side state; the session
// directory consumes the Client interface and tests substitute a fake.
package gateway

import (
	"context"
	"fmt"

	"github.com/agentdeck/agentdeck/pkg/domain"
)

// Client is the agent gateway consumed by the session directory.
type Client interface {
	// CreateSession provisions a new session and returns its metadata.
	CreateSession(ctx context.Context) (domain.Session, error)

	// ListSessions returns all known sessions, newest first.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// GetSession returns one session's metadata, including the
	// server-reported active flag (is an agent run bound to it).
	GetSession(ctx context.Context, id string) (domain.Session, error)

	// GetSessionEvents returns the full ordered historical event log.
	GetSessionEvents(ctx context.Context, id string) ([]domain.Event, error)

	// UpdateSession patches name and/or tags.
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) (domain.Session, error)

	// DeleteSession removes the session server-side.
	DeleteSession(ctx context.Context, id string) error

	// RestoreSession rebinds a live agent to a dormant session.
	RestoreSession(ctx context.Context, id string) (domain.Session, error)

	// CheckServerStatus is an HTTP health probe, used when the channel
	// ping is unavailable.
	CheckServerStatus(ctx context.Context) bool

	// StreamQuery submits a user turn over the chunked-response path and
	// yields events until the stream closes. Fallback for when the
	// channel is down.
	StreamQuery(ctx context.Context, id, text string) (<-chan domain.Event, error)
}

// SessionUpdate carries the patchable metadata fields. Nil means leave
// unchanged.
type SessionUpdate struct {
	Name *string  `json:"name,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// StatusError is a gateway call that failed with a non-success response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}
