// Package directory is the registry of known sessions: it caches
// metadata and per-session state, tracks the active session, and
// orchestrates hydration from the historical event log against live
// delivery from the channel.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/pkg/conn"
	"github.com/agentdeck/agentdeck/pkg/domain"
	"github.com/agentdeck/agentdeck/pkg/gateway"
	"github.com/agentdeck/agentdeck/pkg/state"
)

// ErrNoActiveSession is returned by operations that need an active
// session when none is selected.
var ErrNoActiveSession = errors.New("no active session")

// HydrationError wraps a failed historical-log fetch during activation.
// No partial state is committed, so the activation can be retried.
type HydrationError struct {
	SessionID string
	Err       error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrating session %s: %v", e.SessionID, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

// Channel is the slice of the connection manager the directory uses.
type Channel interface {
	JoinSession(sessionID string, handler conn.EventHandler) error
	LeaveSession(sessionID string)
	SendQuery(sessionID, text string) error
	AbortQuery(sessionID string) error
	Status() conn.ConnectionStatus
	Subscribe() chan conn.StatusEvent
	Unsubscribe(ch chan conn.StatusEvent)
}

// entry is the cached client-side view of one session.
type entry struct {
	state    domain.SessionState
	hydrated bool

	// buffering is set between listener attach and history replay; live
	// events land in buffered and are deduplicated against the fetched
	// history by event id before being folded in.
	buffering bool
	buffered  []domain.Event

	// seen tracks applied event ids so a replayed backlog is never
	// double-applied.
	seen map[string]bool
}

// Directory multiplexes many independent sessions over one channel and
// one reducer. All state mutation happens under a single lock; the
// reducer itself never blocks.
type Directory struct {
	gw      gateway.Client
	ch      Channel
	reducer *state.Reducer

	mu            sync.Mutex
	sessions      []domain.Session
	entries       map[string]*entry
	activeID      string
	activationSeq int
	pollCancel    context.CancelFunc

	subMu sync.Mutex
	subs  map[chan string]struct{}

	// PollInterval is the active-session status poll cadence.
	PollInterval time.Duration
}

// New wires a directory to its collaborators.
func New(gw gateway.Client, ch Channel, reducer *state.Reducer) *Directory {
	return &Directory{
		gw:           gw,
		ch:           ch,
		reducer:      reducer,
		entries:      make(map[string]*entry),
		subs:         make(map[chan string]struct{}),
		PollInterval: 10 * time.Second,
	}
}

// Subscribe returns a channel emitting the id of every session whose
// state changed. An empty id means the session list itself changed.
func (d *Directory) Subscribe() chan string {
	ch := make(chan string, 32)
	d.subMu.Lock()
	d.subs[ch] = struct{}{}
	d.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (d *Directory) Unsubscribe(ch chan string) {
	d.subMu.Lock()
	_, ok := d.subs[ch]
	delete(d.subs, ch)
	d.subMu.Unlock()
	if ok {
		close(ch)
	}
}

func (d *Directory) publish(id string) {
	d.subMu.Lock()
	for ch := range d.subs {
		select {
		case ch <- id:
		default:
		}
	}
	d.subMu.Unlock()
}

// Sessions returns a copy of the cached metadata list.
func (d *Directory) Sessions() []domain.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Session, len(d.sessions))
	copy(out, d.sessions)
	return out
}

// ActiveSessionID returns the currently active session id, or empty.
func (d *Directory) ActiveSessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

// State returns a snapshot of one session's reconciled state.
func (d *Directory) State(id string) (domain.SessionState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return domain.SessionState{}, false
	}
	st := e.state
	st.Messages = append([]domain.Message(nil), e.state.Messages...)
	st.ToolResults = append([]domain.ToolResult(nil), e.state.ToolResults...)
	return st, true
}

// ConnectionStatus reports the channel's current status.
func (d *Directory) ConnectionStatus() conn.ConnectionStatus {
	return d.ch.Status()
}

// ListSessions refreshes the metadata cache wholesale from the gateway.
func (d *Directory) ListSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := d.gw.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sessions = sessions
	d.mu.Unlock()
	d.publish("")
	return sessions, nil
}

// CreateSession provisions a session, prepends it to the cached list,
// initializes empty state, and makes it active.
func (d *Directory) CreateSession(ctx context.Context) (string, error) {
	sess, err := d.gw.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.sessions = append([]domain.Session{sess}, d.sessions...)
	// A brand-new session has no history; nothing to hydrate.
	d.entries[sess.ID] = &entry{hydrated: true, seen: make(map[string]bool)}
	d.mu.Unlock()
	d.publish("")

	if err := d.ActivateSession(ctx, sess.ID); err != nil {
		return sess.ID, err
	}
	return sess.ID, nil
}

// ActivateSession makes the session the one the user is viewing. A
// first activation hydrates state by replaying the historical event log;
// re-activation of a cached session is free. Safe to call while a
// previous activation is still hydrating: the slower one loses.
func (d *Directory) ActivateSession(ctx context.Context, id string) error {
	d.mu.Lock()
	if d.activeID == id {
		d.mu.Unlock()
		return nil
	}
	d.activationSeq++
	seq := d.activationSeq
	e, ok := d.entries[id]
	if !ok {
		e = &entry{seen: make(map[string]bool)}
		d.entries[id] = e
	}
	prevProcessing := e.state.IsProcessing
	e.state.IsProcessing = true // provisional loading indicator
	e.state.ActivePanel = nil
	hydrate := !e.hydrated
	if hydrate {
		e.buffering = true
		e.buffered = nil
	}
	d.mu.Unlock()
	d.publish(id)

	// Rebind a live agent first if the server reports the session dormant.
	if sess, err := d.gw.GetSession(ctx, id); err == nil && !sess.Active {
		if _, err := d.gw.RestoreSession(ctx, id); err != nil {
			slog.Warn("Failed to restore session", "sessionID", id, "error", err)
		}
	}

	// Join the room before fetching history so no live event can fall
	// into the gap; events delivered during the fetch are buffered.
	if err := d.ch.JoinSession(id, func(ev domain.Event) { d.handleEvent(id, ev) }); err != nil {
		slog.Warn("Failed to join session room", "sessionID", id, "error", err)
	}

	if hydrate {
		d.reducer.Tools().Reset()
		events, err := d.gw.GetSessionEvents(ctx, id)
		if err != nil {
			d.mu.Lock()
			if d.activationSeq == seq {
				e.state.IsProcessing = false
				e.buffering = false
				e.buffered = nil
			}
			d.mu.Unlock()
			d.publish(id)
			return &HydrationError{SessionID: id, Err: err}
		}

		d.mu.Lock()
		if d.activationSeq != seq {
			// A later activation superseded this one; drop the result and
			// undo the provisional processing flag.
			e.state.IsProcessing = prevProcessing
			e.buffering = false
			e.buffered = nil
			d.mu.Unlock()
			return nil
		}
		fresh := domain.SessionState{}
		seen := make(map[string]bool, len(events))
		for _, ev := range events {
			d.reducer.Apply(&fresh, ev)
			if ev.ID != "" {
				seen[ev.ID] = true
			}
		}
		for _, ev := range e.buffered {
			if ev.ID != "" && seen[ev.ID] {
				continue
			}
			d.reducer.Apply(&fresh, ev)
			if ev.ID != "" {
				seen[ev.ID] = true
			}
		}
		e.state = fresh
		e.seen = seen
		e.hydrated = true
		e.buffering = false
		e.buffered = nil
		d.activeID = id
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		if d.activationSeq != seq {
			e.state.IsProcessing = prevProcessing
			d.mu.Unlock()
			return nil
		}
		// Cached session: clear the provisional flag back to what live
		// events had established.
		e.state.IsProcessing = prevProcessing
		d.activeID = id
		d.mu.Unlock()
	}

	d.publish(id)
	d.restartPolling(id)
	return nil
}

// handleEvent is the per-session listener registered with the channel.
func (d *Directory) handleEvent(id string, ev domain.Event) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	if e.buffering {
		e.buffered = append(e.buffered, ev)
		d.mu.Unlock()
		return
	}
	if ev.ID != "" && e.seen[ev.ID] {
		d.mu.Unlock()
		return
	}
	d.reducer.Apply(&e.state, ev)
	if ev.ID != "" {
		if e.seen == nil {
			e.seen = make(map[string]bool)
		}
		e.seen[ev.ID] = true
	}
	d.mu.Unlock()
	d.publish(id)
}

// UpdateSessionMetadata patches name and/or tags through the gateway and
// updates the cached metadata on success.
func (d *Directory) UpdateSessionMetadata(ctx context.Context, id string, upd gateway.SessionUpdate) error {
	sess, err := d.gw.UpdateSession(ctx, id, upd)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for i := range d.sessions {
		if d.sessions[i].ID == id {
			d.sessions[i] = sess
			break
		}
	}
	d.mu.Unlock()
	d.publish("")
	return nil
}

// DeleteSession removes the session server-side, drops its cache, and
// clears the active pointer if it was active.
func (d *Directory) DeleteSession(ctx context.Context, id string) error {
	if err := d.gw.DeleteSession(ctx, id); err != nil {
		return err
	}
	d.ch.LeaveSession(id)
	d.mu.Lock()
	for i := range d.sessions {
		if d.sessions[i].ID == id {
			d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
			break
		}
	}
	delete(d.entries, id)
	wasActive := d.activeID == id
	if wasActive {
		d.activeID = ""
	}
	d.mu.Unlock()
	if wasActive {
		d.stopPolling()
	}
	d.publish("")
	return nil
}

// CheckSessionStatus reconciles the server-side processing flag into
// local state. This is the safety net against a live event (typically
// agent_run_end) being dropped in transit.
func (d *Directory) CheckSessionStatus(ctx context.Context, id string) error {
	sess, err := d.gw.GetSession(ctx, id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	e, ok := d.entries[id]
	changed := ok && e.state.IsProcessing != sess.Active
	if changed {
		e.state.IsProcessing = sess.Active
	}
	d.mu.Unlock()
	if changed {
		d.publish(id)
	}
	return nil
}

// SendMessage submits a user turn on the active session. Fails fast when
// no session is active or the channel is down.
func (d *Directory) SendMessage(text string) error {
	d.mu.Lock()
	id := d.activeID
	d.mu.Unlock()
	if id == "" {
		return ErrNoActiveSession
	}
	return d.ch.SendQuery(id, text)
}

// AbortQuery requests a best-effort stop of the active session's run.
// Local processing state is only cleared when the run-end event actually
// arrives or the status poll reconciles it.
func (d *Directory) AbortQuery() error {
	d.mu.Lock()
	id := d.activeID
	d.mu.Unlock()
	if id == "" {
		return ErrNoActiveSession
	}
	return d.ch.AbortQuery(id)
}

// DismissProcessing manually clears the processing flag for the active
// session, for when the user gives up waiting on a lost run-end.
func (d *Directory) DismissProcessing() {
	d.mu.Lock()
	id := d.activeID
	e, ok := d.entries[id]
	if ok {
		e.state.IsProcessing = false
	}
	d.mu.Unlock()
	if ok {
		d.publish(id)
	}
}

// Watch couples the poll loop to channel lifecycle: polling runs only
// while connected and only for the active session, and a reconnect
// triggers an immediate status reconcile to catch anything dropped
// during the outage. Blocks until ctx is cancelled.
func (d *Directory) Watch(ctx context.Context) {
	statuses := d.ch.Subscribe()
	defer d.ch.Unsubscribe(statuses)

	for {
		select {
		case <-ctx.Done():
			d.stopPolling()
			return
		case ev, ok := <-statuses:
			if !ok {
				return
			}
			switch ev.Status {
			case conn.StatusConnected:
				d.mu.Lock()
				id := d.activeID
				d.mu.Unlock()
				if id != "" {
					if err := d.CheckSessionStatus(ctx, id); err != nil {
						slog.Warn("Status reconcile after reconnect failed", "sessionID", id, "error", err)
					}
					d.restartPolling(id)
				}
			case conn.StatusDisconnected, conn.StatusReconnectFailed:
				d.stopPolling()
			}
		}
	}
}

// restartPolling (re)starts the periodic status poll for the session.
func (d *Directory) restartPolling(id string) {
	d.stopPolling()
	if !d.ch.Status().Connected {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.pollCancel = cancel
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !d.ch.Status().Connected {
					continue
				}
				if err := d.CheckSessionStatus(ctx, id); err != nil {
					slog.Debug("Status poll failed", "sessionID", id, "error", err)
				}
			}
		}
	}()
}

func (d *Directory) stopPolling() {
	d.mu.Lock()
	cancel := d.pollCancel
	d.pollCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
