// Command agentdeck is a terminal client for an agent-execution server.
// It connects over a websocket channel, reconciles each session's event
// stream into a message transcript, and renders it in a chat view.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/pkg/config"
	"github.com/agentdeck/agentdeck/pkg/conn"
	"github.com/agentdeck/agentdeck/pkg/directory"
	"github.com/agentdeck/agentdeck/pkg/domain"
	"github.com/agentdeck/agentdeck/pkg/gateway"
	"github.com/agentdeck/agentdeck/pkg/state"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type uiState int

const (
	stateSelectingSession uiState = iota
	stateChatting
)

type errMsg struct{ err error }
type sessionUpdateMsg string
type connStatusMsg conn.StatusEvent
type sessionsLoadedMsg []domain.Session
type activatedMsg string

type model struct {
	ctx context.Context
	dir *directory.Directory
	mgr *conn.Manager
	gw  gateway.Client

	updates  chan string
	statuses chan conn.StatusEvent

	state      uiState
	sessions   []domain.Session
	cursor     int
	listOffset int
	width      int
	height     int
	err        error
	connStatus string

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, dir *directory.Directory, mgr *conn.Manager, gw gateway.Client) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Select a session.")

	// Standard style avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:        ctx,
		dir:        dir,
		mgr:        mgr,
		gw:         gw,
		updates:    dir.Subscribe(),
		statuses:   mgr.Subscribe(),
		state:      stateSelectingSession,
		viewport:   vp,
		textarea:   ta,
		renderer:   r,
		connStatus: describeStatus(mgr.Status()),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.loadSessions(),
		waitForUpdate(m.updates),
		waitForStatus(m.statuses),
		textarea.Blink,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	if _, isKey := msg.(tea.KeyMsg); !isKey || m.state == stateChatting {
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 3
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state == stateChatting {
				m.state = stateSelectingSession
				m.err = nil
				return m, m.loadSessions()
			}
			return m, tea.Quit
		case tea.KeyCtrlR:
			// Manual retry after reconnect exhaustion.
			return m, m.reconnect()
		case tea.KeyEnter:
			if m.state == stateSelectingSession {
				if len(m.sessions) == 0 {
					return m, m.createSession()
				}
				return m, m.activateSession(m.sessions[m.cursor].ID)
			}
			m.err = nil
			return m, m.sendMessage()
		case tea.KeyUp:
			if m.state == stateSelectingSession && m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			if m.state == stateSelectingSession && m.cursor < len(m.sessions)-1 {
				m.cursor++
				maxViewable := m.height - 7
				if maxViewable < 1 {
					maxViewable = 1
				}
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		default:
			if m.state == stateSelectingSession && msg.String() == "n" {
				return m, m.createSession()
			}
		}

	case sessionsLoadedMsg:
		m.sessions = msg
		if m.cursor >= len(m.sessions) {
			m.cursor = 0
		}

	case activatedMsg:
		m.state = stateChatting
		m.textarea.Focus()
		m.viewport.SetContent(m.renderTranscript(string(msg)))
		m.viewport.GotoBottom()

	case sessionUpdateMsg:
		id := string(msg)
		if m.state == stateChatting && id == m.dir.ActiveSessionID() {
			m.viewport.SetContent(m.renderTranscript(id))
			m.viewport.GotoBottom()
		}
		cmds = append(cmds, waitForUpdate(m.updates))

	case connStatusMsg:
		m.connStatus = describeStatusEvent(conn.StatusEvent(msg))
		cmds = append(cmds, waitForStatus(m.statuses))

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}
	statusLine := statusStyle.Render(m.connStatus)

	if m.state == stateSelectingSession {
		header := titleStyle.Render("Sessions")

		maxViewable := m.height - 7
		if maxViewable < 1 {
			maxViewable = 1
		}
		start := m.listOffset
		end := start + maxViewable
		if end > len(m.sessions) {
			end = len(m.sessions)
		}

		var optionsView []string
		for i := start; i < end; i++ {
			s := m.sessions[i]
			name := s.Name
			if name == "" {
				name = s.ID
			}
			line := fmt.Sprintf("%s (%s)", name, s.UpdatedAt.Format(time.RFC822))
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Enter to open, n for new session, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, statusLine, "", list, "", footer, errorView)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Agent Deck"),
		statusLine,
		m.viewport.View(),
		errorView,
		m.textarea.View(),
	)
}

// renderTranscript builds the chat view from the session's reconciled
// state.
func (m model) renderTranscript(id string) string {
	st, ok := m.dir.State(id)
	if !ok {
		return "No session state."
	}

	var sb strings.Builder
	for _, msg := range st.Messages {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("User: "))
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI: "))
		default:
			sb.WriteString(toolStyle.Render(string(msg.Role) + ": "))
		}
		sb.WriteString("\n")

		content := msg.Content
		if msg.Role == domain.RoleAssistant && m.renderer != nil {
			if rendered, err := m.renderer.Render(msg.Content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		if msg.IsStreaming {
			sb.WriteString("▌")
		}
		sb.WriteString("\n")

		for _, tr := range msg.ToolResults {
			status := string(tr.Type)
			if tr.Error != "" {
				status = "error"
			}
			sb.WriteString(toolStyle.Render(fmt.Sprintf("  [%s: %s]", status, tr.Name)))
			sb.WriteString("\n")
		}
	}
	if st.IsProcessing {
		sb.WriteString(statusStyle.Render("… agent is working"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// Commands

func (m model) loadSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.dir.ListSessions(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return sessionsLoadedMsg(sessions)
	}
}

func (m model) createSession() tea.Cmd {
	return func() tea.Msg {
		id, err := m.dir.CreateSession(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return activatedMsg(id)
	}
}

func (m model) activateSession(id string) tea.Cmd {
	return func() tea.Msg {
		if err := m.dir.ActivateSession(m.ctx, id); err != nil {
			return errMsg{err}
		}
		return activatedMsg(id)
	}
}

func (m model) sendMessage() tea.Cmd {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return nil
	}
	m.textarea.Reset()
	return func() tea.Msg {
		if err := m.dir.SendMessage(v); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) reconnect() tea.Cmd {
	return func() tea.Msg {
		if err := m.mgr.Connect(m.ctx); err != nil {
			// Distinguish a dead server from a dead channel endpoint.
			if !m.gw.CheckServerStatus(m.ctx) {
				return errMsg{fmt.Errorf("agent server unreachable: %w", err)}
			}
			return errMsg{err}
		}
		return nil
	}
}

func waitForUpdate(sub chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}

func waitForStatus(sub chan conn.StatusEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return connStatusMsg(ev)
	}
}

func describeStatus(s conn.ConnectionStatus) string {
	switch {
	case s.Connected:
		return "● connected"
	case s.Reconnecting:
		return "◌ reconnecting…"
	default:
		return "○ disconnected (ctrl+r to retry)"
	}
}

func describeStatusEvent(ev conn.StatusEvent) string {
	switch ev.Status {
	case conn.StatusConnected:
		return "● connected"
	case conn.StatusReconnecting:
		return fmt.Sprintf("◌ reconnecting (attempt %d)…", ev.Attempt)
	case conn.StatusReconnectFailed:
		return "○ disconnected, retries exhausted (ctrl+r to retry)"
	default:
		return "○ disconnected"
	}
}

// Boot

func run(serverURL, configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	f, err := os.OpenFile("agentdeck.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.NewHTTPClient(cfg.Server.URL)
	mgr := conn.New(conn.Config{
		URL:                  cfg.ChannelURL(),
		HeartbeatInterval:    time.Duration(cfg.Timing.HeartbeatInterval) * time.Second,
		PingTimeout:          time.Duration(cfg.Timing.PingTimeout) * time.Second,
		MaxReconnectAttempts: cfg.Timing.ReconnectAttempts,
	})
	defer mgr.Disconnect()

	reducer := state.NewReducer(state.NewToolTable())
	reducer.LegacyStreamMatch = cfg.Compat.LegacyStreamMatch

	dir := directory.New(gw, mgr, reducer)
	dir.PollInterval = time.Duration(cfg.Timing.StatusPoll) * time.Second
	go dir.Watch(ctx)

	// A failed first connect is not fatal: the status line shows it and
	// ctrl+r retries.
	if err := mgr.Connect(ctx); err != nil {
		slog.Warn("Initial connect failed", "error", err)
	}

	p := tea.NewProgram(initialModel(ctx, dir, mgr, gw))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}

func main() {
	var serverURL, configPath, logLevel string

	root := &cobra.Command{
		Use:   "agentdeck",
		Short: "Terminal client for an agent-execution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(serverURL, configPath, logLevel)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&serverURL, "server", "", "agent server base URL (overrides config)")
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
