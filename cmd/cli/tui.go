package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/nstogner/storyloom/pkg/coordinator"
	"github.com/nstogner/storyloom/pkg/quota"
	"github.com/nstogner/storyloom/pkg/store"
	"github.com/nstogner/storyloom/pkg/transport"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	tabStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Padding(0, 1)
	activeTabStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true).Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

const attachCommand = "/attach"

type errMsg struct{ err error }
type sessionUpdateMsg string

type loadedMsg struct {
	sessions []store.Session
	messages []store.Message
}

type switchedMsg string

type model struct {
	ctx     context.Context
	coord   *coordinator.Coordinator
	store   store.Store
	quota   *quota.Limiter
	updates <-chan string

	sessions []store.Session
	active   string
	messages []store.Message

	width  int
	height int
	err    error

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, coord *coordinator.Coordinator, st store.Store, limiter *quota.Limiter) model {
	ta := textarea.New()
	ta.Placeholder = "Describe a story..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	// Enter sends; alt+enter inserts a newline.
	ta.KeyMap.InsertNewline.SetKeys("alt+enter")

	vp := viewport.New(80, 20)

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		coord:    coord,
		store:    st,
		quota:    limiter,
		updates:  st.Subscribe(),
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.pickInitialSession(), waitForUpdate(m.updates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if key, ok := msg.(tea.KeyMsg); ok {
		if next, cmd, handled := m.handleKey(key); handled {
			return next, cmd
		}
	}

	var tiCmd, vpCmd tea.Cmd
	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(0, msg.Height-m.textarea.Height()-5) // Header + tabs + status
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(20, m.width-4)),
		)
		m.refreshView()

	case switchedMsg:
		m.active = string(msg)
		cmds = append(cmds, m.reload())

	case sessionUpdateMsg:
		slog.Debug("TUI received update for session", "sessionID", string(msg))
		cmds = append(cmds, m.reload(), waitForUpdate(m.updates))

	case loadedMsg:
		m.sessions = msg.sessions
		m.messages = msg.messages
		m.refreshView()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// handleKey runs the coordinator commands bound to keys. handled is false
// for keys that belong to the text area or viewport.
func (m model) handleKey(key tea.KeyMsg) (model, tea.Cmd, bool) {
	switch key.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit, true
	case "enter":
		m.err = nil
		v := m.textarea.Value()
		if strings.TrimSpace(v) == "" {
			return m, nil, true
		}
		m.textarea.Reset()
		return m, m.send(v), true
	case "ctrl+n":
		m.err = nil
		return m, m.switchTo(uuid.NewString()), true
	case "tab":
		m.err = nil
		if next := nextSession(m.sessions, m.active); next != "" {
			return m, m.switchTo(next), true
		}
		return m, nil, true
	case "ctrl+x":
		return m, m.call(func(ctx context.Context, id string) error { return m.coord.Stop(ctx, id) }), true
	case "ctrl+e":
		return m, m.call(func(ctx context.Context, id string) error { return m.coord.Expand(ctx, id) }), true
	case "ctrl+r":
		target := lastStory(m.messages)
		if target == "" {
			m.err = errors.New("nothing to rerun")
			return m, nil, true
		}
		m.err = nil
		return m, m.call(func(ctx context.Context, _ string) error { return m.coord.Rerun(ctx, target) }), true
	case "ctrl+d":
		deleted := m.active
		next := nextSession(m.sessions, deleted)
		if next == "" || next == deleted {
			next = uuid.NewString()
		}
		return m, tea.Sequence(
			m.call(func(ctx context.Context, id string) error { return m.coord.DeleteSession(ctx, id) }),
			m.switchTo(next),
		), true
	}
	return m, nil, false
}

func (m model) send(input string) tea.Cmd {
	sessionID := m.active
	prompt, attachments := parseInput(input)
	return func() tea.Msg {
		if _, err := m.coord.Start(m.ctx, sessionID, prompt, attachments...); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				slog.Warn("Turn rejected", "sessionID", sessionID, "error", err)
			}
			return errMsg{err}
		}
		return nil
	}
}

func (m model) call(fn func(ctx context.Context, sessionID string) error) tea.Cmd {
	sessionID := m.active
	return func() tea.Msg {
		if err := fn(m.ctx, sessionID); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) switchTo(sessionID string) tea.Cmd {
	return func() tea.Msg {
		if err := m.coord.SwitchTo(m.ctx, sessionID); err != nil {
			return errMsg{err}
		}
		return switchedMsg(sessionID)
	}
}

// pickInitialSession resumes the most recently updated session, or opens a
// fresh one when there is none.
func (m model) pickInitialSession() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.store.ListSessions(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		id := uuid.NewString()
		if len(sessions) > 0 {
			id = sessions[0].ID
		}
		return m.switchTo(id)()
	}
}

func (m model) reload() tea.Cmd {
	sessionID := m.active
	return func() tea.Msg {
		sessions, err := m.store.ListSessions(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		var msgs []store.Message
		if sessionID != "" {
			if msgs, err = m.store.ListMessages(m.ctx, sessionID); err != nil {
				return errMsg{err}
			}
		}
		return loadedMsg{sessions: sessions, messages: msgs}
	}
}

func (m *model) refreshView() {
	var sb strings.Builder
	for _, msg := range m.messages {
		sb.WriteString(m.renderMessage(msg))
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) markdown(s string) string {
	if m.renderer == nil {
		return s
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s
	}
	return out
}

func (m model) renderMessage(msg store.Message) string {
	var sb strings.Builder
	switch {
	case msg.Role == store.RoleUser:
		sb.WriteString(userStyle.Render("You: "))
	case msg.Type == store.TypeHighlightReel:
		sb.WriteString(senderStyle.Render("Highlights: "))
	case msg.Type == store.TypeRecommendation:
		sb.WriteString(senderStyle.Render("Up next: "))
	default:
		sb.WriteString(senderStyle.Render("Story: "))
	}
	sb.WriteString("\n")

	switch {
	case msg.Type == store.TypeImage:
		sb.WriteString(hintStyle.Render("  [image] " + msg.Content))
		sb.WriteString("\n")
	case msg.Error:
		sb.WriteString(errorStyle.Render(msg.Content))
		sb.WriteString("\n")
	case msg.Content == "" && msg.Thinking:
		sb.WriteString(statusStyle.Render("  " + msg.StatusText + "..."))
		sb.WriteString("\n")
	default:
		sb.WriteString(m.markdown(msg.Content))
		if msg.Streaming && msg.StatusText != "" {
			sb.WriteString(statusStyle.Render("  " + msg.StatusText + "..."))
			sb.WriteString("\n")
		}
		if msg.Type == store.TypePreview && !msg.Expanded && msg.FullContent != msg.Content {
			sb.WriteString(hintStyle.Render("  ctrl+e to expand"))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (m model) tabs() string {
	var out []string
	for i, s := range m.sessions {
		label := s.Title
		if label == "" {
			label = fmt.Sprintf("session %d", i+1)
		}
		if s.ID == m.active {
			out = append(out, activeTabStyle.Render(label))
		} else {
			out = append(out, tabStyle.Render(label))
		}
	}
	if !containsSession(m.sessions, m.active) {
		out = append(out, activeTabStyle.Render("new session"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, out...)
}

func (m model) statusLine() string {
	snap := m.coord.Snapshot(m.active)
	parts := []string{string(snap.Status)}
	if snap.StageLabel != "" && !snap.Status.Terminal() {
		parts = append(parts, snap.StageLabel)
	}
	if snap.Watching {
		parts = append(parts, "running in background")
	}
	if m.quota != nil {
		if left := m.quota.Remaining(m.active); left >= 0 {
			parts = append(parts, fmt.Sprintf("%d turns left", left))
		}
	}
	return hintStyle.Render(strings.Join(parts, " · "))
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Storyloom"),
		m.tabs(),
		m.viewport.View(),
		m.statusLine(),
		errorView,
		m.textarea.View(),
	)
}

func waitForUpdate(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		id, ok := <-sub
		if !ok {
			return nil
		}
		return sessionUpdateMsg(id)
	}
}

// parseInput splits "/attach <url>" lines from the prompt text. A bare
// "/attach" line is dropped.
func parseInput(input string) (string, []transport.Attachment) {
	var lines []string
	var attachments []transport.Attachment
	for _, line := range strings.Split(input, "\n") {
		if url, ok := attachArg(line); ok {
			if url != "" {
				attachments = append(attachments, transport.Attachment{URL: url})
			}
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), attachments
}

// attachArg reports whether line is an attach command and returns its argument.
func attachArg(line string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), attachCommand)
	if !ok {
		return "", false
	}
	if rest != "" && !unicode.IsSpace(rune(rest[0])) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// nextSession returns the session after current in list order, wrapping.
func nextSession(sessions []store.Session, current string) string {
	if len(sessions) == 0 {
		return ""
	}
	for i, s := range sessions {
		if s.ID == current {
			return sessions[(i+1)%len(sessions)].ID
		}
	}
	return sessions[0].ID
}

// lastStory returns the ID of the newest assistant message that can be rerun.
func lastStory(msgs []store.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Role == store.RoleAssistant && !msg.Type.Derivative() {
			return msg.ID
		}
	}
	return ""
}

func containsSession(sessions []store.Session, id string) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}
