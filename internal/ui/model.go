package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/floegence/redeven-console/internal/chat"
)

const uiOpTimeout = 15 * time.Second

type focusArea int

const (
	focusComposer focusArea = iota
	focusSidebar
)

type sessionUpdatedMsg struct{}

type sendDoneMsg struct {
	threadID string
	draft    string
	err      error
}

type opDoneMsg struct {
	note string
	err  error
}

type Options struct {
	Session *chat.Session
}

// Model is the console's top-level bubbletea model. It is a thin view over
// the chat session: every durable state change flows through the session, and
// the model re-reads snapshots whenever the session signals an update.
type Model struct {
	sess *chat.Session

	textarea textarea.Model
	viewport viewport.Model
	spin     spinner.Model
	picker   list.Model

	focus       focusArea
	picking     bool
	filter      string
	filtering   bool
	selected    int
	threads     []chat.ThreadSummary
	sendPending bool
	status      string
	err         error

	width  int
	height int
}

func New(opts Options) *Model {
	ti := textarea.New()
	ti.Placeholder = "Message the assistant…"
	ti.Prompt = "› "
	ti.CharLimit = 0
	ti.SetWidth(80)
	ti.SetHeight(2)
	ti.ShowLineNumbers = false
	ti.Focus()

	vp := viewport.New(80, 20)

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	picker := list.New(nil, list.NewDefaultDelegate(), 44, 12)
	picker.Title = "Select model"
	picker.SetShowStatusBar(false)
	picker.DisableQuitKeybindings()

	m := &Model{
		sess:     opts.Session,
		textarea: ti,
		viewport: vp,
		spin:     spin,
		picker:   picker,
		width:    80,
		height:   24,
	}
	m.reloadThreads()
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.listenSession())
}

func (m *Model) listenSession() tea.Cmd {
	ch := m.sess.Updates()
	return func() tea.Msg {
		_, ok := <-ch
		if !ok {
			return nil
		}
		return sessionUpdatedMsg{}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, tea.Batch(cmds...)

	case sessionUpdatedMsg:
		m.reloadThreads()
		m.refreshTranscript()
		cmds = append(cmds, m.listenSession())
		return m, tea.Batch(cmds...)

	case sendDoneMsg:
		m.sendPending = false
		if msg.err != nil {
			m.err = msg.err
			// Restore the draft so the user can edit and retry.
			m.textarea.SetValue(msg.draft)
		} else {
			m.err = nil
		}
		m.reloadThreads()
		m.refreshTranscript()
		return m, tea.Batch(cmds...)

	case opDoneMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.status = msg.note
		}
		m.reloadThreads()
		m.refreshTranscript()
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if m.picking {
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		switch msg.String() {
		case "enter":
			if sel, ok := m.picker.SelectedItem().(modelItem); ok {
				cmds = append(cmds, m.selectModel(string(sel.id)))
			}
			m.picking = false
		case "esc", "ctrl+c":
			m.picking = false
		}
		return m, tea.Batch(cmds...)
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		if m.focus == focusComposer {
			m.focus = focusSidebar
			m.textarea.Blur()
		} else {
			m.focus = focusComposer
			m.filtering = false
			m.textarea.Focus()
		}
		return m, nil
	case "ctrl+n":
		cmds = append(cmds, m.openThread(""))
		m.focus = focusComposer
		m.textarea.Focus()
		return m, tea.Batch(cmds...)
	case "ctrl+p":
		m.openPicker()
		return m, nil
	case "ctrl+y":
		m.copyLastAssistant()
		return m, nil
	case "esc":
		if active := m.sess.ActiveThreadID(); active != "" && m.sess.RunActive(active) {
			return m, m.stopRun(active)
		}
		return m, nil
	}

	if m.focus == focusSidebar {
		return m.handleSidebarKey(msg)
	}

	switch msg.String() {
	case "enter":
		input := m.textarea.Value()
		if strings.TrimSpace(input) == "" {
			return m, nil
		}
		if strings.HasPrefix(strings.TrimSpace(input), "/") {
			m.textarea.Reset()
			return m, m.handleSlash(strings.TrimSpace(input))
		}
		if m.sendPending {
			return m, nil
		}
		m.textarea.Reset()
		m.sendPending = true
		m.err = nil
		return m, m.send(input)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		switch msg.String() {
		case "enter", "esc":
			m.filtering = false
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
			}
		default:
			if len(msg.Runes) > 0 {
				m.filter += string(msg.Runes)
			}
		}
		m.reloadThreads()
		return m, nil
	}

	switch msg.String() {
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.threads)-1 {
			m.selected++
		}
	case "/":
		m.filtering = true
		m.filter = ""
	case "enter":
		if m.selected >= 0 && m.selected < len(m.threads) {
			id := m.threads[m.selected].ThreadID
			m.focus = focusComposer
			m.textarea.Focus()
			return m, m.openThread(id)
		}
	case "ctrl+d":
		if m.selected >= 0 && m.selected < len(m.threads) {
			return m, m.deleteThread(m.threads[m.selected].ThreadID, false)
		}
	}
	return m, nil
}

func (m *Model) handleSlash(input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "/quit", "/exit":
		return tea.Quit
	case "/new":
		return m.openThread("")
	case "/model":
		if len(parts) > 1 {
			return m.selectModel(parts[1])
		}
		m.openPicker()
		return nil
	case "/rename":
		if len(parts) < 2 {
			m.status = "usage: /rename <title>"
			return nil
		}
		title := strings.TrimSpace(strings.TrimPrefix(input, "/rename"))
		return m.renameThread(m.sess.ActiveThreadID(), title)
	case "/delete":
		force := len(parts) > 1 && parts[1] == "force"
		return m.deleteThread(m.sess.ActiveThreadID(), force)
	case "/stop":
		return m.stopRun(m.sess.ActiveThreadID())
	default:
		m.status = "unknown command: " + parts[0]
		return nil
	}
}

// --- session operations as commands ---

func (m *Model) send(input string) tea.Cmd {
	sess := m.sess
	threadID := sess.ActiveThreadID()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		id, err := sess.Send(ctx, threadID, input)
		return sendDoneMsg{threadID: id, draft: input, err: err}
	}
}

func (m *Model) openThread(threadID string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		err := sess.OpenThread(ctx, threadID)
		return opDoneMsg{err: err}
	}
}

func (m *Model) selectModel(modelID string) tea.Cmd {
	sess := m.sess
	threadID := sess.ActiveThreadID()
	return func() tea.Msg {
		if threadID == "" {
			sess.SetDraftModel(modelID)
			return opDoneMsg{note: "model: " + modelID}
		}
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		if err := sess.SelectModel(ctx, threadID, modelID); err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{note: "model: " + modelID}
	}
}

func (m *Model) renameThread(threadID string, title string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		return opDoneMsg{err: sess.RenameThread(ctx, threadID, title)}
	}
}

func (m *Model) deleteThread(threadID string, force bool) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		if err := sess.DeleteThread(ctx, threadID, force); err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{note: "thread deleted"}
	}
}

func (m *Model) stopRun(threadID string) tea.Cmd {
	sess := m.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), uiOpTimeout)
		defer cancel()
		if err := sess.StopRun(ctx, threadID); err != nil {
			return opDoneMsg{err: err}
		}
		return opDoneMsg{note: "cancel requested"}
	}
}

func (m *Model) copyLastAssistant() {
	msgs := m.sess.Messages(m.sess.ActiveThreadID())
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == "assistant" {
			if err := clipboard.WriteAll(msgs[i].Preview()); err != nil {
				m.err = err
				return
			}
			m.status = "copied"
			return
		}
	}
}

// --- view state ---

type modelItem struct {
	id    string
	label string
}

func (i modelItem) FilterValue() string { return i.label }
func (i modelItem) Title() string       { return i.label }
func (i modelItem) Description() string { return i.id }

func (m *Model) openPicker() {
	models := m.sess.Models()
	if models == nil {
		m.status = "models unavailable"
		return
	}
	items := make([]list.Item, 0, len(models.Models))
	for _, md := range models.Models {
		label := md.Label
		if label == "" {
			label = md.ID
		}
		items = append(items, modelItem{id: md.ID, label: label})
	}
	m.picker.SetItems(items)
	m.picking = true
}

func (m *Model) reloadThreads() {
	if strings.TrimSpace(m.filter) != "" {
		m.threads = m.sess.FilterThreads(m.filter)
	} else {
		m.threads = m.sess.Threads()
	}
	if m.selected >= len(m.threads) {
		m.selected = len(m.threads) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
}

func (m *Model) refreshTranscript() {
	active := m.sess.ActiveThreadID()
	lines := renderTranscript(m.sess.Messages(active), m.viewport.Width)
	if todos := renderTodos(m.sess.Todos(active), m.viewport.Width); todos != "" {
		lines = append(lines, "", todos)
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	sidebarWidth := 28
	if width < 80 {
		sidebarWidth = 20
	}
	composerHeight := m.textarea.Height() + 3
	statusHeight := 1
	mainHeight := height - composerHeight - statusHeight - 2
	if mainHeight < 6 {
		mainHeight = 6
	}

	m.viewport.Width = width - sidebarWidth - 6
	m.viewport.Height = mainHeight
	m.textarea.SetWidth(width - 4)
	m.refreshTranscript()
}

func (m *Model) View() string {
	sidebarWidth := 28
	if m.width < 80 {
		sidebarWidth = 20
	}

	sidebar := renderSidebar(m.threads, m.selected, m.sess.ActiveThreadID(), sidebarWidth, m.viewport.Height, m.filter)
	sidebarPane := renderPane("", sidebar, sidebarWidth, m.viewport.Height)
	chatPane := renderPane("", m.viewport.View(), m.viewport.Width+2, m.viewport.Height)
	main := lipgloss.JoinHorizontal(lipgloss.Top, sidebarPane, chatPane)

	composer := renderPane("", m.textarea.View(), m.width-2, m.textarea.Height())

	content := lipgloss.JoinVertical(lipgloss.Left, main, composer, m.statusLine())
	if m.picking {
		return lipgloss.JoinVertical(lipgloss.Left, content, modalStyle.Render(m.picker.View()))
	}
	return content
}

func (m *Model) statusLine() string {
	active := m.sess.ActiveThreadID()
	parts := []string{}

	model := m.sess.ResolvedModel(active)
	if model != "" {
		parts = append(parts, "model: "+model)
	}
	if m.sess.RunActive(active) || m.sendPending {
		label := m.sess.Phase(active)
		if label == "" {
			label = "Working"
		}
		parts = append(parts, label+"… "+m.spin.View())
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	if m.err != nil {
		parts = append(parts, errStyle.Render(fmt.Sprintf("error: %v", m.err)))
	}
	if len(parts) == 0 {
		parts = append(parts, "tab sidebar • ctrl+n new • ctrl+p model • esc stop • ctrl+c quit")
	}
	return dimStyle.Render(" " + strings.Join(parts, " • "))
}
