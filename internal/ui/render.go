package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/tidwall/gjson"

	"github.com/floegence/redeven-console/internal/chat"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#43BF6D"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D7A85"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5EA4BF"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D7A85")).Italic(true)
)

// renderTranscript flattens a transcript into display lines.
func renderTranscript(messages []*chat.Message, width int) []string {
	if width <= 0 {
		width = 80
	}
	var lines []string
	for _, m := range messages {
		if m == nil {
			continue
		}
		lines = append(lines, renderMessage(m, width)...)
		lines = append(lines, "")
	}
	if len(lines) == 0 {
		return []string{dimStyle.Render("No messages yet. Type below to start.")}
	}
	return lines
}

func renderMessage(m *chat.Message, width int) []string {
	header := roleHeader(m)
	lines := []string{header}

	gjson.Get(m.JSON, "blocks").ForEach(func(_, blk gjson.Result) bool {
		switch strings.TrimSpace(blk.Get("type").String()) {
		case "markdown", "text":
			for _, l := range wrapText(blk.Get("content").String(), width-2) {
				lines = append(lines, "  "+l)
			}
		case "tool-call":
			lines = append(lines, renderToolCall(blk, width)...)
		case "error":
			for _, l := range wrapText(blk.Get("message").String(), width-2) {
				lines = append(lines, "  "+errStyle.Render(l))
			}
		}
		return true
	})

	if m.Status() == "streaming" {
		lines = append(lines, "  "+pendingStyle.Render("…"))
	}
	return lines
}

func roleHeader(m *chat.Message) string {
	ts := ""
	if ms := m.TimestampUnixMs(); ms > 0 {
		ts = " " + dimStyle.Render(time.UnixMilli(ms).Format("15:04"))
	}
	suffix := ""
	if m.Local {
		suffix = " " + pendingStyle.Render("(sending)")
	}
	switch m.Role() {
	case "user":
		return userStyle.Render("You") + ts + suffix
	case "assistant":
		return assistantStyle.Render("Assistant") + ts
	case "system":
		return systemStyle.Render("Notice") + ts
	default:
		return dimStyle.Render(m.Role()) + ts
	}
}

func renderToolCall(blk gjson.Result, width int) []string {
	name := strings.TrimSpace(blk.Get("toolName").String())
	if name == "" {
		name = "tool"
	}
	status := strings.TrimSpace(blk.Get("status").String())
	marker := "•"
	switch status {
	case "success":
		marker = "✓"
	case "error":
		marker = "✗"
	case "running":
		marker = "…"
	}
	head := fmt.Sprintf("  %s %s", marker, toolStyle.Render(name))
	if status != "" && status != "success" {
		head += " " + dimStyle.Render(status)
	}
	lines := []string{head}

	if blk.Get("collapsed").Bool() {
		return lines
	}
	out := strings.TrimSpace(blk.Get("output").String())
	if out == "" {
		out = strings.TrimSpace(blk.Get("result").String())
	}
	if out != "" {
		wrapped := wrapText(out, width-6)
		if len(wrapped) > 8 {
			wrapped = append(wrapped[:8], dimStyle.Render("…"))
		}
		for _, l := range wrapped {
			lines = append(lines, "      "+dimStyle.Render(l))
		}
	}
	return lines
}

// renderSidebar renders the thread directory entries, selection highlighted.
func renderSidebar(threads []chat.ThreadSummary, selected int, activeID string, width int, height int, filter string) string {
	var b strings.Builder
	title := "Threads"
	if strings.TrimSpace(filter) != "" {
		title = "Threads / " + filter
	}
	b.WriteString(userStyle.Render(title) + "\n")

	rows := height - 1
	if rows < 1 {
		rows = 1
	}
	start := 0
	if selected >= rows {
		start = selected - rows + 1
	}
	for i := start; i < len(threads) && i < start+rows; i++ {
		th := threads[i]
		label := th.Title
		if strings.TrimSpace(label) == "" {
			label = "(untitled)"
		}
		marker := "  "
		if th.ThreadID == activeID {
			marker = "· "
		}
		if chat.IsActiveRunState(th.RunStatus) {
			marker = "▸ "
		}
		line := marker + runewidth.Truncate(label, width-4, "…")
		if i == selected {
			line = lipgloss.NewStyle().Reverse(true).Render(line)
		} else if th.ThreadID == activeID {
			line = userStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	if len(threads) == 0 {
		b.WriteString(dimStyle.Render("  no threads"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderTodos shows the active thread's task list, when one exists.
func renderTodos(view *chat.ThreadTodosView, width int) string {
	if view == nil || len(view.Todos) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render("Tasks") + "\n")
	for _, td := range view.Todos {
		marker := "[ ]"
		switch td.Status {
		case chat.TodoStatusInProgress:
			marker = "[~]"
		case chat.TodoStatusCompleted:
			marker = "[x]"
		case chat.TodoStatusCancelled:
			marker = "[-]"
		}
		b.WriteString(runewidth.Truncate(fmt.Sprintf("%s %s", marker, td.Content), width-2, "…") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func wrapText(text string, width int) []string {
	if width < 8 {
		width = 8
	}
	var out []string
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if runewidth.StringWidth(raw) <= width {
			out = append(out, raw)
			continue
		}
		line := ""
		for _, word := range strings.Fields(raw) {
			if line == "" {
				line = word
				continue
			}
			if runewidth.StringWidth(line)+1+runewidth.StringWidth(word) > width {
				out = append(out, line)
				line = word
				continue
			}
			line += " " + word
		}
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

func renderPane(title string, body string, width int, height int) string {
	titleText := userStyle.Render(title)
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#5E6472")).
		Padding(0, 1)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		totalHeight := height + 2
		if strings.TrimSpace(title) != "" {
			totalHeight++
		}
		style = style.Height(totalHeight)
	}
	content := body
	if strings.TrimSpace(title) != "" {
		content = lipgloss.JoinVertical(lipgloss.Left, titleText, body)
	}
	return style.Render(content)
}

var modalStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(1).
	BorderForeground(lipgloss.Color("#FFB454"))
