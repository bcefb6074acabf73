// Package ui renders live build progress for the check command.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"owlsp/internal/sched"
)

type progressModel struct {
	title   string
	events  <-chan sched.Transition
	spinner spinner.Model
	prog    progress.Model
	items   []unitItem
	index   map[string]int
	width   int
	done    bool
}

type unitItem struct {
	unit   string
	state  sched.State
	detail string
}

type transitionMsg sched.Transition
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that follows the builds of
// units until events is closed.
func NewProgressModel(title string, units []string, events <-chan sched.Transition) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	items := make([]unitItem, 0, len(units))
	index := make(map[string]int, len(units))
	for i, unit := range units {
		items = append(items, unitItem{unit: unit, state: sched.Queued})
		index[unit] = i
	}
	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case transitionMsg:
		cmd := m.apply(sched.Transition(msg))
		return m, tea.Batch(cmd, m.listen())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := fmt.Sprintf("%s (%d/%d)", m.title, m.finished(), len(m.items))
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	nameWidth := max(m.width-16, 20)
	for _, item := range m.items {
		label := item.state.String()
		line := fmt.Sprintf("  %s %s", styleState(item.state).Render(fmt.Sprintf("%10s", label)), truncate(item.unit, nameWidth))
		if item.detail != "" {
			line += "  " + lipgloss.NewStyle().Faint(true).Render(item.detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listen() tea.Cmd {
	return func() tea.Msg {
		tr, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return transitionMsg(tr)
	}
}

// apply records a transition. The Idle that follows a terminal state keeps
// the terminal label so the final screen shows how each build ended.
func (m *progressModel) apply(tr sched.Transition) tea.Cmd {
	idx, ok := m.index[tr.Unit]
	if !ok {
		return nil
	}
	item := &m.items[idx]
	if tr.To == sched.Idle {
		return nil
	}
	item.state = tr.To
	item.detail = ""
	if tr.To.Terminal() && tr.Outcome != nil {
		if tr.To == sched.Succeeded {
			item.detail = fmt.Sprintf("%.1f ms", tr.Outcome.Timings.TotalMS)
		} else {
			item.detail = tr.Outcome.Message()
		}
	}
	return m.prog.SetPercent(m.percent())
}

func (m *progressModel) finished() int {
	n := 0
	for _, item := range m.items {
		if item.state.Terminal() {
			n++
		}
	}
	return n
}

func (m *progressModel) percent() float64 {
	total := 0.0
	for _, item := range m.items {
		switch {
		case item.state.Terminal():
			total += 1.0
		case item.state == sched.Running:
			total += 0.5
		}
	}
	return total / float64(len(m.items))
}

func styleState(st sched.State) lipgloss.Style {
	switch st {
	case sched.Succeeded:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case sched.Failed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case sched.Cancelled:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case sched.Running:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
