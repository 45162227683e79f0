// Package tui is the interactive chat front end.
package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"groundedqa/internal/domain"
	"groundedqa/internal/service"
	"groundedqa/internal/synth"
)

// Asker is the chat-facing subset of the service.
type Asker interface {
	Ask(ctx context.Context, question, sessionID string, opts ...service.AskOption) (*domain.Answer, error)
	ResetSession(ctx context.Context, sessionID string) error
}

type exchange struct {
	question string
	answer   *domain.Answer
	err      error
}

type answerMsg struct {
	question string
	answer   *domain.Answer
	err      error
}

// Model is the Bubble Tea model for a single chat session.
type Model struct {
	ctx       context.Context
	svc       Asker
	session   string
	input     textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	exchanges []exchange
	summary   string
	status    string
	pending   bool
	ready     bool
}

func New(ctx context.Context, svc Asker, session, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question, /reset to start over"
	ti.Focus()
	ti.CharLimit = 0
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		ctx:      ctx,
		svc:      svc,
		session:  session,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		summary:  summary,
		status:   "Ready.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) ask(q string) tea.Cmd {
	return func() tea.Msg {
		a, err := m.svc.Ask(m.ctx, q, m.session)
		return answerMsg{question: q, answer: a, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := transcriptBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, summary, status, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.refresh()
		return m, nil
	case answerMsg:
		m.pending = false
		m.exchanges = append(m.exchanges, exchange(msg))
		if msg.err != nil {
			m.status = service.UserMessage(msg.err)
		} else {
			m.status = fmt.Sprintf("Confidence: %s", msg.answer.Confidence)
		}
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil
	case spinner.TickMsg:
		if !m.pending {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.pending {
				return m, nil
			}
			m.input.SetValue("")
			if q == "/reset" {
				if err := m.svc.ResetSession(m.ctx, m.session); err != nil {
					m.status = service.UserMessage(err)
				} else {
					m.exchanges = nil
					m.status = "Session cleared."
					m.refresh()
				}
				return m, nil
			}
			m.pending = true
			m.status = fmt.Sprintf("Thinking about %q", q)
			return m, tea.Batch(m.ask(q), m.spinner.Tick)
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Grounded Q&A")
	summary := mutedStyle.Render(m.summary)
	status := statusStyle.Render(m.status)
	if m.pending {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" + summary + "\n" +
		transcriptBoxStyle.Render(m.viewport.View()) + "\n" +
		queryBoxStyle.Render(m.input.View()) + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
}

func (m Model) renderTranscript() string {
	if len(m.exchanges) == 0 {
		return mutedStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for i, ex := range m.exchanges {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(questionStyle.Render("Q: "+ex.question) + "\n")
		if ex.err != nil {
			b.WriteString(errorStyle.Render(service.UserMessage(ex.err)) + "\n")
			continue
		}
		b.WriteString(highlightMarkers(ex.answer.Text) + "\n")
		if src := synth.FormatSources(ex.answer); src != "" {
			b.WriteString(mutedStyle.Render(strings.TrimRight(src, "\n")) + "\n")
		}
	}
	return b.String()
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	questionStyle      = lipgloss.NewStyle().Bold(true)
	highlightStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	mutedStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	markerRe           = regexp.MustCompile(`\[\d+(?:\s*,\s*\d+)*\]`)
)

// highlightMarkers renders citation markers so they stand out in the answer.
func highlightMarkers(text string) string {
	return markerRe.ReplaceAllStringFunc(text, func(s string) string {
		return highlightStyle.Render(s)
	})
}
