// Package tui is the interactive chat front end. It redraws from transcript
// snapshots whenever the reconciler reports a change.
package tui

import (
	"context"
	"strings"

	"github.com/atotto/clipboard"
	bspinner "github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

// Session is the part of the reconciler the UI drives.
type Session interface {
	SessionID() string
	SendPrompt(ctx context.Context, text string) error
	Snapshot() []transcript.Turn
	Processing() bool
	Ready() bool
}

var _ Session = (*reconciler.Reconciler)(nil)

// Feed returns a listener for the reconciler and the channel the model reads
// change notifications from. Notifications are dropped when the UI lags; the
// next one redraws from a fresh snapshot anyway.
func Feed(buffer int) (reconciler.Listener, <-chan reconciler.Change) {
	ch := make(chan reconciler.Change, buffer)
	return func(c reconciler.Change) {
		select {
		case ch <- c:
		default:
		}
	}, ch
}

type changeMsg reconciler.Change

type sendResultMsg struct{ err error }

type feedClosedMsg struct{}

func waitForChange(ch <-chan reconciler.Change) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return changeMsg(c)
	}
}

type Model struct {
	ctx      context.Context
	session  Session
	changes  <-chan reconciler.Change
	markdown Markdown
	plain    bool

	spinner  bspinner.Model
	input    textinput.Model
	viewport viewport.Model

	turns        []transcript.Turn
	processing   bool
	showThinking bool
	status       string
	width        int
}

type Option func(*Model)

// WithPlain disables markdown rendering of answers.
func WithPlain() Option {
	return func(m *Model) {
		m.plain = true
		m.markdown = PlainMarkdown
	}
}

func WithMarkdown(md Markdown) Option {
	return func(m *Model) { m.markdown = md }
}

func NewModel(ctx context.Context, session Session, changes <-chan reconciler.Change, options ...Option) Model {
	sp := bspinner.New()
	sp.Spinner = bspinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	in := textinput.New()
	in.Placeholder = "Ask the knowledge base..."
	in.Prompt = "> "
	in.Focus()

	m := Model{
		ctx:      ctx,
		session:  session,
		changes:  changes,
		spinner:  sp,
		input:    in,
		viewport: viewport.New(80, 20),
	}
	for _, opt := range options {
		opt(&m)
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, waitForChange(m.changes))
}

func (m Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return sendResultMsg{err: m.session.SendPrompt(m.ctx, text)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.viewport.Width = ev.Width
		m.viewport.Height = max(ev.Height-4, 3)
		m.input.Width = max(ev.Width-4, 10)
		if !m.plain {
			if md, err := GlamourMarkdown(ev.Width - 4); err == nil {
				m.markdown = md
			} else {
				log.Debug().Err(err).Str("component", "tui").Msg("markdown renderer unavailable")
			}
		}
		m.render()
		return m, nil

	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+t":
			m.showThinking = !m.showThinking
			m.render()
			return m, nil
		case "ctrl+y":
			m.copyLastAnswer()
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if m.processing || text == "" {
				return m, nil
			}
			m.input.Reset()
			m.status = ""
			return m, m.sendCmd(text)
		}

	case changeMsg:
		m.refresh()
		return m, waitForChange(m.changes)

	case sendResultMsg:
		m.refresh()
		switch {
		case ev.err == nil:
		case errors.Is(ev.err, reconciler.ErrChannelNotOpen):
			m.status = "not connected, prompt kept locally"
		default:
			m.status = ev.err.Error()
		}
		return m, nil

	case feedClosedMsg:
		m.status = "disconnected"
		m.refresh()
		return m, nil

	case bspinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.processing {
			m.render()
		}
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// refresh pulls a new snapshot and re-enables input once the bot is done.
func (m *Model) refresh() {
	m.turns = m.session.Snapshot()
	m.processing = m.session.Processing()
	if m.processing {
		m.input.Blur()
	} else if !m.input.Focused() {
		m.input.Focus()
	}
	m.render()
}

func (m *Model) render() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderTurns(m.turns, renderOptions{
		markdown:     m.markdown,
		showThinking: m.showThinking,
		spinner:      m.spinner.View(),
	}))
	if atBottom || m.processing {
		m.viewport.GotoBottom()
	}
}

func (m *Model) copyLastAnswer() {
	for i := len(m.turns) - 1; i >= 0; i-- {
		t := m.turns[i]
		if t.Author == transcript.AuthorBot && t.Kind == transcript.KindText && t.State == transcript.StateReceived {
			if err := clipboard.WriteAll(t.Body); err != nil {
				m.status = "copy failed: " + err.Error()
				return
			}
			m.status = "answer copied"
			return
		}
	}
	m.status = "nothing to copy"
}

func (m Model) View() string {
	title := headerStyle.Render("kbchat") + helpStyle.Render("  session "+m.session.SessionID())
	switch {
	case m.processing:
		title += "  " + m.spinner.View()
	case !m.session.Ready():
		title += "  " + errorStyle.Render("offline")
	}
	if m.status != "" {
		title += "  " + helpStyle.Render(m.status)
	}
	help := helpStyle.Render("enter send • ctrl+t reasoning • ctrl+y copy answer • esc quit")
	return title + "\n" + m.viewport.View() + "\n" + m.input.View() + "\n" + help
}
