package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/kbchat/pkg/framelog"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

const browserListWidth = 44

var (
	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	modalStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 2)

	modalTitleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)

	inboundStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("118"))
	outboundStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
)

// sessionItem is a recorded session in the browser list.
type sessionItem struct {
	summary framelog.SessionSummary
}

func (i sessionItem) Title() string { return i.summary.SessionID }
func (i sessionItem) Description() string {
	return fmt.Sprintf("%d frames, %s", i.summary.Frames, time.UnixMilli(i.summary.LastAtMs).Format(time.DateTime))
}
func (i sessionItem) FilterValue() string { return i.summary.SessionID }

// Browser lists recorded sessions and shows the transcript rebuilt from the
// selected one. Enter opens the raw frames of the session; pgup and pgdown
// scroll the transcript.
type Browser struct {
	ctx      context.Context
	store    framelog.Store
	markdown Markdown

	list     list.Model
	viewport viewport.Model
	frames   viewport.Model

	selected     string
	turns        map[string][]transcript.Turn
	showThinking bool
	showFrames   bool
	err          error
	width        int
	height       int
}

func NewBrowser(ctx context.Context, store framelog.Store, sessions []framelog.SessionSummary, md Markdown) Browser {
	items := make([]list.Item, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, sessionItem{summary: s})
	}
	l := list.New(items, list.NewDefaultDelegate(), browserListWidth, 20)
	l.Title = "Recorded sessions"
	l.Styles.Title = headerStyle
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)

	if md == nil {
		md = PlainMarkdown
	}
	b := Browser{
		ctx:      ctx,
		store:    store,
		markdown: md,
		list:     l,
		viewport: viewport.New(60, 20),
		frames:   viewport.New(60, 16),
		turns:    map[string][]transcript.Turn{},
	}
	b.selectCurrent()
	return b
}

// Selected is the session under the cursor.
func (b Browser) Selected() string {
	return b.selected
}

func (b Browser) Init() tea.Cmd {
	return nil
}

func (b Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		b.width, b.height = ev.Width, ev.Height
		b.list.SetSize(browserListWidth, max(ev.Height-2, 5))
		b.viewport.Width = max(ev.Width-browserListWidth-6, 20)
		b.viewport.Height = max(ev.Height-4, 5)
		b.frames.Width = max(ev.Width-16, 20)
		b.frames.Height = max(ev.Height-12, 5)
		b.renderTranscript()
		return b, nil

	case tea.KeyMsg:
		if b.showFrames {
			switch ev.String() {
			case "q", "ctrl+c":
				return b, tea.Quit
			case "esc", "enter", "backspace":
				b.showFrames = false
				return b, nil
			}
			var cmd tea.Cmd
			b.frames, cmd = b.frames.Update(msg)
			return b, cmd
		}
		switch ev.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "t":
			b.showThinking = !b.showThinking
			b.renderTranscript()
			return b, nil
		case "enter":
			if b.selected != "" {
				b.showFrames = true
				b.loadFrames()
			}
			return b, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			b.viewport, cmd = b.viewport.Update(msg)
			return b, cmd
		}
		// Other keys move the list cursor only.
		var cmd tea.Cmd
		b.list, cmd = b.list.Update(msg)
		b.selectCurrent()
		return b, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	b.list, cmd = b.list.Update(msg)
	cmds = append(cmds, cmd)
	b.viewport, cmd = b.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return b, tea.Batch(cmds...)
}

func (b *Browser) selectCurrent() {
	item, ok := b.list.SelectedItem().(sessionItem)
	if !ok {
		b.selected = ""
		return
	}
	if item.summary.SessionID == b.selected {
		return
	}
	b.selected = item.summary.SessionID
	b.err = nil
	if _, ok := b.turns[b.selected]; !ok {
		turns, err := framelog.Replay(b.ctx, b.store, b.selected)
		if err != nil {
			b.err = err
		} else {
			b.turns[b.selected] = turns
		}
	}
	b.renderTranscript()
	b.viewport.GotoTop()
}

func (b *Browser) renderTranscript() {
	switch {
	case b.err != nil:
		b.viewport.SetContent(errorStyle.Render(b.err.Error()))
	case b.selected == "":
		b.viewport.SetContent(helpStyle.Render("No session selected"))
	default:
		b.viewport.SetContent(renderTurns(b.turns[b.selected], renderOptions{
			markdown:     b.markdown,
			showThinking: b.showThinking,
		}))
	}
}

func (b *Browser) loadFrames() {
	records, err := b.store.List(b.ctx, framelog.Query{SessionID: b.selected})
	if err != nil {
		b.frames.SetContent(errorStyle.Render(err.Error()))
		return
	}
	var sb strings.Builder
	for _, r := range records {
		style := inboundStyle
		if r.Direction == framelog.DirectionOutbound {
			style = outboundStyle
		}
		sb.WriteString(style.Render(fmt.Sprintf("#%-4d %-3s", r.Seq, r.Direction)))
		sb.WriteString(" ")
		sb.WriteString(r.Payload)
		sb.WriteString("\n")
	}
	b.frames.SetContent(sb.String())
	b.frames.GotoTop()
}

func (b Browser) View() string {
	if b.showFrames {
		modal := modalStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
			modalTitleStyle.Render(" Frames of "+b.selected+" "),
			b.frames.View(),
			helpStyle.Render("esc close • q quit"),
		))
		if b.width == 0 || b.height == 0 {
			return modal
		}
		return lipgloss.Place(b.width, b.height, lipgloss.Center, lipgloss.Center, modal)
	}
	left := b.list.View()
	right := paneStyle.Render(b.viewport.View())
	help := helpStyle.Render("enter frames • t reasoning • pgup/pgdown scroll • q quit")
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right) + "\n" + help
}
