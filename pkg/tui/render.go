package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/kbchat/pkg/transcript"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	userStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	botStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	thinkingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("246"))
	fileStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Markdown renders an answer body for the terminal.
type Markdown func(string) (string, error)

// GlamourMarkdown renders with glamour's dark style wrapped at width.
func GlamourMarkdown(width int) (Markdown, error) {
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle("dark")}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, err
	}
	return r.Render, nil
}

// PlainMarkdown leaves answers untouched.
func PlainMarkdown(s string) (string, error) {
	return s, nil
}

type renderOptions struct {
	markdown     Markdown
	showThinking bool
	spinner      string
}

// renderTurns draws the whole transcript. Pending bot turns show their
// reasoning so far; finished ones show the answer.
func renderTurns(turns []transcript.Turn, opts renderOptions) string {
	if opts.markdown == nil {
		opts.markdown = PlainMarkdown
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		switch {
		case t.Author == transcript.AuthorUser:
			b.WriteString(userStyle.Render("You: "))
			b.WriteString(t.Body)
			b.WriteString("\n")

		case t.Kind == transcript.KindFile:
			for _, a := range t.Attachments {
				size := ""
				if raw, err := a.Decode(); err == nil {
					size = fmt.Sprintf(", %d bytes", len(raw))
				}
				b.WriteString(fileStyle.Render(fmt.Sprintf("[file] %s (%s%s)", a.Filename, a.MimeType, size)))
				b.WriteString("\n")
			}

		default:
			b.WriteString(botStyle.Render("Bot: "))
			switch {
			case t.State.Pending():
				label := "Thinking..."
				if t.State == transcript.StateInitialProcessing {
					label = "Waiting for the bot..."
				}
				b.WriteString(opts.spinner + " " + thinkingStyle.Render(label))
				b.WriteString("\n")
				writeThinking(&b, t.Thinking, true)
			case t.State == transcript.StateFailed:
				b.WriteString(errorStyle.Render("no answer, connection lost"))
				b.WriteString("\n")
				writeThinking(&b, t.Thinking, opts.showThinking)
			default:
				b.WriteString("\n")
				writeThinking(&b, t.Thinking, opts.showThinking)
				body, err := opts.markdown(t.Body)
				if err != nil {
					body = t.Body
				}
				b.WriteString(strings.TrimRight(body, "\n"))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func writeThinking(b *strings.Builder, steps []string, show bool) {
	if !show {
		return
	}
	for _, step := range steps {
		b.WriteString(thinkingStyle.Render("  > " + step))
		b.WriteString("\n")
	}
}
