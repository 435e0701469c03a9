package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/kbchat/pkg/transcript"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf("unknown output format %q", format)
}

// lastExchange returns the turns from the last user prompt onwards.
func lastExchange(turns []transcript.Turn) []transcript.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Author == transcript.AuthorUser {
			return turns[i:]
		}
	}
	return turns
}

// printTurns writes turns as text, rendering answers as markdown when
// markdown is set.
func printTurns(w io.Writer, turns []transcript.Turn, markdown, showThinking bool) error {
	for _, t := range turns {
		switch {
		case t.Author == transcript.AuthorUser:
			if _, err := fmt.Fprintf(w, "> %s\n\n", t.Body); err != nil {
				return err
			}
		case t.Kind == transcript.KindFile:
			for _, a := range t.Attachments {
				if _, err := fmt.Fprintf(w, "[file] %s (%s)\n", a.Filename, a.MimeType); err != nil {
					return err
				}
			}
		default:
			if showThinking {
				for _, step := range t.Thinking {
					if _, err := fmt.Fprintf(w, "  ~ %s\n", step); err != nil {
						return err
					}
				}
			}
			body := t.Body
			if t.State != transcript.StateReceived {
				body = fmt.Sprintf("%s[%s]", body, t.State)
			} else if markdown {
				if rendered, err := glamour.Render(body, "dark"); err == nil {
					body = strings.TrimRight(rendered, "\n")
				}
			}
			if _, err := fmt.Fprintln(w, body); err != nil {
				return err
			}
		}
	}
	return nil
}

// saveAttachments decodes every attachment of turns into dir and returns the
// written paths. File names are reduced to their base name.
func saveAttachments(dir string, turns []transcript.Turn) ([]string, error) {
	var written []string
	for _, t := range turns {
		for _, a := range t.Attachments {
			raw, err := a.Decode()
			if err != nil {
				return written, err
			}
			name := filepath.Base(a.Filename)
			if name == "." || name == string(filepath.Separator) || name == "" {
				name = "attachment"
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return written, errors.Wrap(err, "create attachment directory")
			}
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return written, errors.Wrapf(err, "write %s", path)
			}
			written = append(written, path)
		}
	}
	return written, nil
}
