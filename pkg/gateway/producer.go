package gateway

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/kbchat/pkg/fragment"
)

// EmitFunc writes one fragment to the requesting client.
type EmitFunc func(fragment.Fragment) error

// Producer answers one prompt by emitting fragments in order.
type Producer interface {
	Produce(ctx context.Context, req fragment.Request, emit EmitFunc) error
}

type ProducerFunc func(ctx context.Context, req fragment.Request, emit EmitFunc) error

func (f ProducerFunc) Produce(ctx context.Context, req fragment.Request, emit EmitFunc) error {
	return f(ctx, req, emit)
}

// EchoProducer thinks once, streams the reply word by word as delta fragments
// and finishes with the full reply.
type EchoProducer struct {
	Delay time.Duration
}

func (p EchoProducer) Produce(ctx context.Context, req fragment.Request, emit EmitFunc) error {
	if err := emit(fragment.Fragment{Type: fragment.TypeThinking, Text: "Reading the prompt."}); err != nil {
		return err
	}
	reply := "You said: " + req.Prompt
	for _, word := range strings.Fields(reply) {
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
		if err := emit(fragment.Fragment{Type: fragment.TypeDelta, Text: word + " "}); err != nil {
			return err
		}
	}
	return emit(fragment.Fragment{Type: fragment.TypeFinalText, Text: reply})
}

// ScriptStep is one scripted fragment. Text may reference the prompt as {{prompt}}.
type ScriptStep struct {
	Type  string        `yaml:"type"`
	Text  string        `yaml:"text,omitempty"`
	Files []ScriptFile  `yaml:"files,omitempty"`
	Delay time.Duration `yaml:"delay,omitempty"`
}

// ScriptFile is an attachment given inline as base64 or read from Path.
type ScriptFile struct {
	Filename string `yaml:"filename"`
	Type     string `yaml:"type"`
	Base64   string `yaml:"base64,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// ScriptProducer replays the same steps for every prompt.
type ScriptProducer struct {
	Steps []ScriptStep `yaml:"steps"`
}

// ParseScript decodes a YAML script. Relative file paths resolve against baseDir.
func ParseScript(data []byte, baseDir string) (*ScriptProducer, error) {
	var p ScriptProducer
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "gateway: parse script")
	}
	if len(p.Steps) == 0 {
		return nil, errors.New("gateway: script has no steps")
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		switch fragment.Type(step.Type) {
		case fragment.TypeThinking, fragment.TypeFinalText, fragment.TypeDelta:
		case fragment.TypeFiles:
			for j := range step.Files {
				f := &step.Files[j]
				if f.Path == "" {
					continue
				}
				path := f.Path
				if !filepath.IsAbs(path) && baseDir != "" {
					path = filepath.Join(baseDir, path)
				}
				b, err := os.ReadFile(path)
				if err != nil {
					return nil, errors.Wrapf(err, "gateway: script step %d", i)
				}
				f.Base64 = base64.StdEncoding.EncodeToString(b)
				if f.Filename == "" {
					f.Filename = filepath.Base(path)
				}
			}
		default:
			return nil, errors.Errorf("gateway: script step %d has unknown type %q", i, step.Type)
		}
	}
	return &p, nil
}

func LoadScript(path string) (*ScriptProducer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: read script")
	}
	return ParseScript(data, filepath.Dir(path))
}

func (p *ScriptProducer) Produce(ctx context.Context, req fragment.Request, emit EmitFunc) error {
	for _, step := range p.Steps {
		if err := sleep(ctx, step.Delay); err != nil {
			return err
		}
		f := fragment.Fragment{
			Type: fragment.Type(step.Type),
			Text: strings.ReplaceAll(step.Text, "{{prompt}}", req.Prompt),
		}
		for _, file := range step.Files {
			f.Files = append(f.Files, fragment.File{Filename: file.Filename, Type: file.Type, Base64: file.Base64})
		}
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
