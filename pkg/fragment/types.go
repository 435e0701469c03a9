// Package fragment holds the gateway wire format and the accumulator that turns a
// stream of raw chunks into complete fragments.
package fragment

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/kbchat/pkg/transcript"
)

const ActionSendMessage = "sendMessage"

type Type string

const (
	TypeThinking  Type = "thinking"
	TypeFinalText Type = "final_text"
	TypeFiles     Type = "files"
	// TypeDelta is emitted by the producer for incremental model text. Clients
	// ignore it and wait for final_text.
	TypeDelta Type = "delta"
)

// Request is what the client writes onto the channel for every prompt.
type Request struct {
	Action    string `json:"action"`
	Prompt    string `json:"prompt"`
	SessionID string `json:"sessionId"`
}

func NewRequest(prompt, sessionID string) Request {
	return Request{Action: ActionSendMessage, Prompt: prompt, SessionID: sessionID}
}

func (r Request) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "fragment: marshal request")
	}
	return b, nil
}

// File is one entry of a files fragment.
type File struct {
	Filename string `json:"filename" yaml:"filename"`
	Type     string `json:"type" yaml:"type"`
	Base64   string `json:"base64" yaml:"base64"`
}

// Fragment is one inbound JSON object. Unknown types are kept so callers can log
// and skip them.
type Fragment struct {
	Type       Type   `json:"type" yaml:"type"`
	Text       string `json:"text,omitempty" yaml:"text,omitempty"`
	Files      []File `json:"files,omitempty" yaml:"files,omitempty"`
	StatusCode int    `json:"statusCode,omitempty" yaml:"statusCode,omitempty"`
}

func (f Fragment) Known() bool {
	switch f.Type {
	case TypeThinking, TypeFinalText, TypeFiles:
		return true
	case TypeDelta:
		return false
	}
	return false
}

func (f Fragment) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "fragment: marshal")
	}
	return b, nil
}

// Attachments converts the files payload to transcript attachments, preserving order.
func (f Fragment) Attachments() []transcript.Attachment {
	if len(f.Files) == 0 {
		return nil
	}
	out := make([]transcript.Attachment, 0, len(f.Files))
	for _, file := range f.Files {
		out = append(out, transcript.Attachment{
			Filename: strings.TrimSpace(file.Filename),
			MimeType: file.Type,
			Payload:  file.Base64,
		})
	}
	return out
}

// Parse decodes one complete JSON value into a Fragment. It fails for values that
// are valid JSON but not fragment objects.
func Parse(raw []byte) (Fragment, error) {
	var f Fragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return Fragment{}, errors.Wrap(err, "fragment: not a fragment object")
	}
	return f, nil
}
