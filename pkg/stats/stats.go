// Package stats summarizes a transcript: turn counts by author and state,
// and token counts of prompts, reasoning and answers.
package stats

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/kbchat/pkg/transcript"
)

type Summary struct {
	Turns          int `json:"turns" yaml:"turns"`
	UserTurns      int `json:"user_turns" yaml:"user_turns"`
	BotTurns       int `json:"bot_turns" yaml:"bot_turns"`
	FileTurns      int `json:"file_turns" yaml:"file_turns"`
	Pending        int `json:"pending" yaml:"pending"`
	Failed         int `json:"failed" yaml:"failed"`
	ThinkingSteps  int `json:"thinking_steps" yaml:"thinking_steps"`
	Attachments    int `json:"attachments" yaml:"attachments"`
	PromptTokens   int `json:"prompt_tokens" yaml:"prompt_tokens"`
	ThinkingTokens int `json:"thinking_tokens" yaml:"thinking_tokens"`
	AnswerTokens   int `json:"answer_tokens" yaml:"answer_tokens"`
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens returns the cl100k token count of s.
func CountTokens(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	c, err := getCodec()
	if err != nil {
		return 0, errors.Wrap(err, "stats: load tokenizer")
	}
	ids, _, err := c.Encode(s)
	if err != nil {
		return 0, errors.Wrap(err, "stats: encode")
	}
	return len(ids), nil
}

func Summarize(turns []transcript.Turn) (Summary, error) {
	var s Summary
	for _, t := range turns {
		s.Turns++
		switch {
		case t.Author == transcript.AuthorUser:
			s.UserTurns++
			n, err := CountTokens(t.Body)
			if err != nil {
				return Summary{}, err
			}
			s.PromptTokens += n
			continue
		case t.Kind == transcript.KindFile:
			s.FileTurns++
			s.Attachments += len(t.Attachments)
			continue
		}

		s.BotTurns++
		if t.State.Pending() {
			s.Pending++
		}
		if t.State == transcript.StateFailed {
			s.Failed++
		}
		s.ThinkingSteps += len(t.Thinking)
		for _, step := range t.Thinking {
			n, err := CountTokens(step)
			if err != nil {
				return Summary{}, err
			}
			s.ThinkingTokens += n
		}
		n, err := CountTokens(t.Body)
		if err != nil {
			return Summary{}, err
		}
		s.AnswerTokens += n
	}
	return s, nil
}
