// Package synthesis merges specialist replies into a single answer.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/specialist"
)

// Separator joins replies when the composition call is unavailable.
const Separator = "\n\n---\n\n"

// NoResultReply is returned when no specialist produced usable output.
const NoResultReply = "I'm not sure how to help with that yet. Could you tell me a bit more about what you need?"

const composeSystemPrompt = `You merge answers from several workplace assistants into one reply.
Keep every concrete suggestion, remove repetition, and address the user directly.
Do not mention the assistants by name.`

// Result is one specialist invocation.
type Result struct {
	Tag  specialist.Tag
	Name string
	Text string
	Err  error
}

// Mode records how a reply was produced.
type Mode string

const (
	ModeNoResult     Mode = "no-result"
	ModeSingle       Mode = "single"
	ModeComposed     Mode = "composed"
	ModeConcatenated Mode = "concatenated"
)

// Output is the synthesized reply.
type Output struct {
	Text string
	Mode Mode
	// Used lists the specialists whose text went into the reply.
	Used []specialist.Tag
}

// Synthesizer turns zero, one or many results into exactly one reply.
type Synthesizer struct {
	gen    llm.Generator
	logger *slog.Logger
}

// New creates a Synthesizer that composes with gen.
func New(gen llm.Generator, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{gen: gen, logger: logger}
}

// Synthesize merges results for request. Errored and blank results are
// dropped and logged.
func (s *Synthesizer) Synthesize(ctx context.Context, userID, request string, results []Result) Output {
	usable := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			s.logger.Warn("Excluding failed specialist result", "user_id", userID, "specialist", r.Tag, "error", r.Err)
			continue
		}
		if strings.TrimSpace(r.Text) == "" {
			s.logger.Warn("Excluding empty specialist result", "user_id", userID, "specialist", r.Tag)
			continue
		}
		usable = append(usable, r)
	}

	switch len(usable) {
	case 0:
		return Output{Text: NoResultReply, Mode: ModeNoResult}
	case 1:
		return Output{Text: usable[0].Text, Mode: ModeSingle, Used: tags(usable)}
	}

	text, err := s.gen.Generate(ctx, composeSystemPrompt, composePrompt(request, usable), llm.Options{Temperature: 0.3})
	if err == nil && strings.TrimSpace(text) != "" {
		return Output{Text: text, Mode: ModeComposed, Used: tags(usable)}
	}
	if err != nil {
		s.logger.Warn("Composition failed, concatenating replies", "user_id", userID, "results", len(usable), "error", err)
	} else {
		s.logger.Warn("Composition returned empty text, concatenating replies", "user_id", userID, "results", len(usable))
	}
	return Output{Text: Concatenate(usable), Mode: ModeConcatenated, Used: tags(usable)}
}

// Concatenate joins results with Separator, each prefixed by its name.
func Concatenate(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, fmt.Sprintf("*%s*\n%s", displayName(r), r.Text))
	}
	return strings.Join(blocks, Separator)
}

func composePrompt(request string, results []Result) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(request)
	b.WriteString("\n\nAssistant answers:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n## %s\n%s\n", displayName(r), strings.TrimSpace(r.Text))
	}
	b.WriteString("\nWrite the single merged reply.")
	return b.String()
}

func displayName(r Result) string {
	if r.Name != "" {
		return r.Name
	}
	return string(r.Tag)
}

func tags(results []Result) []specialist.Tag {
	out := make([]specialist.Tag, len(results))
	for i, r := range results {
		out[i] = r.Tag
	}
	return out
}
