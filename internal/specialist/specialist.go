// Package specialist defines the named capabilities a message can be routed to
// and the immutable registry that holds them.
package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/dailybot/internal/llm"
)

// Tag identifies a specialist capability. Routing and synthesis work over
// tags, never over concrete types.
type Tag string

const (
	TagCoordinator  Tag = "coordinator"
	TagPlanner      Tag = "planner"
	TagAnalyst      Tag = "analyst"
	TagMotivator    Tag = "motivator"
	TagDeveloper    Tag = "developer"
	TagResearcher   Tag = "researcher"
	TagCommunicator Tag = "communicator"
)

var knownTags = map[Tag]bool{
	TagPlanner:      true,
	TagAnalyst:      true,
	TagMotivator:    true,
	TagDeveloper:    true,
	TagResearcher:   true,
	TagCommunicator: true,
}

// Valid reports whether t is a registrable specialist tag. The coordinator
// is not a specialist and is not valid here.
func (t Tag) Valid() bool {
	return knownTags[t]
}

// Specialist handles one category of user intent.
type Specialist interface {
	Tag() Tag
	// Name is the display name used when merging replies.
	Name() string
	// Triggers are lower-case keywords matched by substring containment.
	Triggers() []string
	Handle(ctx context.Context, userID, text string) (string, error)
}

// LLMSpecialist answers by calling the shared language model client with its
// own system prompt.
type LLMSpecialist struct {
	tag          Tag
	name         string
	triggers     []string
	systemPrompt string
	opts         llm.Options
	gen          llm.Generator
	logger       *slog.Logger
}

// NewLLMSpecialist builds a specialist from a definition.
func NewLLMSpecialist(def Definition, gen llm.Generator, logger *slog.Logger) *LLMSpecialist {
	if logger == nil {
		logger = slog.Default()
	}
	triggers := make([]string, 0, len(def.Triggers))
	for _, t := range def.Triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			triggers = append(triggers, t)
		}
	}
	return &LLMSpecialist{
		tag:          def.Tag,
		name:         def.Name,
		triggers:     triggers,
		systemPrompt: strings.TrimSpace(def.SystemPrompt),
		opts:         llm.Options{Temperature: def.Temperature, MaxOutputTokens: def.MaxOutputTokens},
		gen:          gen,
		logger:       logger,
	}
}

// Tag returns the capability tag.
func (s *LLMSpecialist) Tag() Tag { return s.tag }

// Name returns the display name.
func (s *LLMSpecialist) Name() string { return s.name }

// Triggers returns a copy of the trigger keywords.
func (s *LLMSpecialist) Triggers() []string {
	out := make([]string, len(s.triggers))
	copy(out, s.triggers)
	return out
}

// Handle asks the model to answer text as this specialist.
func (s *LLMSpecialist) Handle(ctx context.Context, userID, text string) (string, error) {
	start := time.Now()
	reply, err := s.gen.Generate(ctx, s.systemPrompt, text, s.opts)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.tag, err)
	}
	s.logger.Debug("Specialist replied", "specialist", s.tag, "user_id", userID, "elapsed", time.Since(start))
	return reply, nil
}
