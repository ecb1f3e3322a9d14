package specialist

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/dailybot/internal/llm"
	"gopkg.in/yaml.v3"
)

//go:embed specialists.yaml
var defaultCatalog []byte

// Definition describes one specialist in specialists.yaml.
type Definition struct {
	Tag             Tag      `yaml:"tag"`
	Name            string   `yaml:"name"`
	Triggers        []string `yaml:"triggers"`
	SystemPrompt    string   `yaml:"system_prompt"`
	Temperature     float32  `yaml:"temperature"`
	MaxOutputTokens int32    `yaml:"max_output_tokens"`
}

// Catalog is the decoded specialists.yaml. Specialist order is registry order.
type Catalog struct {
	Coordinator Definition   `yaml:"coordinator"`
	Specialists []Definition `yaml:"specialists"`
}

// ParseCatalog decodes and validates a catalog payload.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("specialist: catalog is empty")
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("specialist: decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.Coordinator.Tag = TagCoordinator
	return &c, nil
}

// LoadCatalog reads path, or the embedded default catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseCatalog(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("specialist: read %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("specialist: %s: %w", path, err)
	}
	return c, nil
}

// Validate checks tags, names and triggers.
func (c *Catalog) Validate() error {
	if len(c.Specialists) == 0 {
		return fmt.Errorf("specialist: catalog defines no specialists")
	}
	if strings.TrimSpace(c.Coordinator.SystemPrompt) == "" {
		return fmt.Errorf("specialist: coordinator system_prompt is required")
	}
	seen := make(map[Tag]bool, len(c.Specialists))
	for i, def := range c.Specialists {
		if !def.Tag.Valid() {
			return fmt.Errorf("specialist: entry %d: unknown tag %q", i, def.Tag)
		}
		if seen[def.Tag] {
			return fmt.Errorf("specialist: duplicate tag %q", def.Tag)
		}
		seen[def.Tag] = true
		if strings.TrimSpace(def.Name) == "" {
			return fmt.Errorf("specialist: %s: name is required", def.Tag)
		}
		if !hasTrigger(def.Triggers) {
			return fmt.Errorf("specialist: %s: at least one non-blank trigger is required", def.Tag)
		}
		if strings.TrimSpace(def.SystemPrompt) == "" {
			return fmt.Errorf("specialist: %s: system_prompt is required", def.Tag)
		}
	}
	return nil
}

func hasTrigger(triggers []string) bool {
	for _, t := range triggers {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// Build constructs LLM-backed specialists sharing gen.
func (c *Catalog) Build(gen llm.Generator, logger *slog.Logger) (*Registry, error) {
	specs := make([]Specialist, 0, len(c.Specialists))
	for _, def := range c.Specialists {
		specs = append(specs, NewLLMSpecialist(def, gen, logger))
	}
	return NewRegistry(NewLLMSpecialist(c.Coordinator, gen, logger), specs...)
}

// Registry is an ordered, immutable set of specialists plus the coordinator
// used by multi-turn exchanges. It is built once at startup.
type Registry struct {
	coordinator Specialist
	specs       []Specialist
	byTag       map[Tag]Specialist
}

// NewRegistry builds a registry. Order of specs is registry order.
// coordinator may be nil when exchanges are not used.
func NewRegistry(coordinator Specialist, specs ...Specialist) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("specialist: registry needs at least one specialist")
	}
	r := &Registry{
		coordinator: coordinator,
		specs:       make([]Specialist, 0, len(specs)),
		byTag:       make(map[Tag]Specialist, len(specs)),
	}
	for _, s := range specs {
		if s == nil {
			return nil, fmt.Errorf("specialist: nil specialist")
		}
		if _, dup := r.byTag[s.Tag()]; dup {
			return nil, fmt.Errorf("specialist: duplicate tag %q", s.Tag())
		}
		r.byTag[s.Tag()] = s
		r.specs = append(r.specs, s)
	}
	return r, nil
}

// All returns the specialists in registry order.
func (r *Registry) All() []Specialist {
	out := make([]Specialist, len(r.specs))
	copy(out, r.specs)
	return out
}

// Tags returns the tags in registry order.
func (r *Registry) Tags() []Tag {
	out := make([]Tag, len(r.specs))
	for i, s := range r.specs {
		out[i] = s.Tag()
	}
	return out
}

// Get looks up a specialist by tag.
func (r *Registry) Get(tag Tag) (Specialist, bool) {
	s, ok := r.byTag[tag]
	return s, ok
}

// Coordinator returns the coordinator, or nil.
func (r *Registry) Coordinator() Specialist {
	return r.coordinator
}

// DisplayName returns the name for tag, falling back to the tag itself.
func (r *Registry) DisplayName(tag Tag) string {
	if tag == TagCoordinator && r.coordinator != nil {
		return r.coordinator.Name()
	}
	if s, ok := r.byTag[tag]; ok {
		return s.Name()
	}
	return string(tag)
}
