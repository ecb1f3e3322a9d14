package synthesis

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/stretchr/testify/assert"
)

type countingModel struct {
	calls int
	text  string
	err   error
}

func (m *countingModel) Generate(context.Context, string, string, llm.Options) (string, error) {
	m.calls++
	return m.text, m.err
}

func TestSynthesize(t *testing.T) {
	planner := Result{Tag: specialist.TagPlanner, Name: "Daily Planner", Text: "Block 9-11 for the report."}
	motivator := Result{Tag: specialist.TagMotivator, Name: "Motivator", Text: "You've got this."}
	failed := Result{Tag: specialist.TagAnalyst, Err: domain.ErrUpstreamTimeout}

	tests := []struct {
		name      string
		results   []Result
		model     *countingModel
		wantMode  Mode
		wantText  string
		wantCalls int
	}{
		{"zero", nil, &countingModel{}, ModeNoResult, NoResultReply, 0},
		{"all errored", []Result{failed, failed}, &countingModel{}, ModeNoResult, NoResultReply, 0},
		{"single verbatim", []Result{planner}, &countingModel{text: "rewritten"}, ModeSingle, planner.Text, 0},
		{"single after errors", []Result{failed, planner}, &countingModel{}, ModeSingle, planner.Text, 0},
		{"composed", []Result{planner, motivator}, &countingModel{text: "merged"}, ModeComposed, "merged", 1},
		{"compose fails", []Result{planner, failed, motivator}, &countingModel{err: domain.ErrRateLimited}, ModeConcatenated,
			"*Daily Planner*\nBlock 9-11 for the report." + Separator + "*Motivator*\nYou've got this.", 1},
		{"compose empty", []Result{planner, motivator}, &countingModel{text: "   "}, ModeConcatenated,
			"*Daily Planner*\nBlock 9-11 for the report." + Separator + "*Motivator*\nYou've got this.", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.model, nil)
			out := s.Synthesize(context.Background(), "U1", "plan my day", tt.results)
			assert.Equal(t, tt.wantMode, out.Mode)
			assert.Equal(t, tt.wantText, out.Text)
			assert.Equal(t, tt.wantCalls, tt.model.calls)
		})
	}
}

// Whatever the composition call does, no usable text is lost.
func TestConcatenationKeepsEveryResult(t *testing.T) {
	results := []Result{
		{Tag: specialist.TagPlanner, Text: "alpha"},
		{Tag: specialist.TagAnalyst, Text: "beta"},
		{Tag: specialist.TagDeveloper, Text: "gamma"},
		{Tag: specialist.TagResearcher, Err: errors.New("boom")},
	}
	out := New(&countingModel{err: errors.New("down")}, nil).Synthesize(context.Background(), "U1", "x", results)
	for _, want := range []string{"alpha", "beta", "gamma"} {
		assert.Contains(t, out.Text, want)
	}
	assert.Equal(t, []specialist.Tag{specialist.TagPlanner, specialist.TagAnalyst, specialist.TagDeveloper}, out.Used)
	assert.Contains(t, out.Text, "*planner*")
}

func TestConcatenationKeepsSurroundingWhitespace(t *testing.T) {
	results := []Result{
		{Tag: specialist.TagPlanner, Text: "  Plan A"},
		{Tag: specialist.TagAnalyst, Text: "Plan B\n"},
	}
	out := New(&countingModel{err: errors.New("down")}, nil).Synthesize(context.Background(), "U1", "x", results)

	assert.Equal(t, ModeConcatenated, out.Mode)
	assert.Contains(t, out.Text, "  Plan A")
	assert.Contains(t, out.Text, "Plan B\n")
}
