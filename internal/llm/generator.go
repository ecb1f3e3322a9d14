// Package llm provides the language model client used by specialists and the
// synthesizer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/dailybot/internal/domain"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Options tunes a single generation call. Zero values mean backend defaults.
type Options struct {
	Temperature     float32
	MaxOutputTokens int32
}

// Generator produces text from a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	return f(ctx, systemPrompt, userPrompt, opts)
}

// Unavailable is used when no model backend is configured. Every call fails
// with domain.ErrUpstream so callers degrade the same way as on an outage.
type Unavailable struct {
	Reason string
}

// Generate always fails.
func (u Unavailable) Generate(context.Context, string, string, Options) (string, error) {
	reason := u.Reason
	if reason == "" {
		reason = "no language model configured"
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUpstream, reason)
}

// Classify maps a backend error onto the domain error taxonomy. Errors that
// already carry a domain sentinel are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsUpstream(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return fmt.Errorf("%w: %s", domain.ErrUpstreamTimeout, st.Message())
		case codes.ResourceExhausted:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, st.Message())
		case codes.InvalidArgument, codes.Internal, codes.DataLoss:
			return fmt.Errorf("%w: %s", domain.ErrMalformedResponse, st.Message())
		}
		return fmt.Errorf("%w: %s: %s", domain.ErrUpstream, st.Code(), st.Message())
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
		case 504:
			return fmt.Errorf("%w: %s", domain.ErrUpstreamTimeout, apiErr.Message)
		}
		return fmt.Errorf("%w: gemini %d: %s", domain.ErrUpstream, apiErr.Code, apiErr.Message)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "quota"):
		return fmt.Errorf("%w: %v", domain.ErrRateLimited, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
}

// checkText rejects an empty generation.
func checkText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", domain.ErrMalformedResponse)
	}
	return text, nil
}
