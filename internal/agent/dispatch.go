package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/ashureev/dailybot/internal/synthesis"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// DefaultSpecialistTimeout bounds one specialist call.
const DefaultSpecialistTimeout = 45 * time.Second

// Dispatcher runs the selected specialists concurrently.
type Dispatcher struct {
	registry *specialist.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A non-positive timeout uses
// DefaultSpecialistTimeout.
func NewDispatcher(registry *specialist.Registry, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSpecialistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, timeout: timeout, logger: logger}
}

// Dispatch calls every tag with text and returns one result per tag, in the
// order given. Failures and timeouts become errored results; Dispatch itself
// never fails and returns only after every call has finished or timed out.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, text string, tags []specialist.Tag) []synthesis.Result {
	ctx, span := startSpan(ctx, "agent.dispatch", attribute.String("user.id", userID), attribute.Int("specialists", len(tags)))
	defer span.End()

	results := make([]synthesis.Result, len(tags))

	var g errgroup.Group
	for i, tag := range tags {
		results[i] = synthesis.Result{Tag: tag, Name: d.registry.DisplayName(tag)}
		spec, ok := d.registry.Get(tag)
		if !ok {
			results[i].Err = fmt.Errorf("%w: unknown specialist %q", domain.ErrUpstream, tag)
			continue
		}
		g.Go(func() error {
			start := time.Now()
			results[i].Text, results[i].Err = d.call(ctx, spec, userID, text)
			if results[i].Err != nil {
				d.logger.Warn("Specialist call failed", "user_id", userID, "specialist", tag, "duration", time.Since(start), "error", results[i].Err)
			} else {
				d.logger.Debug("Specialist replied", "user_id", userID, "specialist", tag, "duration", time.Since(start))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type callResult struct {
	text string
	err  error
}

// call bounds one specialist call by the dispatcher timeout, even when the
// specialist ignores its context.
func (d *Dispatcher) call(ctx context.Context, spec specialist.Specialist, userID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		out, err := spec.Handle(ctx, userID, text)
		done <- callResult{text: out, err: err}
	}()

	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s: %v", domain.ErrUpstreamTimeout, spec.Tag(), ctx.Err())
	}
}
