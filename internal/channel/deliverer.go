// Package channel connects the orchestrator to messaging transports: web
// sockets, Slack and NATS.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/dailybot/internal/agent"
	"github.com/ashureev/dailybot/internal/domain"
)

// Deliverer sends text to a user. Implementations return
// domain.ErrSessionGone when the user cannot be reached on that transport.
type Deliverer interface {
	Deliver(ctx context.Context, userID, text string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, userID, text string) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, userID, text string) error {
	return f(ctx, userID, text)
}

// Orchestrator answers inbound messages.
type Orchestrator interface {
	Handle(ctx context.Context, ev agent.InboundEvent) agent.Reply
}

// Multi delivers to every member and succeeds if at least one did.
type Multi []Deliverer

// Deliver implements Deliverer.
func (m Multi) Deliver(ctx context.Context, userID, text string) error {
	var errs []error
	delivered := false
	for _, d := range m {
		if err := d.Deliver(ctx, userID, text); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no transport for user %s", domain.ErrSessionGone, userID)
	}
	return errors.Join(errs...)
}

// UserLookup reads user records.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// Fanout routes proactive messages to the transport the user last wrote
// from. When that transport reports the user gone, the others are tried in
// registration order.
type Fanout struct {
	users  UserLookup
	order  []domain.ChannelKind
	byKind map[domain.ChannelKind]Deliverer
	logger *slog.Logger
}

// NewFanout creates an empty Fanout.
func NewFanout(users UserLookup, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{users: users, byKind: make(map[domain.ChannelKind]Deliverer), logger: logger}
}

// Register sets the deliverer for kind. Registration happens before use.
func (f *Fanout) Register(kind domain.ChannelKind, d Deliverer) {
	if _, ok := f.byKind[kind]; !ok {
		f.order = append(f.order, kind)
	}
	f.byKind[kind] = d
}

// Deliver implements Deliverer.
func (f *Fanout) Deliver(ctx context.Context, userID, text string) error {
	var preferred domain.ChannelKind
	u, err := f.users.GetUser(ctx, userID)
	switch {
	case err == nil:
		preferred = u.LastChannel
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}

	candidates := make([]domain.ChannelKind, 0, len(f.order))
	if _, ok := f.byKind[preferred]; ok {
		candidates = append(candidates, preferred)
	}
	for _, k := range f.order {
		if k != preferred {
			candidates = append(candidates, k)
		}
	}

	var errs []error
	for _, kind := range candidates {
		err := f.byKind[kind].Deliver(ctx, userID, text)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrSessionGone) {
			f.logger.Warn("Delivery failed", "user_id", userID, "channel", kind, "error", err)
			return err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no transport for user %s", domain.ErrSessionGone, userID)
	}
	return errors.Join(errs...)
}
