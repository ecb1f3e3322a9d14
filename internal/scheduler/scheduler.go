// Package scheduler pushes the weekday welcome and hourly check-ins to
// recently active users.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/onboarding"
)

const (
	planningRequest = "Write a short good-morning planning prompt that asks me for my top three priorities today."
	planTimeout     = 30 * time.Second

	fallbackPlanning = "What are the three things that would make today a success? Reply here and I'll help you plan around them."

	welcomeHeader = "Good morning! Here's your daily kickoff:"

	onboardingInvite = `Welcome to your daily assistant!
Before I can help with your day I need to finish setting up your account. Type anything to continue the setup.`

	checkinMessage = "How's your work going? Do you need any assistance with your current tasks?"
)

// UserSource lists users eligible for proactive messages.
type UserSource interface {
	ListActiveUsers(ctx context.Context, since time.Time) ([]*domain.User, error)
}

// Deliverer sends one proactive message.
type Deliverer interface {
	Deliver(ctx context.Context, userID, text string) error
}

// Planner produces the planning section of the welcome. specialist.Specialist
// satisfies it.
type Planner interface {
	Handle(ctx context.Context, userID, text string) (string, error)
}

// Config sets the slots. Hours are in Location; check-in hours are inclusive.
type Config struct {
	Location     *time.Location
	WelcomeHour  int
	CheckinStart int
	CheckinEnd   int
	ActiveWithin time.Duration
	TickInterval time.Duration
}

// Kind is the type of a proactive slot.
type Kind string

const (
	KindWelcome Kind = "welcome"
	KindCheckin Kind = "checkin"
)

// Slot is one scheduled push, identified by its kind and local hour.
type Slot struct {
	Kind Kind
	At   time.Time
}

func (s Slot) key() string {
	return string(s.Kind) + "@" + s.At.Format("2006-01-02T15")
}

// Scheduler sends proactive messages on weekday slots. Each slot fires at
// most once per process.
type Scheduler struct {
	users     UserSource
	deliverer Deliverer
	planner   Planner
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	sent map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a Scheduler. planner may be nil, in which case the welcome uses
// the fixed planning prompt.
func New(users UserSource, deliverer Deliverer, planner Planner, cfg Config, opts ...Option) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.ActiveWithin <= 0 {
		cfg.ActiveWithin = 7 * 24 * time.Hour
	}
	s := &Scheduler{
		users:     users,
		deliverer: deliverer,
		planner:   planner,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		sent:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the tick loop in a goroutine until ctx is cancelled. The
// returned channel is closed when the loop exits.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(s.cfg.TickInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.logger.Info("Scheduler started",
			"interval", s.cfg.TickInterval,
			"timezone", s.cfg.Location.String(),
			"welcome_hour", s.cfg.WelcomeHour)

		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-ctx.Done():
				s.logger.Info("Scheduler shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Due returns the slot that is open at t, if any.
func (s *Scheduler) Due(t time.Time) (Slot, bool) {
	local := t.In(s.cfg.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Slot{}, false
	}
	// Truncate works on absolute time, so build the hour in the zone instead.
	at := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.cfg.Location)

	switch h := local.Hour(); {
	case h == s.cfg.WelcomeHour:
		return Slot{Kind: KindWelcome, At: at}, true
	case h >= s.cfg.CheckinStart && h <= s.cfg.CheckinEnd:
		return Slot{Kind: KindCheckin, At: at}, true
	}
	return Slot{}, false
}

// Tick sends the currently open slot if it has not been sent yet. It returns
// the number of successful deliveries.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	slot, ok := s.Due(now)
	if !ok || !s.claim(slot) {
		return 0
	}

	users, err := s.users.ListActiveUsers(ctx, now.Add(-s.cfg.ActiveWithin))
	if err != nil {
		s.logger.Error("Scheduler failed to list active users", "slot", slot.Kind, "error", err)
		s.release(slot)
		return 0
	}
	if len(users) == 0 {
		return 0
	}

	s.logger.Info("Scheduler sending", "slot", slot.Kind, "at", slot.At, "users", len(users))
	delivered := 0
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		text := s.message(ctx, slot, u)
		if text == "" {
			continue
		}
		if err := s.deliverer.Deliver(ctx, u.UserID, text); err != nil {
			s.logger.Warn("Scheduler delivery failed", "slot", slot.Kind, "user_id", u.UserID, "error", err)
			continue
		}
		delivered++
	}
	s.logger.Info("Scheduler slot completed", "slot", slot.Kind, "delivered", delivered)
	return delivered
}

// message returns the text for u, or "" when u gets nothing in this slot.
func (s *Scheduler) message(ctx context.Context, slot Slot, u *domain.User) string {
	routable := onboarding.CheckGate(u)
	switch slot.Kind {
	case KindWelcome:
		if !routable {
			return onboardingInvite
		}
		return s.welcome(ctx, u.UserID)
	case KindCheckin:
		if !routable {
			return ""
		}
		return checkinMessage
	}
	return ""
}

func (s *Scheduler) welcome(ctx context.Context, userID string) string {
	return fmt.Sprintf("%s\n\n%s", welcomeHeader, s.planning(ctx, userID))
}

func (s *Scheduler) planning(ctx context.Context, userID string) string {
	if s.planner == nil {
		return fallbackPlanning
	}
	ctx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()

	text, err := s.planner.Handle(ctx, userID, planningRequest)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.logger.Warn("Planner unavailable for welcome, using fixed prompt", "user_id", userID, "error", err)
		}
		return fallbackPlanning
	}
	return strings.TrimSpace(text)
}

func (s *Scheduler) claim(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent[slot.key()] {
		return false
	}
	s.sent[slot.key()] = true
	// Keep only today's keys.
	day := slot.At.Format("2006-01-02")
	for k := range s.sent {
		if !strings.Contains(k, "@"+day) {
			delete(s.sent, k)
		}
	}
	return true
}

func (s *Scheduler) release(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, slot.key())
}
