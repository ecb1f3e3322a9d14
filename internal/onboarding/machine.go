// Package onboarding implements the per-user credential set-up dialog that
// gates access to the specialists.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
)

// WelcomePolicy decides what unrecognised input does at the welcome step.
type WelcomePolicy string

const (
	// WelcomePermissive treats any input as "continue".
	WelcomePermissive WelcomePolicy = "permissive"
	// WelcomeStrict re-prompts until a control word arrives.
	WelcomeStrict WelcomePolicy = "strict"
)

// Store is the persistence the machine needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	MergeUpdate(ctx context.Context, userID string, patch domain.UserPatch) (*domain.User, error)
	StoreCredential(ctx context.Context, userID string, provider domain.Provider, blob []byte) error
}

// Result describes one Advance call. Reply is always set.
type Result struct {
	Reply    string
	User     *domain.User
	From     domain.OnboardingStep
	To       domain.OnboardingStep
	Advanced bool
	Repaired bool
}

// Machine drives the onboarding dialog. It is safe for concurrent use;
// calls for the same user are serialized.
type Machine struct {
	store  Store
	policy WelcomePolicy
	locks  *userLocks
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a Machine. An unknown policy falls back to permissive.
func NewMachine(store Store, policy WelcomePolicy, opts ...Option) *Machine {
	if policy != WelcomeStrict {
		policy = WelcomePermissive
	}
	m := &Machine{
		store:  store,
		policy: policy,
		locks:  newUserLocks(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckGate reports whether u may be routed to specialists.
func CheckGate(u *domain.User) bool {
	return u != nil && u.OnboardingCompleted
}

// Advance consumes one message for userID. The returned error is
// domain.ErrValidation for rejected input and domain.ErrPersistence when the
// store failed; in both cases the stored state is unchanged and Result.Reply
// holds the message to send.
func (m *Machine) Advance(ctx context.Context, userID, text string) (Result, error) {
	unlock, err := m.locks.lock(ctx, userID)
	if err != nil {
		return Result{Reply: retryReply}, fmt.Errorf("wait for user lock: %w", err)
	}
	defer unlock()

	user, err := m.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		user = nil
	case err != nil:
		m.logger.Error("Failed to load user for onboarding", "user_id", userID, "error", err)
		return Result{Reply: retryReply}, persistenceErr(err)
	}

	if user == nil || !user.OnboardingStarted {
		return m.start(ctx, userID)
	}
	if user.OnboardingCompleted {
		return Result{Reply: alreadyCompleted, User: user, From: domain.StepCompleted, To: domain.StepCompleted}, nil
	}
	if user.NeedsRepair() {
		return m.repair(ctx, user)
	}

	step := user.OnboardingStep
	t, err := m.transition(step, text)
	if err != nil {
		m.logger.Info("Onboarding input rejected", "user_id", userID, "step", step, "error", err)
		return Result{Reply: t.reply, User: user, From: step, To: step}, err
	}
	if t.patch.Empty() && t.credential == nil {
		return Result{Reply: t.reply, User: user, From: step, To: step}, nil
	}

	// Stored material must exist before the step is reported as advanced.
	if t.credential != nil {
		if err := m.store.StoreCredential(ctx, userID, t.credential.provider, t.credential.blob); err != nil {
			m.logger.Error("Failed to store credential", "user_id", userID, "provider", t.credential.provider, "error", err)
			return Result{Reply: retryReply, User: user, From: step, To: step}, persistenceErr(err)
		}
	}

	next := step
	if t.patch.OnboardingStep != nil {
		next = *t.patch.OnboardingStep
	}
	if next.Rank() < step.Rank() {
		return Result{Reply: retryReply, User: user, From: step, To: step},
			fmt.Errorf("onboarding: refusing backward transition %s -> %s", step, next)
	}

	updated, err := m.store.MergeUpdate(ctx, userID, t.patch)
	if err != nil {
		m.logger.Error("Failed to persist onboarding step", "user_id", userID, "from", step, "to", next, "error", err)
		return Result{Reply: retryReply, User: user, From: step, To: step}, persistenceErr(err)
	}

	m.logger.Info("Onboarding advanced", "user_id", userID, "from", step, "to", updated.OnboardingStep)
	return Result{
		Reply:    t.reply,
		User:     updated,
		From:     step,
		To:       updated.OnboardingStep,
		Advanced: updated.OnboardingStep != step,
	}, nil
}

func (m *Machine) start(ctx context.Context, userID string) (Result, error) {
	now := m.now()
	updated, err := m.store.MergeUpdate(ctx, userID, domain.UserPatch{
		OnboardingStarted:   domain.Ptr(true),
		OnboardingStep:      domain.Ptr(domain.StepWelcome),
		OnboardingStartedAt: &now,
	})
	if err != nil {
		m.logger.Error("Failed to start onboarding", "user_id", userID, "error", err)
		return Result{Reply: retryReply}, persistenceErr(err)
	}
	m.logger.Info("Onboarding started", "user_id", userID)
	return Result{Reply: welcomePrompt, User: updated, To: domain.StepWelcome, Advanced: true}, nil
}

// repair resets a record that started onboarding but lost its step.
func (m *Machine) repair(ctx context.Context, user *domain.User) (Result, error) {
	m.logger.Warn("Repairing inconsistent onboarding record", "user_id", user.UserID, "step", user.OnboardingStep)
	updated, err := m.store.MergeUpdate(ctx, user.UserID, domain.UserPatch{
		OnboardingStep: domain.Ptr(domain.StepWelcome),
		DemoMode:       domain.Ptr(false),
	})
	if err != nil {
		return Result{Reply: retryReply, User: user, From: user.OnboardingStep, To: user.OnboardingStep}, persistenceErr(err)
	}
	return Result{Reply: welcomePrompt, User: updated, From: user.OnboardingStep, To: domain.StepWelcome, Repaired: true}, nil
}

type credential struct {
	provider domain.Provider
	blob     []byte
}

// transition is the pure part of a step: what to store, what to persist and
// what to say.
type transition struct {
	patch      domain.UserPatch
	credential *credential
	reply      string
}

func (m *Machine) transition(step domain.OnboardingStep, text string) (transition, error) {
	control := ParseControl(text)

	switch step {
	case domain.StepWelcome:
		switch {
		case control == ControlSkip:
			return transition{
				patch: domain.UserPatch{OnboardingStep: domain.Ptr(domain.StepDemo), DemoMode: domain.Ptr(true)},
				reply: demoAgenda(),
			}, nil
		case control == ControlContinue || m.policy == WelcomePermissive:
			return transition{
				patch: domain.UserPatch{OnboardingStep: domain.Ptr(domain.StepCredentialGitHub)},
				reply: githubPrompt,
			}, nil
		}
		return transition{reply: welcomeRepromptStrict}, fmt.Errorf("%w: expected continue or skip", domain.ErrValidation)

	case domain.StepDemo:
		return transition{
			patch: domain.UserPatch{OnboardingStep: domain.Ptr(domain.StepCredentialGitHub)},
			reply: demoDone + githubPrompt,
		}, nil

	case domain.StepCredentialGitHub:
		if control == ControlSkip {
			return skipTo(domain.ProviderGitHub, domain.StepCredentialGoogle, googlePrompt), nil
		}
		token, err := ValidateGitHubToken(text)
		if err != nil {
			return transition{reply: githubInvalid}, err
		}
		return m.storeAndAdvance(domain.ProviderGitHub, domain.StepCredentialGoogle, googlePrompt,
			map[string]string{"token": token})

	case domain.StepCredentialGoogle:
		switch control {
		case ControlSkip:
			return skipTo(domain.ProviderGoogle, domain.StepCredentialYouTrack, youtrackPrompt), nil
		case ControlContinue:
			return transition{reply: googleInstructions}, nil
		}
		token, err := ValidateGoogleRefreshToken(text)
		if err != nil {
			return transition{reply: googleInvalid}, err
		}
		return m.storeAndAdvance(domain.ProviderGoogle, domain.StepCredentialYouTrack, youtrackPrompt,
			map[string]string{"refresh_token": token})

	case domain.StepCredentialYouTrack:
		if control == ControlSkip {
			t := skipTo(domain.ProviderYouTrack, domain.StepCompleted, completedPrompt)
			m.complete(&t.patch)
			return t, nil
		}
		instanceURL, token, err := ParseYouTrack(text)
		if err != nil {
			return transition{reply: youtrackInvalid}, err
		}
		t, err := m.storeAndAdvance(domain.ProviderYouTrack, domain.StepCompleted, completedPrompt,
			map[string]string{"url": instanceURL, "token": token})
		if err != nil {
			return t, err
		}
		m.complete(&t.patch)
		return t, nil
	}

	return transition{reply: welcomePrompt}, fmt.Errorf("onboarding: no transition from step %q", step)
}

func skipTo(provider domain.Provider, next domain.OnboardingStep, reply string) transition {
	return transition{
		patch: domain.UserPatch{
			OnboardingStep:  domain.Ptr(next),
			CredentialFlags: map[domain.Provider]domain.CredentialStatus{provider: domain.CredentialSkipped},
		},
		reply: reply,
	}
}

func (m *Machine) storeAndAdvance(provider domain.Provider, next domain.OnboardingStep, reply string, fields map[string]string) (transition, error) {
	fields["stored_at"] = m.now().UTC().Format(time.RFC3339)
	blob, err := json.Marshal(fields)
	if err != nil {
		return transition{reply: retryReply}, fmt.Errorf("encode %s credential: %w", provider, err)
	}
	return transition{
		patch: domain.UserPatch{
			OnboardingStep:  domain.Ptr(next),
			CredentialFlags: map[domain.Provider]domain.CredentialStatus{provider: domain.CredentialCompleted},
		},
		credential: &credential{provider: provider, blob: blob},
		reply:      reply,
	}, nil
}

func (m *Machine) complete(p *domain.UserPatch) {
	now := m.now()
	p.OnboardingCompleted = domain.Ptr(true)
	p.OnboardingStep = domain.Ptr(domain.StepCompleted)
	p.OnboardingCompletedAt = &now
}

func persistenceErr(err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}
