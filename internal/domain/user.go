// Package domain contains core domain types for the daily assistant.
package domain

import (
	"maps"
	"time"
)

// OnboardingStep is the current position in the credential-setup dialog.
type OnboardingStep string

const (
	StepWelcome            OnboardingStep = "welcome"
	StepDemo               OnboardingStep = "demo"
	StepCredentialGitHub   OnboardingStep = "credential_github"
	StepCredentialGoogle   OnboardingStep = "credential_google"
	StepCredentialYouTrack OnboardingStep = "credential_youtrack"
	StepCompleted          OnboardingStep = "completed"
)

// stepOrder ranks steps so forward progress can be checked.
// Demo and CredentialGitHub are both reachable from Welcome.
var stepOrder = map[OnboardingStep]int{
	StepWelcome:            0,
	StepDemo:               1,
	StepCredentialGitHub:   2,
	StepCredentialGoogle:   3,
	StepCredentialYouTrack: 4,
	StepCompleted:          5,
}

// Valid reports whether s is a known step.
func (s OnboardingStep) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// Rank returns the position of s in the step sequence, or -1 if unknown.
func (s OnboardingStep) Rank() int {
	if r, ok := stepOrder[s]; ok {
		return r
	}
	return -1
}

// Provider is an external service category a credential may be configured for.
type Provider string

const (
	ProviderGitHub   Provider = "github"
	ProviderGoogle   Provider = "google"
	ProviderYouTrack Provider = "youtrack"
)

// Providers lists every optional provider in onboarding order.
var Providers = []Provider{ProviderGitHub, ProviderGoogle, ProviderYouTrack}

// CredentialStatus records what the user did at a provider's onboarding step.
type CredentialStatus string

const (
	CredentialUnset     CredentialStatus = ""
	CredentialCompleted CredentialStatus = "completed"
	CredentialSkipped   CredentialStatus = "skipped"
)

// ChannelKind identifies the messaging channel an event arrived on.
type ChannelKind string

const (
	ChannelWeb   ChannelKind = "web"
	ChannelSlack ChannelKind = "slack"
	ChannelNATS  ChannelKind = "nats"
	ChannelCLI   ChannelKind = "cli"
)

// User is the persisted per-user record. It is only mutated through
// whole-record merge updates (see UserPatch).
type User struct {
	UserID                string                        `json:"user_id"`
	OnboardingStarted     bool                          `json:"onboarding_started"`
	OnboardingCompleted   bool                          `json:"onboarding_completed"`
	OnboardingStep        OnboardingStep                `json:"onboarding_step,omitempty"`
	CredentialFlags       map[Provider]CredentialStatus `json:"credential_flags,omitempty"`
	DemoMode              bool                          `json:"demo_mode"`
	LastChannel           ChannelKind                   `json:"last_channel,omitempty"`
	OnboardingStartedAt   *time.Time                    `json:"onboarding_started_at,omitempty"`
	OnboardingCompletedAt *time.Time                    `json:"onboarding_completed_at,omitempty"`
	CreatedAt             time.Time                     `json:"created_at"`
	UpdatedAt             time.Time                     `json:"updated_at"`
}

// NewUser returns a never-onboarded record for userID.
func NewUser(userID string, now time.Time) *User {
	return &User{
		UserID:          userID,
		CredentialFlags: make(map[Provider]CredentialStatus),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CredentialStatus returns the flag for p, CredentialUnset if absent.
func (u *User) CredentialStatus(p Provider) CredentialStatus {
	if u == nil || u.CredentialFlags == nil {
		return CredentialUnset
	}
	return u.CredentialFlags[p]
}

// NeedsRepair reports a record that started onboarding but lost its step, or
// sits at StepCompleted without being marked completed.
func (u *User) NeedsRepair() bool {
	if !u.OnboardingStarted || u.OnboardingCompleted {
		return false
	}
	return !u.OnboardingStep.Valid() || u.OnboardingStep == StepCompleted
}

// Normalize enforces OnboardingCompleted implies StepCompleted.
func (u *User) Normalize() {
	if u.OnboardingCompleted {
		u.OnboardingStep = StepCompleted
	}
	if u.CredentialFlags == nil {
		u.CredentialFlags = make(map[Provider]CredentialStatus)
	}
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.CredentialFlags = maps.Clone(u.CredentialFlags)
	if c.CredentialFlags == nil {
		c.CredentialFlags = make(map[Provider]CredentialStatus)
	}
	if u.OnboardingStartedAt != nil {
		t := *u.OnboardingStartedAt
		c.OnboardingStartedAt = &t
	}
	if u.OnboardingCompletedAt != nil {
		t := *u.OnboardingCompletedAt
		c.OnboardingCompletedAt = &t
	}
	return &c
}

// UserPatch is a partial update. Nil fields are left unchanged; flags are
// merged key by key.
type UserPatch struct {
	OnboardingStarted     *bool
	OnboardingCompleted   *bool
	OnboardingStep        *OnboardingStep
	CredentialFlags       map[Provider]CredentialStatus
	DemoMode              *bool
	LastChannel           *ChannelKind
	OnboardingStartedAt   *time.Time
	OnboardingCompletedAt *time.Time
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.OnboardingStarted == nil && p.OnboardingCompleted == nil &&
		p.OnboardingStep == nil && len(p.CredentialFlags) == 0 &&
		p.DemoMode == nil && p.LastChannel == nil &&
		p.OnboardingStartedAt == nil && p.OnboardingCompletedAt == nil
}

// Apply returns a copy of u with p merged in and UpdatedAt set to now.
func (u *User) Apply(p UserPatch, now time.Time) *User {
	next := u.Clone()
	if p.OnboardingStarted != nil {
		next.OnboardingStarted = *p.OnboardingStarted
	}
	if p.OnboardingCompleted != nil {
		next.OnboardingCompleted = *p.OnboardingCompleted
	}
	if p.OnboardingStep != nil {
		next.OnboardingStep = *p.OnboardingStep
	}
	for provider, status := range p.CredentialFlags {
		next.CredentialFlags[provider] = status
	}
	if p.DemoMode != nil {
		next.DemoMode = *p.DemoMode
	}
	if p.LastChannel != nil {
		next.LastChannel = *p.LastChannel
	}
	if p.OnboardingStartedAt != nil {
		t := *p.OnboardingStartedAt
		next.OnboardingStartedAt = &t
	}
	if p.OnboardingCompletedAt != nil {
		t := *p.OnboardingCompletedAt
		next.OnboardingCompletedAt = &t
	}
	next.Normalize()
	next.UpdatedAt = now
	return next
}

// Interaction is one logged inbound event, used to find active users.
type Interaction struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Kind      string      `json:"kind"`
	Channel   ChannelKind `json:"channel"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
