package onboarding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const githubToken = "abcdefghijABCDEFGHIJ0123456789abcdefghij"

type fakeStore struct {
	mu          sync.Mutex
	users       map[string]*domain.User
	credentials map[string][]byte
	credWrites  int
	failGet     error
	failMerge   error
	failCred    error
	now         time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]*domain.User),
		credentials: make(map[string][]byte),
		now:         time.Unix(1700000000, 0),
	}
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u.Clone(), nil
}

func (f *fakeStore) MergeUpdate(_ context.Context, userID string, patch domain.UserPatch) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMerge != nil {
		return nil, f.failMerge
	}
	cur, ok := f.users[userID]
	if !ok {
		cur = domain.NewUser(userID, f.now)
	}
	next := cur.Apply(patch, f.now)
	f.users[userID] = next
	return next.Clone(), nil
}

func (f *fakeStore) StoreCredential(_ context.Context, userID string, provider domain.Provider, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCred != nil {
		return f.failCred
	}
	f.credWrites++
	f.credentials[userID+"/"+string(provider)] = blob
	return nil
}

func (f *fakeStore) user(id string) *domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].Clone()
}

func (f *fakeStore) put(u *domain.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.Normalize()
	f.users[u.UserID] = u
}

func newTestMachine(store Store, policy WelcomePolicy) *Machine {
	return NewMachine(store, policy, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
}

func atStep(id string, step domain.OnboardingStep) *domain.User {
	u := domain.NewUser(id, time.Unix(1699990000, 0))
	u.OnboardingStarted = true
	u.OnboardingStep = step
	return u
}

func TestFirstContactStartsAtWelcome(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "hello")
	require.NoError(t, err)
	assert.Equal(t, welcomePrompt, res.Reply)
	assert.Equal(t, domain.StepWelcome, res.To)

	u := store.user("U1")
	assert.True(t, u.OnboardingStarted)
	assert.False(t, CheckGate(u))
	require.NotNil(t, u.OnboardingStartedAt)
}

func TestWelcomePolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   WelcomePolicy
		text     string
		wantStep domain.OnboardingStep
		wantErr  error
		wantDemo bool
	}{
		{"skip goes to demo", WelcomePermissive, "Skip", domain.StepDemo, nil, true},
		{"later goes to demo", WelcomeStrict, "later", domain.StepDemo, nil, true},
		{"continue", WelcomeStrict, " YES! ", domain.StepCredentialGitHub, nil, false},
		{"permissive advances on anything", WelcomePermissive, "hmm", domain.StepCredentialGitHub, nil, false},
		{"strict re-prompts", WelcomeStrict, "hmm", domain.StepWelcome, domain.ErrValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.put(atStep("U1", domain.StepWelcome))
			m := newTestMachine(store, tt.policy)

			res, err := m.Advance(context.Background(), "U1", tt.text)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, welcomeRepromptStrict, res.Reply)
			} else {
				require.NoError(t, err)
			}
			u := store.user("U1")
			assert.Equal(t, tt.wantStep, u.OnboardingStep)
			assert.Equal(t, tt.wantDemo, u.DemoMode)
		})
	}
}

func TestDemoAnyInputContinues(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepDemo))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "standup first, then reviews")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Reply, githubPrompt))
	assert.Equal(t, domain.StepCredentialGitHub, store.user("U1").OnboardingStep)
}

func TestCredentialSkipMarksProvider(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCredentialGitHub))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "skip")
	require.NoError(t, err)
	assert.Equal(t, googlePrompt, res.Reply)

	u := store.user("U1")
	assert.Equal(t, domain.StepCredentialGoogle, u.OnboardingStep)
	assert.Equal(t, domain.CredentialSkipped, u.CredentialStatus(domain.ProviderGitHub))
	assert.Zero(t, store.credWrites)
}

func TestValidGitHubTokenStoresAndAdvances(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCredentialGitHub))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", githubToken)
	require.NoError(t, err)
	assert.True(t, res.Advanced)

	u := store.user("U1")
	assert.Equal(t, domain.StepCredentialGoogle, u.OnboardingStep)
	assert.Equal(t, domain.CredentialCompleted, u.CredentialStatus(domain.ProviderGitHub))
	assert.Contains(t, string(store.credentials["U1/github"]), githubToken)
}

func TestInvalidCredentialDoesNotAdvance(t *testing.T) {
	tests := []struct {
		step  domain.OnboardingStep
		text  string
		reply string
	}{
		{domain.StepCredentialGitHub, "not-a-token", githubInvalid},
		{domain.StepCredentialGoogle, "ya29.access-token", googleInvalid},
		{domain.StepCredentialYouTrack, "youtrack.example.com", youtrackInvalid},
		{domain.StepCredentialYouTrack, "ftp://youtrack.example.com perm:x", youtrackInvalid},
	}
	for _, tt := range tests {
		t.Run(string(tt.step)+"/"+tt.text, func(t *testing.T) {
			store := newFakeStore()
			before := atStep("U1", tt.step)
			store.put(before.Clone())
			m := newTestMachine(store, WelcomePermissive)

			res, err := m.Advance(context.Background(), "U1", tt.text)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, tt.reply, res.Reply)
			if diff := cmp.Diff(before, store.user("U1")); diff != "" {
				t.Errorf("state changed (-before +after):\n%s", diff)
			}
			assert.Zero(t, store.credWrites)
		})
	}
}

func TestGoogleContinueShowsInstructions(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCredentialGoogle))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "continue")
	require.NoError(t, err)
	assert.Equal(t, googleInstructions, res.Reply)
	assert.False(t, res.Advanced)
	assert.Equal(t, domain.StepCredentialGoogle, store.user("U1").OnboardingStep)
}

func TestFullOnboarding(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store, WelcomePermissive)
	ctx := context.Background()

	inputs := []string{
		"hi",
		"continue",
		githubToken,
		"1//0gAbCdEfGhIjKlMnOpQrStUv-wxyz_123",
		"https://acme.youtrack.cloud perm:dGVzdA==.abc",
	}
	lastRank := -1
	for _, in := range inputs {
		_, err := m.Advance(ctx, "U1", in)
		require.NoError(t, err, "input %q", in)
		rank := store.user("U1").OnboardingStep.Rank()
		assert.GreaterOrEqual(t, rank, lastRank, "step regressed on %q", in)
		lastRank = rank
	}

	u := store.user("U1")
	assert.True(t, CheckGate(u))
	assert.Equal(t, domain.StepCompleted, u.OnboardingStep)
	require.NotNil(t, u.OnboardingCompletedAt)
	for _, p := range domain.Providers {
		assert.Equal(t, domain.CredentialCompleted, u.CredentialStatus(p), "provider %s", p)
	}
	assert.Contains(t, string(store.credentials["U1/youtrack"]), "https://acme.youtrack.cloud")

	res, err := m.Advance(ctx, "U1", "anything")
	require.NoError(t, err)
	assert.Equal(t, alreadyCompleted, res.Reply)
}

func TestFinalStepSkipCompletes(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCredentialYouTrack))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "no")
	require.NoError(t, err)
	assert.Equal(t, completedPrompt, res.Reply)

	u := store.user("U1")
	assert.True(t, u.OnboardingCompleted)
	assert.Equal(t, domain.StepCompleted, u.OnboardingStep)
	assert.Equal(t, domain.CredentialSkipped, u.CredentialStatus(domain.ProviderYouTrack))
}

func TestRetryIsIdempotent(t *testing.T) {
	run := func() (*domain.User, []byte) {
		store := newFakeStore()
		store.put(atStep("U1", domain.StepCredentialGitHub))
		m := newTestMachine(store, WelcomePermissive)
		_, err := m.Advance(context.Background(), "U1", githubToken)
		require.NoError(t, err)
		return store.user("U1"), store.credentials["U1/github"]
	}
	u1, blob1 := run()
	u2, blob2 := run()
	if diff := cmp.Diff(u1, u2); diff != "" {
		t.Fatalf("replay diverged:\n%s", diff)
	}
	assert.Equal(t, blob1, blob2)
}

func TestRepairResetsToWelcome(t *testing.T) {
	store := newFakeStore()
	broken := atStep("U1", "github")
	store.put(broken)
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", githubToken)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, welcomePrompt, res.Reply)
	assert.Equal(t, domain.StepWelcome, store.user("U1").OnboardingStep)
	assert.Zero(t, store.credWrites)
}

func TestRepairCompletedStepWithoutCompletion(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCompleted))
	m := newTestMachine(store, WelcomePermissive)

	res, err := m.Advance(context.Background(), "U1", "hello")
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, domain.StepWelcome, store.user("U1").OnboardingStep)

	res, err = m.Advance(context.Background(), "U1", "continue")
	require.NoError(t, err)
	assert.True(t, res.Advanced)
	assert.Equal(t, domain.StepCredentialGitHub, store.user("U1").OnboardingStep)
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	t.Run("credential store fails", func(t *testing.T) {
		store := newFakeStore()
		store.put(atStep("U1", domain.StepCredentialGitHub))
		store.failCred = errors.New("disk full")
		m := newTestMachine(store, WelcomePermissive)

		res, err := m.Advance(context.Background(), "U1", githubToken)
		assert.ErrorIs(t, err, domain.ErrPersistence)
		assert.Equal(t, retryReply, res.Reply)
		assert.Equal(t, domain.StepCredentialGitHub, store.user("U1").OnboardingStep)
	})

	t.Run("step persist fails", func(t *testing.T) {
		store := newFakeStore()
		store.put(atStep("U1", domain.StepCredentialGitHub))
		store.failMerge = errors.New("database is locked")
		m := newTestMachine(store, WelcomePermissive)

		res, err := m.Advance(context.Background(), "U1", githubToken)
		assert.ErrorIs(t, err, domain.ErrPersistence)
		assert.Equal(t, retryReply, res.Reply)
		assert.False(t, res.Advanced)
		assert.Equal(t, domain.StepCredentialGitHub, store.user("U1").OnboardingStep)
		assert.Equal(t, 1, store.credWrites)
	})

	t.Run("read fails", func(t *testing.T) {
		store := newFakeStore()
		store.failGet = errors.New("unavailable")
		m := newTestMachine(store, WelcomePermissive)

		res, err := m.Advance(context.Background(), "U1", "hi")
		assert.ErrorIs(t, err, domain.ErrPersistence)
		assert.Equal(t, retryReply, res.Reply)
		assert.Nil(t, store.user("U1"))
	})
}

// Two copies of the same message racing for one user advance the step once.
func TestConcurrentAdvanceSerialized(t *testing.T) {
	store := newFakeStore()
	store.put(atStep("U1", domain.StepCredentialGitHub))
	m := newTestMachine(store, WelcomePermissive)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Advance(context.Background(), "U1", githubToken)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, domain.ErrValidation)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, store.credWrites)
	assert.Equal(t, domain.StepCredentialGoogle, store.user("U1").OnboardingStep)
	assert.Zero(t, m.locks.size())
}

func TestCheckGate(t *testing.T) {
	assert.False(t, CheckGate(nil))
	for _, step := range []domain.OnboardingStep{domain.StepWelcome, domain.StepDemo, domain.StepCredentialGitHub, domain.StepCredentialGoogle, domain.StepCredentialYouTrack} {
		assert.False(t, CheckGate(atStep("U1", step)), "step %s", step)
	}
	done := atStep("U1", domain.StepCompleted)
	done.OnboardingCompleted = true
	assert.True(t, CheckGate(done))
}
