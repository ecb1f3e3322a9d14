package onboarding

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControl(t *testing.T) {
	tests := map[string]Control{
		"continue": ControlContinue,
		" OK ":     ControlContinue,
		"Start!":   ControlContinue,
		"skip":     ControlSkip,
		"Later.":   ControlSkip,
		"no":       ControlSkip,
		"nope":     ControlNone,
		"skip it":  ControlNone,
		"":         ControlNone,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseControl(in), "input %q", in)
	}
}

func TestValidateGitHubToken(t *testing.T) {
	valid := []string{
		githubToken,
		"  " + githubToken + "\n",
		"ghp_" + "A1b2C3d4E5f6G7h8I9j0K1l2M3n4O5p6Q7r8",
	}
	for _, in := range valid {
		_, err := ValidateGitHubToken(in)
		assert.NoError(t, err, "input %q", in)
	}
	invalid := []string{"", "short", githubToken + "x", "ghp_tooshort", "abcdefghij-BCDEFGHIJ0123456789abcdefghij"}
	for _, in := range invalid {
		_, err := ValidateGitHubToken(in)
		assert.ErrorIs(t, err, domain.ErrValidation, "input %q", in)
	}
}

func TestValidateGoogleRefreshToken(t *testing.T) {
	_, err := ValidateGoogleRefreshToken("1//0gAbCdEfGhIjKlMnOpQr")
	assert.NoError(t, err)
	for _, in := range []string{"1//short", "2//0gAbCdEfGhIjKlMnOpQr", "1//0gAbCdEf GhIjKlMnOpQr", "1//0gAbCdEfGhIjKl.MnOpQr"} {
		_, err := ValidateGoogleRefreshToken(in)
		assert.ErrorIs(t, err, domain.ErrValidation, "input %q", in)
	}
}

func TestParseYouTrack(t *testing.T) {
	u, tok, err := ParseYouTrack("  https://acme.youtrack.cloud/   perm:abc ")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.youtrack.cloud", u)
	assert.Equal(t, "perm:abc", tok)

	for _, in := range []string{"", "https://acme.youtrack.cloud", "acme perm:abc", "https:// perm:abc", "https://a b c"} {
		_, _, err := ParseYouTrack(in)
		assert.ErrorIs(t, err, domain.ErrValidation, "input %q", in)
	}
}

func TestUserLocksCancel(t *testing.T) {
	l := newUserLocks()
	unlock, err := l.lock(context.Background(), "U1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.lock(ctx, "U1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.lock(context.Background(), "U2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, l.size())
}
