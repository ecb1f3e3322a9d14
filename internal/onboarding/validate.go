package onboarding

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ashureev/dailybot/internal/domain"
)

// Control is a recognised control word class.
type Control int

const (
	ControlNone Control = iota
	ControlContinue
	ControlSkip
)

var controlWords = map[string]Control{
	"continue": ControlContinue,
	"yes":      ControlContinue,
	"ok":       ControlContinue,
	"start":    ControlContinue,
	"skip":     ControlSkip,
	"later":    ControlSkip,
	"no":       ControlSkip,
}

// ParseControl classifies text as a control word. Comparison is
// case-insensitive and ignores surrounding whitespace and trailing
// punctuation.
func ParseControl(text string) Control {
	word := strings.ToLower(strings.TrimSpace(text))
	word = strings.TrimRight(word, ".!")
	return controlWords[word]
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ValidateGitHubToken accepts a 40 character alphanumeric token or a
// ghp_-prefixed personal access token.
func ValidateGitHubToken(text string) (string, error) {
	token := strings.TrimSpace(text)
	switch {
	case len(token) == 40 && isAlnum(token):
		return token, nil
	case strings.HasPrefix(token, "ghp_") && len(token) == 40 && isAlnum(token[4:]):
		return token, nil
	}
	return "", fmt.Errorf("%w: not a GitHub personal access token", domain.ErrValidation)
}

// ValidateGoogleRefreshToken accepts an OAuth refresh token of the "1//" form.
func ValidateGoogleRefreshToken(text string) (string, error) {
	token := strings.TrimSpace(text)
	if !strings.HasPrefix(token, "1//") || len(token) < 20 {
		return "", fmt.Errorf("%w: not a Google refresh token", domain.ErrValidation)
	}
	for _, r := range token {
		ok := r == '_' || r == '-' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("%w: unexpected character %q in refresh token", domain.ErrValidation, r)
		}
	}
	return token, nil
}

// ParseYouTrack splits "<url> <token>" and checks the URL.
func ParseYouTrack(text string) (instanceURL, token string, err error) {
	parts := strings.Fields(text)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: expected a URL and a token separated by a space", domain.ErrValidation)
	}
	u, err := url.Parse(parts[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q is not an http(s) URL", domain.ErrValidation, parts[0])
	}
	return strings.TrimRight(u.String(), "/"), parts[1], nil
}
