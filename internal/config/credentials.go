package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Credentials holds API keys loaded from credentials.toml.
type Credentials struct {
	Google *ProviderCreds `toml:"google"`
	Gemini *ProviderCreds `toml:"gemini"`
}

// ProviderCreds holds credentials for a single provider.
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// CredentialPaths returns the credential file locations in order of priority.
func CredentialPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dailybot", "credentials.toml"))
	}
	return paths
}

// LoadCredentials loads the first credentials file found. A missing file is
// not an error; the returned Credentials is nil in that case.
func LoadCredentials() (*Credentials, string, error) {
	for _, path := range CredentialPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		creds, err := LoadCredentialsFile(path)
		if err != nil {
			return nil, path, err
		}
		return creds, path, nil
	}
	return nil, "", nil
}

// LoadCredentialsFile loads credentials from a specific file.
func LoadCredentialsFile(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &creds, nil
}

// GeminiKey returns the Gemini API key, preferring the [gemini] table.
func (c *Credentials) GeminiKey() string {
	if c == nil {
		return ""
	}
	if c.Gemini != nil && c.Gemini.APIKey != "" {
		return c.Gemini.APIKey
	}
	if c.Google != nil {
		return c.Google.APIKey
	}
	return ""
}
