package api

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// claudeCredentials is the Claude Code credentials JSON structure.
type claudeCredentials struct {
	ClaudeAiOauth struct {
		AccessToken string `json:"accessToken"`
		ExpiresAt   int64  `json:"expiresAt"` // Unix milliseconds
	} `json:"claudeAiOauth"`
}

// AnthropicCredentials is the access token found in a credential store.
type AnthropicCredentials struct {
	AccessToken string
	ExpiresAt   time.Time
}

// IsExpired reports whether the token had expired at now. A zero expiry
// is treated as unknown and never expired.
func (c *AnthropicCredentials) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func parseClaudeCredentials(data []byte) (*AnthropicCredentials, error) {
	var creds claudeCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	oauth := creds.ClaudeAiOauth
	token := strings.TrimSpace(oauth.AccessToken)
	if token == "" {
		return nil, nil
	}
	c := &AnthropicCredentials{AccessToken: token}
	if oauth.ExpiresAt > 0 {
		c.ExpiresAt = time.UnixMilli(oauth.ExpiresAt).UTC()
	}
	return c, nil
}

// credentialsFile returns ~/.claude/.credentials.json.
func credentialsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// DetectAnthropicToken looks for the Claude Code OAuth token in the macOS
// Keychain, the Linux secret service and finally the credentials file.
// Returns "" when nothing usable is found.
func DetectAnthropicToken(logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if out := keyringLookup(); out != nil {
		if creds, err := parseClaudeCredentials(out); err == nil && creds != nil {
			logger.Info("Anthropic token auto-detected from system keyring")
			return creds.AccessToken
		}
	}

	creds := readCredentialsFile(credentialsFile())
	if creds == nil {
		return ""
	}
	if creds.IsExpired(time.Now()) {
		logger.Warn("Auto-detected Anthropic token has expired; run Claude Code to refresh it",
			"expired_at", creds.ExpiresAt)
	}
	logger.Info("Anthropic token auto-detected from credentials file")
	return creds.AccessToken
}

func readCredentialsFile(path string) *AnthropicCredentials {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	creds, err := parseClaudeCredentials(data)
	if err != nil {
		return nil
	}
	return creds
}

// keyringLookup returns the raw credentials blob from the platform keyring.
func keyringLookup() []byte {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return nil
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("security", "find-generic-password",
			"-s", "Claude Code-credentials", "-a", u.Username, "-w")
	case "linux":
		cmd = exec.Command("secret-tool", "lookup",
			"service", "Claude Code-credentials", "account", u.Username)
	default:
		return nil
	}

	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return out
}
