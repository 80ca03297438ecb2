// Package credentials stores the device token issued during pairing.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoToken is returned when neither a token nor a credentials file is available.
var ErrNoToken = errors.New("no device token configured; run `lookout pair` first")

// Credentials identify this device to bosun.
type Credentials struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	TenantID  uuid.UUID `json:"tenantId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token has passed its expiry.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Load reads a credentials file. A file holding only a bare token is accepted.
func Load(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, ErrNoToken
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Credentials{}, ErrNoToken
	}
	if !strings.HasPrefix(trimmed, "{") {
		return Credentials{Token: trimmed}, nil
	}

	var c Credentials
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	if c.Token == "" {
		return Credentials{}, ErrNoToken
	}
	return c, nil
}

// Save writes the credentials readable by the owner only. The file is
// replaced atomically.
func Save(path string, c Credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create credentials file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Resolve picks the token to connect with: an explicit token wins over the file.
func Resolve(token, path string) (string, error) {
	if token = strings.TrimSpace(token); token != "" {
		return token, nil
	}
	if path == "" {
		return "", ErrNoToken
	}
	c, err := Load(path)
	if err != nil {
		return "", err
	}
	if c.Expired(time.Now()) {
		return "", fmt.Errorf("device token in %s expired at %s", path, c.ExpiresAt.Format(time.RFC3339))
	}
	return c.Token, nil
}
