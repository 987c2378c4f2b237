// Package auth supplies the opaque bearer credential. The token is never
// parsed; an empty one is treated as missing.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
)

// TokenSource yields the current bearer token
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return "", apierr.ErrNoCredential
	}
	return s, nil
}

// FileToken reads the token from a file on every call so rotation needs no restart
type FileToken string

func (f FileToken) Token(context.Context) (string, error) {
	raw, err := os.ReadFile(string(f))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("token file %s: %w", string(f), apierr.ErrNoCredential)
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", apierr.ErrNoCredential
	}
	return s, nil
}

// EnvToken reads the named environment variable
type EnvToken string

func (e EnvToken) Token(context.Context) (string, error) {
	s := strings.TrimSpace(os.Getenv(string(e)))
	if s == "" {
		return "", apierr.ErrNoCredential
	}
	return s, nil
}

// Config selects a source; the first non-empty field wins in the order token, file, env
type Config struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
}

// FromConfig builds the configured source
func FromConfig(c Config) TokenSource {
	switch {
	case c.Token != "":
		return StaticToken(c.Token)
	case c.TokenFile != "":
		return FileToken(c.TokenFile)
	case c.TokenEnv != "":
		return EnvToken(c.TokenEnv)
	default:
		return EnvToken("PORTFOLIO_SYNC_TOKEN")
	}
}

// Bearer formats the Authorization header value
func Bearer(ctx context.Context, src TokenSource) (string, error) {
	tok, err := src.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok, nil
}
