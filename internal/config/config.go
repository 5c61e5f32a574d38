// Package config loads the auth core's configuration from the
// environment. Three values are required at startup: the identity
// provider client ID, the provider issuer, and the backend API base URL.
// Missing any one is a fatal configuration error; there is no silent
// fallback to a broken default.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/kaseydoesmarketing/TTPROv5/pkg/authsession/autherr"
)

// Config is the recognized environment surface of the auth core.
type Config struct {
	// ProviderClientID identifies the application to the identity
	// provider.
	ProviderClientID string `env:"TTPRO_OIDC_CLIENT_ID"`

	// ProviderIssuer is the identity provider's authority URL.
	ProviderIssuer string `env:"TTPRO_OIDC_ISSUER"`

	// APIBaseURL is the backend reached by the handshake and resource
	// calls.
	APIBaseURL string `env:"TTPRO_API_BASE_URL"`

	// RedirectURL receives the provider callback.
	RedirectURL string `env:"TTPRO_OIDC_REDIRECT_URL" envDefault:"http://127.0.0.1:8765/oauth2/callback"`

	// SignInMode selects popup or redirect interactive sign-in.
	SignInMode string `env:"TTPRO_SIGNIN_MODE" envDefault:"popup"`

	// HandshakeTimeout bounds one handshake round trip.
	HandshakeTimeout time.Duration `env:"TTPRO_HANDSHAKE_TIMEOUT" envDefault:"30s"`

	// Scopes requested from the identity provider.
	Scopes []string `env:"TTPRO_OIDC_SCOPES" envDefault:"openid,profile,email"`
}

// Load parses and validates the environment. The returned error, when
// non-nil, is a configuration-coded AuthError naming the offending
// variable (never echoing its value).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, autherr.New(autherr.CodeConfiguration).WithDetails("parse environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and coarse shape.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"TTPRO_OIDC_CLIENT_ID", c.ProviderClientID},
		{"TTPRO_OIDC_ISSUER", c.ProviderIssuer},
		{"TTPRO_API_BASE_URL", c.APIBaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return autherr.New(autherr.CodeConfiguration).WithDetails("%s is required", r.name)
		}
	}

	for _, u := range []struct {
		name  string
		value string
	}{
		{"TTPRO_OIDC_ISSUER", c.ProviderIssuer},
		{"TTPRO_API_BASE_URL", c.APIBaseURL},
		{"TTPRO_OIDC_REDIRECT_URL", c.RedirectURL},
	} {
		parsed, err := url.Parse(u.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return autherr.New(autherr.CodeConfiguration).WithDetails("%s is not a valid URL", u.name)
		}
	}

	switch c.SignInMode {
	case "popup", "redirect":
	default:
		return autherr.New(autherr.CodeConfiguration).WithDetails(
			"TTPRO_SIGNIN_MODE must be popup or redirect, got %q", c.SignInMode)
	}

	if c.HandshakeTimeout <= 0 {
		return autherr.New(autherr.CodeConfiguration).WithDetails("TTPRO_HANDSHAKE_TIMEOUT must be positive")
	}
	return nil
}

// String renders the config for logs with nothing sensitive in it.
func (c *Config) String() string {
	return fmt.Sprintf("issuer=%s api=%s mode=%s timeout=%s",
		c.ProviderIssuer, c.APIBaseURL, c.SignInMode, c.HandshakeTimeout)
}
