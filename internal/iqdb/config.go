package iqdb

import (
	"errors"
	"time"
)

// Config holds the similarity service client configuration
type Config struct {
	// BaseURL is the root of the similarity service API
	BaseURL string `mapstructure:"base_url"`

	// APIKey authenticates the token exchange
	APIKey string `mapstructure:"api_key"`

	// Timeout bounds every HTTP call. There is no other cancellation in
	// the pipeline; a stuck query is limited by this alone.
	Timeout time.Duration `mapstructure:"timeout"`

	// TokenSkew renews the cached access token this long before expiry
	TokenSkew time.Duration `mapstructure:"token_skew"`
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("iqdb: base_url is required")
	}

	if c.APIKey == "" {
		return errors.New("iqdb: api_key is required")
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.TokenSkew <= 0 {
		c.TokenSkew = time.Minute
	}

	return nil
}
