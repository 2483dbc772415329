package config

import (
	"errors"
	"time"
)

type IdentityConfig struct {
	// LockoutEnabledByDefault enables lockout for newly created accounts
	LockoutEnabledByDefault bool `yaml:"lockout_enabled_by_default" env:"IDS_LOCKOUT_ENABLED_BY_DEFAULT"`
	// MaxFailedAccessAttempts is the number of failed logins after which an account gets locked
	MaxFailedAccessAttempts int `yaml:"max_failed_access_attempts" env:"IDS_LOCKOUT_MAX_FAILED_ATTEMPTS"`
	// LockoutDuration is the time an account stays locked
	LockoutDuration time.Duration `yaml:"lockout_duration" env:"IDS_LOCKOUT_DURATION"`

	MinPasswordLength int `yaml:"min_password_length" env:"IDS_MIN_PASSWORD_LENGTH"`
	// BcryptCost is clamped to the range supported by bcrypt
	BcryptCost int `yaml:"bcrypt_cost" env:"IDS_BCRYPT_COST"`

	// TokenSecret signs password reset and email confirmation tokens
	TokenSecret   string        `yaml:"token_secret" env:"IDS_TOKEN_SECRET"`
	TokenLifetime time.Duration `yaml:"token_lifetime" env:"IDS_TOKEN_LIFETIME"`

	// RequireTransaction rejects store mutations that are not enlisted in a transaction
	RequireTransaction bool `yaml:"require_transaction" env:"IDS_REQUIRE_TRANSACTION"`
	// QueryBatchSize is the number of rows fetched per round trip when iterating accounts or roles
	QueryBatchSize int `yaml:"query_batch_size" env:"IDS_QUERY_BATCH_SIZE"`
}

func defaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		LockoutEnabledByDefault: true,
		MaxFailedAccessAttempts: 5,
		LockoutDuration:         5 * time.Minute,
		MinPasswordLength:       6,
		BcryptCost:              10,
		TokenSecret:             "change-me",
		TokenLifetime:           24 * time.Hour,
		RequireTransaction:      false,
		QueryBatchSize:          100,
	}
}

// DefaultIdentityConfig returns the identity settings used if nothing is configured.
func DefaultIdentityConfig() IdentityConfig {
	return defaultIdentityConfig()
}

func (c IdentityConfig) Validate() error {
	if c.MaxFailedAccessAttempts < 1 {
		return errors.New("max_failed_access_attempts must be at least 1")
	}
	if c.LockoutDuration <= 0 {
		return errors.New("lockout_duration must be positive")
	}
	if c.TokenSecret == "" {
		return errors.New("missing token_secret")
	}
	if c.QueryBatchSize < 1 {
		return errors.New("query_batch_size must be at least 1")
	}
	return nil
}
