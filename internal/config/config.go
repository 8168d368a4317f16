// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	// Official (regulated, delayed) feed.
	OfficialBaseURL      string
	OfficialTokenURL     string
	OfficialClientID     string
	OfficialClientSecret string

	// Informal (session-authenticated, near-real-time) feed.
	InformalBaseURL  string
	InformalAccount  string
	InformalPassword string
	InformalAppID    string
	SessionTTL       time.Duration

	// Split-point inputs. The publication delay is a vendor/regulatory
	// constant that may change, so it is configuration rather than code.
	PublicationDelay time.Duration
	SafetyMargin     time.Duration

	// Coordinator bounds.
	LiveInterval    time.Duration
	RelaxedInterval time.Duration
	MaxRunDuration  time.Duration
	Retention       time.Duration

	ListenAddr string
	DBPath     string
	SecretKey  []byte // 32-byte AES key for the credential vault
}

// Load reads configuration from GLUCOSYNC_* environment variables and returns
// a validated Config. GLUCOSYNC_SECRET_KEY (64 hex chars) is required; the
// vendor endpoints default to the production hosts and every duration has a
// sensible default.
func Load() (*Config, error) {
	cfg := &Config{
		OfficialBaseURL:      getenv("GLUCOSYNC_OFFICIAL_BASE_URL", "https://api.official-cgm.example.com"),
		OfficialTokenURL:     getenv("GLUCOSYNC_OFFICIAL_TOKEN_URL", "https://api.official-cgm.example.com/oauth2/token"),
		OfficialClientID:     os.Getenv("GLUCOSYNC_OFFICIAL_CLIENT_ID"),
		OfficialClientSecret: os.Getenv("GLUCOSYNC_OFFICIAL_CLIENT_SECRET"),
		InformalBaseURL:      getenv("GLUCOSYNC_INFORMAL_BASE_URL", "https://share.informal-cgm.example.com/ShareWebServices/Services"),
		InformalAccount:      os.Getenv("GLUCOSYNC_INFORMAL_ACCOUNT"),
		InformalPassword:     os.Getenv("GLUCOSYNC_INFORMAL_PASSWORD"),
		InformalAppID:        os.Getenv("GLUCOSYNC_INFORMAL_APP_ID"),
		ListenAddr:           getenv("GLUCOSYNC_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:               getenv("GLUCOSYNC_DB_PATH", "glucosync.db"),
	}

	var err error
	if cfg.SessionTTL, err = getduration("GLUCOSYNC_SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PublicationDelay, err = getduration("GLUCOSYNC_PUBLICATION_DELAY", 3*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SafetyMargin, err = getduration("GLUCOSYNC_SAFETY_MARGIN", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LiveInterval, err = getduration("GLUCOSYNC_LIVE_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.RelaxedInterval, err = getduration("GLUCOSYNC_RELAXED_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MaxRunDuration, err = getduration("GLUCOSYNC_MAX_RUN_DURATION", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Retention, err = getduration("GLUCOSYNC_RETENTION", 180*24*time.Hour); err != nil {
		return nil, err
	}

	keyHex := os.Getenv("GLUCOSYNC_SECRET_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("GLUCOSYNC_SECRET_KEY is required (64 hex characters)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("GLUCOSYNC_SECRET_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("GLUCOSYNC_SECRET_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.SecretKey = key

	return cfg, nil
}

// HasOfficialCredentials reports whether the OAuth client identity is set.
func (c *Config) HasOfficialCredentials() bool {
	return c.OfficialClientID != "" && c.OfficialClientSecret != ""
}

// HasInformalCredentials reports whether the share account is set.
func (c *Config) HasInformalCredentials() bool {
	return c.InformalAccount != "" && c.InformalPassword != ""
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	return parsed, nil
}
