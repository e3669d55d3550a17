// Package config reads the broker and client settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/joho/godotenv"
)

// Secret is a string that is never printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Defaults.
const (
	DefaultPort          = "3000"
	DefaultDBDriver      = "sqlite"
	DefaultDBDSN         = "uploads.db"
	DefaultGrantTTL      = time.Hour
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// BrokerConfig holds the upload broker server settings.
type BrokerConfig struct {
	Port     string
	DBDriver string
	DBDSN    string

	AWSRegion          string
	AWSAccessKeyID     Secret
	AWSSecretAccessKey Secret
	Bucket             string
	S3Endpoint         string
	S3UsePathStyle     bool

	GrantTTL      time.Duration
	Retention     time.Duration
	SweepInterval time.Duration

	RedisAddr     string
	RedisPassword Secret
	RedisDB       int

	Verbose bool
}

// ClientConfig holds the defaults of the upload client that come from the environment.
type ClientConfig struct {
	BrokerURL string
	// RunID tags analytics events of one client run. Analytics is disabled without it.
	RunID   string
	Verbose bool
}

// LoadDotEnv loads variables from the given files (default .env) into the process environment.
// Missing files are ignored and already set variables are kept.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// LoadBroker reads the broker configuration.
func LoadBroker(envRepo env.Repository) (BrokerConfig, error) {
	cfg := BrokerConfig{
		Port:               valueOr(envRepo, "PORT", DefaultPort),
		DBDriver:           valueOr(envRepo, "DB_DRIVER", DefaultDBDriver),
		DBDSN:              valueOr(envRepo, "DB_DSN", DefaultDBDSN),
		AWSRegion:          envRepo.Get("AWS_REGION"),
		AWSAccessKeyID:     Secret(envRepo.Get("AWS_ACCESS_KEY_ID")),
		AWSSecretAccessKey: Secret(envRepo.Get("AWS_SECRET_ACCESS_KEY")),
		Bucket:             envRepo.Get("AWS_BUCKET_NAME"),
		S3Endpoint:         envRepo.Get("S3_ENDPOINT"),
		RedisAddr:          envRepo.Get("REDIS_ADDR"),
		RedisPassword:      Secret(envRepo.Get("REDIS_PASSWORD")),
	}

	if cfg.Bucket == "" {
		return BrokerConfig{}, fmt.Errorf("AWS_BUCKET_NAME is not defined")
	}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey == "" {
		return BrokerConfig{}, fmt.Errorf("the secret 'AWS_SECRET_ACCESS_KEY' is not defined")
	}
	if cfg.AWSSecretAccessKey != "" && cfg.AWSAccessKeyID == "" {
		return BrokerConfig{}, fmt.Errorf("the secret 'AWS_ACCESS_KEY_ID' is not defined")
	}

	var err error
	if cfg.S3UsePathStyle, err = boolOr(envRepo, "S3_USE_PATH_STYLE", false); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.Verbose, err = boolOr(envRepo, "VERBOSE", false); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.GrantTTL, err = durationOr(envRepo, "GRANT_TTL", DefaultGrantTTL); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.Retention, err = durationOr(envRepo, "SESSION_RETENTION", DefaultRetention); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.SweepInterval, err = durationOr(envRepo, "SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return BrokerConfig{}, err
	}
	if cfg.RedisDB, err = intOr(envRepo, "REDIS_DB", 0); err != nil {
		return BrokerConfig{}, err
	}

	return cfg, nil
}

// LoadClient reads the client settings from the environment.
func LoadClient(envRepo env.Repository) (ClientConfig, error) {
	verbose, err := boolOr(envRepo, "VERBOSE", false)
	if err != nil {
		return ClientConfig{}, err
	}
	return ClientConfig{
		BrokerURL: strings.TrimSuffix(envRepo.Get("UPLOAD_BROKER_URL"), "/"),
		RunID:     envRepo.Get("UPLOAD_RUN_ID"),
		Verbose:   verbose,
	}, nil
}

func valueOr(envRepo env.Repository, key, fallback string) string {
	if v := strings.TrimSpace(envRepo.Get(key)); v != "" {
		return v
	}
	return fallback
}

func boolOr(envRepo env.Repository, key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(envRepo.Get(key))
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(v) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func durationOr(envRepo env.Repository, key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(envRepo.Get(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %s", key, d)
	}
	return d, nil
}

func intOr(envRepo env.Repository, key string, fallback int) (int, error) {
	v := strings.TrimSpace(envRepo.Get(key))
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return i, nil
}
