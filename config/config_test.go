package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBroker_Defaults(t *testing.T) {
	cfg, err := LoadBroker(fakeEnvRepo{envVars: map[string]string{
		"AWS_BUCKET_NAME": "uploads",
	}})
	require.NoError(t, err)

	assert.Equal(t, "3000", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "uploads.db", cfg.DBDSN)
	assert.Equal(t, time.Hour, cfg.GrantTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.False(t, cfg.Verbose)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadBroker_Overrides(t *testing.T) {
	cfg, err := LoadBroker(fakeEnvRepo{envVars: map[string]string{
		"PORT":                  "8080",
		"DB_DRIVER":             "mysql",
		"DB_DSN":                "user:pass@tcp(localhost:3306)/uploads",
		"AWS_REGION":            "eu-central-1",
		"AWS_ACCESS_KEY_ID":     "AKID",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"AWS_BUCKET_NAME":       "uploads",
		"GRANT_TTL":             "15m",
		"SESSION_RETENTION":     "48h",
		"REDIS_ADDR":            "localhost:6379",
		"REDIS_DB":              "2",
		"VERBOSE":               "yes",
	}})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Equal(t, Secret("AKID"), cfg.AWSAccessKeyID)
	assert.Equal(t, 15*time.Minute, cfg.GrantTTL)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.True(t, cfg.Verbose)
}

func TestLoadBroker_Errors(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
	}{
		{
			name:    "missing bucket",
			envVars: map[string]string{},
			wantErr: "AWS_BUCKET_NAME is not defined",
		},
		{
			name:    "access key without secret",
			envVars: map[string]string{"AWS_BUCKET_NAME": "b", "AWS_ACCESS_KEY_ID": "AKID"},
			wantErr: "the secret 'AWS_SECRET_ACCESS_KEY' is not defined",
		},
		{
			name:    "invalid duration",
			envVars: map[string]string{"AWS_BUCKET_NAME": "b", "GRANT_TTL": "soon"},
			wantErr: `GRANT_TTL: invalid duration "soon"`,
		},
		{
			name:    "negative duration",
			envVars: map[string]string{"AWS_BUCKET_NAME": "b", "SWEEP_INTERVAL": "-1h"},
			wantErr: "SWEEP_INTERVAL: duration must be positive, got -1h0m0s",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBroker(fakeEnvRepo{envVars: tt.envVars})
			require.Error(t, err)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestSecret_IsRedacted(t *testing.T) {
	s := Secret("very-secret")
	assert.Equal(t, "*****", s.String())
	assert.Equal(t, "*****", fmt.Sprintf("%s", s))
	assert.Equal(t, "", Secret("").String())
}

func TestLoadClient(t *testing.T) {
	cfg, err := LoadClient(fakeEnvRepo{envVars: map[string]string{
		"UPLOAD_BROKER_URL": "http://localhost:3000/",
		"UPLOAD_RUN_ID":     "run-1",
	}})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.BrokerURL)
	assert.Equal(t, "run-1", cfg.RunID)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("RESUMABLE_UPLOAD_TEST_VALUE=from-file\n"), 0600))
	t.Cleanup(func() { _ = os.Unsetenv("RESUMABLE_UPLOAD_TEST_VALUE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("RESUMABLE_UPLOAD_TEST_VALUE"))
}
