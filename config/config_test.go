package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsledger/ledger"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(envMap(nil), noFile)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.ApprovalTTL)
	assert.Equal(t, []ledger.ActionType{ledger.ActionSystemOverride, ledger.ActionDeployment}, cfg.DualAuthActions)
	assert.True(t, cfg.DualAuthSet()[ledger.ActionDeployment])
	assert.False(t, cfg.DualAuthSet()[ledger.ActionStepSign])
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	file := []byte(`
port: "9090"
database_url: postgres://file/db
approval_ttl: 2m
dual_auth_actions: [BATCH_CREATE]
telemetry:
  endpoint: collector:4317
export:
  bucket: from-file
`)
	env := envMap(map[string]string{
		FileEnv:            "/etc/opsledger.yaml",
		"PORT":             "7070",
		"JWT_SECRET":       "s3cret",
		"EXPORT_S3_BUCKET": "from-env",
		"OTEL_INSECURE":    "true",
	})
	readFile := func(path string) ([]byte, error) {
		require.Equal(t, "/etc/opsledger.yaml", path)
		return file, nil
	}

	cfg, err := LoadFrom(env, readFile)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port, "env wins over file")
	assert.Equal(t, "postgres://file/db", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Minute, cfg.ApprovalTTL)
	assert.Equal(t, []ledger.ActionType{ledger.ActionBatchCreate}, cfg.DualAuthActions)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "from-env", cfg.Export.Bucket)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_EnvParsing(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"APPROVAL_TTL":      "90s",
		"RATE_LIMIT_RPS":    "2.5",
		"RATE_LIMIT_BURST":  "5",
		"TRUST_PROXY":       "true",
		"DUAL_AUTH_ACTIONS": " system_override , step_sign ,",
	}), noFile)
	require.NoError(t, err)

	assert.True(t, cfg.TrustProxy)
	assert.False(t, Defaults().TrustProxy)

	assert.Equal(t, 90*time.Second, cfg.ApprovalTTL)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, []ledger.ActionType{ledger.ActionSystemOverride, ledger.ActionStepSign}, cfg.DualAuthActions)

	_, err = LoadFrom(envMap(map[string]string{"APPROVAL_TTL": "soon"}), noFile)
	assert.Error(t, err)

	_, err = LoadFrom(envMap(map[string]string{"TRUST_PROXY": "maybe"}), noFile)
	assert.Error(t, err)
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(envMap(map[string]string{FileEnv: "/nope.yaml"}), noFile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.DatabaseURL = "postgres://x"
	cfg.JWTSecret = "k"
	cfg.DualAuthActions = append(cfg.DualAuthActions, "FIRE_MISSILES")
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FIRE_MISSILES")
}
