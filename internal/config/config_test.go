package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/staging"
)

// clearEnv unsets keys for the duration of the test.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "SHADOW_DATABASE_URL", "SCHEMAGUARD_LOCK_BACKEND")
	t.Setenv("SCHEMAGUARD_ACTOR", "ci")

	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendMemory, cfg.Lock.Backend)
	assert.Equal(t, string(staging.Representative), cfg.Staging.Sampling)
	assert.Equal(t, staging.DefaultSampleRows, cfg.Staging.SampleRows)
	assert.Equal(t, staging.DefaultLimits, cfg.StagingLimits())
	assert.Equal(t, "ci", cfg.Actor)
	assert.Empty(t, cfg.File)

	rc, err := cfg.RiskConfig()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultConfig().Thresholds, rc.Thresholds)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "SHADOW_DATABASE_URL", "SCHEMAGUARD_LOCK_BACKEND")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/schemaguard/config.yaml", []byte(`
database:
  url: postgres://app@db:5432/shop?sslmode=disable
risk:
  thresholds: {critical: 90, high: 70, medium: 40}
  weights: {data_loss: 1.5}
  view_increment: 12
lock:
  backend: redis
  redis_addr: localhost:6379
  default_timeout: 45s
staging:
  sampling: stratified
  stratify_column: region
actor: alice
`), 0o644))

	cfg, err := Load(fs, "/etc/schemaguard/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/schemaguard/config.yaml", cfg.File)
	assert.Equal(t, introspect.ProviderPostgres, cfg.Database.Provider)
	assert.Equal(t, BackendRedis, cfg.Lock.Backend)
	assert.Equal(t, 45*time.Second, cfg.Lock.DefaultTimeout)
	assert.Equal(t, "region", cfg.Staging.StratifyColumn)
	assert.Equal(t, "alice", cfg.Actor)

	rc, err := cfg.RiskConfig()
	require.NoError(t, err)
	assert.Equal(t, 70.0, rc.Thresholds.High)
	assert.Equal(t, 12.0, rc.ViewIncrement)
	assert.Equal(t, 1.5, rc.Weights[risk.DataLoss])
	assert.Equal(t, 1.0, rc.Weights[risk.Availability])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nowhere.yaml")
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "SHADOW_DATABASE_URL")
	t.Setenv("SCHEMAGUARD_LOCK_BACKEND", BackendPostgres)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ".env", []byte("DATABASE_URL=postgres://env@db/shop\nSHADOW_DATABASE_URL=postgres://env@db/shadow\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, ".env.local", []byte("DATABASE_URL=postgres://local@db/shop\n"), 0o644))

	cfg, err := Load(fs, "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://local@db/shop", cfg.Database.URL)
	assert.Equal(t, "postgres://env@db/shadow", cfg.Database.ShadowURL)
	assert.Equal(t, BackendPostgres, cfg.Lock.Backend)
}

func TestDetectProvider(t *testing.T) {
	tests := map[string]string{
		"postgresql://u@h/db":              introspect.ProviderPostgres,
		"user:pw@tcp(127.0.0.1:3306)/shop": introspect.ProviderMySQL,
		"file:shop.db?_foreign_keys=on":    introspect.ProviderSQLite,
		"./local.sqlite":                   introspect.ProviderSQLite,
		"host=db user=app":                 introspect.ProviderPostgres,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectProvider(in), in)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Provider: "sqlite3"},
			Lock:     LockConfig{Backend: BackendMemory},
			Staging:  StagingConfig{Sampling: "random", MaxStorageGB: 1, MaxDurationHours: 1},
		}
	}
	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, introspect.ProviderSQLite, cfg.Database.Provider)

	tests := map[string]func(*Config){
		"provider":        func(c *Config) { c.Database.Provider = "oracle" },
		"thresholds":      func(c *Config) { c.Risk.Thresholds = risk.Thresholds{Critical: 50, High: 60, Medium: 30} },
		"floor":           func(c *Config) { c.Mitigation.Floor = 120 },
		"staging level":   func(c *Config) { c.Mitigation.StagingLevel = "severe" },
		"backend":         func(c *Config) { c.Lock.Backend = "zookeeper" },
		"redis addr":      func(c *Config) { c.Lock.Backend = BackendRedis },
		"postgres locks":  func(c *Config) { c.Lock.Backend = BackendPostgres },
		"sampling":        func(c *Config) { c.Staging.Sampling = "all" },
		"limits":          func(c *Config) { c.Staging.MaxStorageGB = 0 },
		"negative ttl":    func(c *Config) { c.Lock.DefaultTTL = -time.Second },
		"negative sample": func(c *Config) { c.Staging.SampleRows = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSave(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "SHADOW_DATABASE_URL", "SCHEMAGUARD_LOCK_BACKEND")
	fs := afero.NewMemMapFs()
	cfg := &Config{
		Database: DatabaseConfig{Provider: introspect.ProviderSQLite},
		Log:      LogConfig{Level: "debug", Format: "json"},
		Lock:     LockConfig{Backend: BackendMemory},
		Staging:  StagingConfig{Sampling: "random"},
		Snapshot: SnapshotConfig{Dir: "/var/snapshots"},
		Actor:    "bob",
	}
	path, err := Save(fs, cfg, "/home/bob/.schemaguard.yaml")
	require.NoError(t, err)

	loaded, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Log.Level)
	assert.Equal(t, "json", loaded.Log.Format)
	assert.Equal(t, "/var/snapshots", loaded.Snapshot.Dir)
	assert.Equal(t, "bob", loaded.Actor)
	assert.Equal(t, "random", loaded.Staging.Sampling)
}
