// Package config loads schemaguard settings from a YAML file, the
// environment and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/satishbabariya/schemaguard/migrate/introspect"
	"github.com/satishbabariya/schemaguard/migrate/lock"
	"github.com/satishbabariya/schemaguard/migrate/risk"
	"github.com/satishbabariya/schemaguard/migrate/staging"
)

// AppFs is the filesystem used for config, .env and snapshot files.
var AppFs = afero.NewOsFs()

const (
	// FileName is the config file name without extension.
	FileName = ".schemaguard"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SCHEMAGUARD"
)

// Lock backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Risk       RiskConfig       `mapstructure:"risk" yaml:"risk"`
	Mitigation MitigationConfig `mapstructure:"mitigation" yaml:"mitigation"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Staging    StagingConfig    `mapstructure:"staging" yaml:"staging"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot" yaml:"snapshot"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Actor      string           `mapstructure:"actor" yaml:"actor"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

type DatabaseConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	URL       string `mapstructure:"url" yaml:"url"`
	ShadowURL string `mapstructure:"shadow_url" yaml:"shadow_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// RiskConfig overrides parts of risk.DefaultConfig. Zero values keep the
// defaults.
type RiskConfig struct {
	Thresholds         risk.Thresholds    `mapstructure:"thresholds" yaml:"thresholds"`
	Weights            map[string]float64 `mapstructure:"weights" yaml:"weights"`
	CascadeMultiplier  float64            `mapstructure:"cascade_multiplier" yaml:"cascade_multiplier"`
	ViewIncrement      float64            `mapstructure:"view_increment" yaml:"view_increment"`
	TriggerIncrement   float64            `mapstructure:"trigger_increment" yaml:"trigger_increment"`
	ProcedureIncrement float64            `mapstructure:"procedure_increment" yaml:"procedure_increment"`
	FKIncrement        float64            `mapstructure:"fk_increment" yaml:"fk_increment"`
}

type MitigationConfig struct {
	Floor        float64 `mapstructure:"floor" yaml:"floor"`
	CatalogPath  string  `mapstructure:"catalog_path" yaml:"catalog_path"`
	StagingLevel string  `mapstructure:"staging_level" yaml:"staging_level"`
}

type LockConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	RedisAddr      string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db" yaml:"redis_db"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

type StagingConfig struct {
	Sampling         string  `mapstructure:"sampling" yaml:"sampling"`
	SampleRows       int     `mapstructure:"sample_rows" yaml:"sample_rows"`
	MaxStorageGB     float64 `mapstructure:"max_storage_gb" yaml:"max_storage_gb"`
	MaxDurationHours float64 `mapstructure:"max_duration_hours" yaml:"max_duration_hours"`
	StratifyColumn   string  `mapstructure:"stratify_column" yaml:"stratify_column"`
	Dir              string  `mapstructure:"dir" yaml:"dir"`
}

type SnapshotConfig struct {
	Dir                 string `mapstructure:"dir" yaml:"dir"`
	DataChecksums       bool   `mapstructure:"data_checksums" yaml:"data_checksums"`
	PerformanceBaseline bool   `mapstructure:"performance_baseline" yaml:"performance_baseline"`
}

type ValidationConfig struct {
	MonitorInterval  time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	ValidatorTimeout time.Duration `mapstructure:"validator_timeout" yaml:"validator_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("lock.backend", BackendMemory)
	v.SetDefault("lock.default_timeout", lock.DefaultTimeout)
	v.SetDefault("lock.default_ttl", lock.DefaultTTL)
	v.SetDefault("lock.reap_interval", 5*time.Second)
	v.SetDefault("mitigation.staging_level", risk.LevelHigh.String())
	v.SetDefault("staging.sampling", string(staging.Representative))
	v.SetDefault("staging.sample_rows", staging.DefaultSampleRows)
	v.SetDefault("staging.max_storage_gb", staging.DefaultLimits.MaxStorageGB)
	v.SetDefault("staging.max_duration_hours", staging.DefaultLimits.MaxDurationHours)
	v.SetDefault("snapshot.dir", ".schemaguard/snapshots")
	v.SetDefault("validation.monitor_interval", 2*time.Second)
	v.SetDefault("validation.validator_timeout", 30*time.Second)
}

// Load reads the configuration. explicitPath, when set, must exist;
// otherwise .schemaguard.yaml is searched in the working directory, $HOME
// and $HOME/.config/schemaguard. .env and .env.local are loaded first so
// their values take part in environment overrides.
func Load(fs afero.Fs, explicitPath string) (*Config, error) {
	if fs == nil {
		fs = AppFs
	}
	loadDotEnv(fs)

	v := viper.New()
	v.SetFs(fs)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
			v.AddConfigPath(filepath.Join(home, ".config", "schemaguard"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	// Nested keys are only bound to the environment once viper knows
	// them, so the commonly overridden ones are read explicitly.
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.ShadowURL == "" {
		cfg.Database.ShadowURL = os.Getenv("SHADOW_DATABASE_URL")
	}
	if cfg.Database.Provider == "" && cfg.Database.URL != "" {
		cfg.Database.Provider = DetectProvider(cfg.Database.URL)
	}
	if cfg.Actor == "" {
		cfg.Actor = defaultActor()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env and then .env.local, the latter winning.
// Unreadable files are ignored.
func loadDotEnv(fs afero.Fs) {
	apply := func(name string, override bool) {
		f, err := fs.Open(name)
		if err != nil {
			return
		}
		defer f.Close()
		vals, err := godotenv.Parse(f)
		if err != nil {
			return
		}
		for k, val := range vals {
			if _, set := os.LookupEnv(k); set && !override {
				continue
			}
			os.Setenv(k, val)
		}
	}
	apply(".env", false)
	apply(".env.local", true)
}

func defaultActor() string {
	for _, k := range []string{"SCHEMAGUARD_ACTOR", "USER", "USERNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "unknown"
}

// DetectProvider guesses the provider from a connection string.
func DetectProvider(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return introspect.ProviderPostgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return introspect.ProviderMySQL
	case strings.HasPrefix(lower, "file:"), strings.HasPrefix(lower, "sqlite"),
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return introspect.ProviderSQLite
	}
	return introspect.ProviderPostgres
}

// Validate rejects settings the components would refuse later.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Provider != "" {
		c.Database.Provider = introspect.NormalizeProvider(c.Database.Provider)
		if introspect.DriverName(c.Database.Provider) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", introspect.ErrUnsupportedProvider, c.Database.Provider))
		}
	}
	if _, err := c.RiskConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Mitigation.Floor < 0 || c.Mitigation.Floor > 100 {
		errs = append(errs, fmt.Errorf("mitigation floor must be between 0 and 100, got %v", c.Mitigation.Floor))
	}
	if c.Mitigation.StagingLevel != "" {
		if _, err := risk.ParseLevel(c.Mitigation.StagingLevel); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Lock.Backend {
	case "", BackendMemory, BackendPostgres:
	case BackendRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock backend redis needs lock.redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock backend %q", c.Lock.Backend))
	}
	if c.Lock.Backend == BackendPostgres && c.Database.Provider != "" && c.Database.Provider != introspect.ProviderPostgres {
		errs = append(errs, errors.New("lock backend postgres needs a postgres database"))
	}
	if c.Lock.DefaultTimeout < 0 || c.Lock.DefaultTTL < 0 {
		errs = append(errs, errors.New("lock timeouts must not be negative"))
	}
	if _, err := staging.ParseSamplingStrategy(c.Staging.Sampling); err != nil {
		errs = append(errs, err)
	}
	if err := c.StagingLimits().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Staging.SampleRows < 0 {
		errs = append(errs, errors.New("staging sample_rows must not be negative"))
	}
	return errors.Join(errs...)
}

// RiskConfig returns risk.DefaultConfig with the configured overrides.
func (c *Config) RiskConfig() (risk.Config, error) {
	out := risk.DefaultConfig()
	if c.Risk.Thresholds != (risk.Thresholds{}) {
		out.Thresholds = c.Risk.Thresholds
	}
	if len(c.Risk.Weights) > 0 {
		weights := make(map[risk.Category]float64, len(out.Weights))
		for k, v := range out.Weights {
			weights[k] = v
		}
		for k, v := range c.Risk.Weights {
			weights[risk.Category(k)] = v
		}
		out.Weights = weights
	}
	set := func(dst *float64, v float64) {
		if v != 0 {
			*dst = v
		}
	}
	set(&out.CascadeMultiplier, c.Risk.CascadeMultiplier)
	set(&out.ViewIncrement, c.Risk.ViewIncrement)
	set(&out.TriggerIncrement, c.Risk.TriggerIncrement)
	set(&out.ProcedureIncrement, c.Risk.ProcedureIncrement)
	set(&out.ForeignKeyIncrement, c.Risk.FKIncrement)
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// StagingLimits returns the configured staging resource limits.
func (c *Config) StagingLimits() staging.ResourceLimits {
	return staging.ResourceLimits{
		MaxStorageGB:     c.Staging.MaxStorageGB,
		MaxDurationHours: c.Staging.MaxDurationHours,
	}
}

// Save writes the configuration as YAML to path, or to
// $HOME/.config/schemaguard/.schemaguard.yaml when path is empty.
func Save(fs afero.Fs, cfg *Config, path string) (string, error) {
	if fs == nil {
		fs = AppFs
	}
	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, ".config", "schemaguard", FileName+".yaml")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetFs(fs)
	v.Set("database.provider", cfg.Database.Provider)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("lock.backend", cfg.Lock.Backend)
	v.Set("staging.sampling", cfg.Staging.Sampling)
	v.Set("snapshot.dir", cfg.Snapshot.Dir)
	if cfg.Actor != "" {
		v.Set("actor", cfg.Actor)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
