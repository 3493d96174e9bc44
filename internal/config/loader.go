package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/sheetsync/internal/db"
	"github.com/rpattn/sheetsync/internal/domain"
	"github.com/rpattn/sheetsync/internal/logger"
	"github.com/rpattn/sheetsync/internal/source"
)

// EnvPrefix namespaces environment overrides, e.g. SHEETSYNC_DATABASE_HOST.
const EnvPrefix = "SHEETSYNC"

// Config is the full process configuration.
type Config struct {
	Database db.Config     `mapstructure:"database"`
	Logging  logger.Config `mapstructure:"logging"`
	Server   ServerConfig  `mapstructure:"server"`
	Sync     SyncConfig    `mapstructure:"sync"`
	Scopes   []ScopeConfig `mapstructure:"scopes"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SyncConfig holds the settings shared by every scope.
type SyncConfig struct {
	Interval time.Duration         `mapstructure:"interval"`
	Workers  int                   `mapstructure:"workers"`
	Batch    source.BatchConfig    `mapstructure:"batch"`
	Deletion domain.DeletionConfig `mapstructure:"deletion"`
}

// ScopeConfig declares one synced sheet.
type ScopeConfig struct {
	Name       string             `mapstructure:"name"`
	Interval   time.Duration      `mapstructure:"interval"`
	RunOnStart bool               `mapstructure:"run_on_start"`
	Watch      bool               `mapstructure:"watch"`
	Sheet      source.SheetConfig `mapstructure:"sheet"`
	// RelationshipFields and ActivityField name sheet columns, so they are
	// set per scope rather than in the shared deletion rules.
	RelationshipFields []string `mapstructure:"relationship_fields"`
	ActivityField      string   `mapstructure:"activity_field"`
}

// Deletion returns the shared deletion rules bound to this scope's columns.
// Column names are normalized the same way as sheet headers.
func (s ScopeConfig) Deletion(shared domain.DeletionConfig) domain.DeletionConfig {
	cfg := shared
	cfg.RelationshipFields = make([]string, 0, len(s.RelationshipFields))
	for _, field := range s.RelationshipFields {
		cfg.RelationshipFields = append(cfg.RelationshipFields, source.NormalizeHeader(field))
	}
	cfg.ActivityField = ""
	if s.ActivityField != "" {
		cfg.ActivityField = source.NormalizeHeader(s.ActivityField)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)

	logDefaults := logger.DefaultConfig()
	v.SetDefault("logging.level", logDefaults.Level)
	v.SetDefault("logging.format", string(logDefaults.Format))
	v.SetDefault("logging.file", logDefaults.File)
	v.SetDefault("logging.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("logging.max_backups", logDefaults.MaxBackups)
	v.SetDefault("logging.max_age_days", logDefaults.MaxAgeDays)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.workers", 4)

	batch := source.DefaultBatchConfig()
	v.SetDefault("sync.batch.batch_size", batch.BatchSize)
	v.SetDefault("sync.batch.min_delay", batch.MinDelay)
	v.SetDefault("sync.batch.backoff_factor", batch.BackoffFactor)
	v.SetDefault("sync.batch.max_retries", batch.MaxRetries)
	v.SetDefault("sync.batch.max_batches", batch.MaxBatches)

	deletion := domain.DefaultDeletionConfig()
	v.SetDefault("sync.deletion.enabled", deletion.Enabled)
	v.SetDefault("sync.deletion.strict_validation", deletion.StrictValidation)
	v.SetDefault("sync.deletion.recent_activity_days", deletion.RecentActivityDays)
	v.SetDefault("sync.deletion.max_deletions_per_sync", deletion.MaxDeletionsPerSync)
}

// Load reads configuration from configPath, which may be a file or a
// directory holding config.yaml. A missing config.yaml in a directory is
// not an error: defaults and SHEETSYNC_* variables are used instead. The
// returned string names the file that was read, empty if none.
func Load(configPath string) (Config, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath == "" {
			configPath = "."
		}
		v.AddConfigPath(configPath)
	}

	used := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, "", fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Scopes {
		if cfg.Scopes[i].Interval <= 0 {
			cfg.Scopes[i].Interval = cfg.Sync.Interval
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}

	return cfg, used, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Database.MaxConns > 0 && int32(c.Sync.Workers) >= c.Database.MaxConns {
		return fmt.Errorf("sync.workers (%d) must stay below database.max_conns (%d)", c.Sync.Workers, c.Database.MaxConns)
	}
	if c.Sync.Deletion.RecentActivityDays < 0 {
		return errors.New("sync.deletion.recent_activity_days must not be negative")
	}

	seen := make(map[string]bool, len(c.Scopes))
	for i, scope := range c.Scopes {
		if strings.TrimSpace(scope.Name) == "" {
			return fmt.Errorf("scopes[%d]: name is required", i)
		}
		if seen[scope.Name] {
			return fmt.Errorf("scopes[%d]: duplicate scope name %q", i, scope.Name)
		}
		seen[scope.Name] = true
		if scope.Sheet.Path == "" {
			return fmt.Errorf("scope %s: sheet.path is required", scope.Name)
		}
		for _, field := range scope.RelationshipFields {
			if source.NormalizeHeader(field) == "" {
				return fmt.Errorf("scope %s: relationship field %q is empty after normalization", scope.Name, field)
			}
		}
		if scope.ActivityField != "" && source.NormalizeHeader(scope.ActivityField) == "" {
			return fmt.Errorf("scope %s: activity field %q is empty after normalization", scope.Name, scope.ActivityField)
		}
		for column, fieldType := range scope.Sheet.FieldTypes {
			switch fieldType {
			case domain.FieldTypeString, domain.FieldTypeNumber, domain.FieldTypeDate, domain.FieldTypeBoolean:
			default:
				return fmt.Errorf("scope %s: column %s has unknown type %q", scope.Name, column, fieldType)
			}
		}
	}

	return nil
}

// Sheets returns the reader configuration keyed by scope name.
func (c Config) Sheets() map[string]source.SheetConfig {
	sheets := make(map[string]source.SheetConfig, len(c.Scopes))
	for _, scope := range c.Scopes {
		sheets[scope.Name] = scope.Sheet
	}
	return sheets
}

// Scope looks up a scope by name.
func (c Config) Scope(name string) (ScopeConfig, bool) {
	for _, scope := range c.Scopes {
		if scope.Name == name {
			return scope, true
		}
	}
	return ScopeConfig{}, false
}
