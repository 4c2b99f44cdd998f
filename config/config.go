// Package config loads engine configuration: resource quotas and
// connection settings, from config file, environment and .env files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// AppFs is the filesystem configuration is read through; tests swap in a
// memory fs.
var AppFs = afero.NewOsFs()

// ReadFile reads a file through AppFs.
func ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(AppFs, path)
}

// WriteFile writes a file through AppFs.
func WriteFile(path string, data []byte) error {
	return afero.WriteFile(AppFs, path, data, 0o644)
}

// Quotas are the configured resource ceilings enforced by the engine at
// the point of use.
type Quotas struct {
	// MaxRows caps the rows buffered per result set.
	MaxRows int64

	// StatementTimeout bounds one statement's execution; zero disables.
	StatementTimeout time.Duration

	// MaxConcurrentTasks caps running async tasks per session.
	MaxConcurrentTasks int

	// TextPreview and BinaryPreview bound large-value previews, in bytes.
	TextPreview   int
	BinaryPreview int
}

// DefaultQuotas are the quotas used when nothing is configured.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxRows:            200,
		StatementTimeout:   30 * time.Second,
		MaxConcurrentTasks: 3,
		TextPreview:        4096,
		BinaryPreview:      256,
	}
}

// Database holds connection settings for the reference SQL adapter.
type Database struct {
	Provider       string
	URL            string
	MaxConnections int
}

// Config is the loaded application configuration.
type Config struct {
	Quotas   Quotas
	Database Database
}

// Load reads configuration from .querydesk.yaml (working directory, home,
// ~/.config/querydesk), QUERYDESK_* environment variables and .env files.
// A missing config file is not an error.
func Load() (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName(".querydesk")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(home)
	v.AddConfigPath(filepath.Join(home, ".config", "querydesk"))

	v.SetEnvPrefix("QUERYDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultQuotas()
	v.SetDefault("quotas.max_rows", def.MaxRows)
	v.SetDefault("quotas.statement_timeout", def.StatementTimeout)
	v.SetDefault("quotas.max_concurrent_tasks", def.MaxConcurrentTasks)
	v.SetDefault("quotas.text_preview", def.TextPreview)
	v.SetDefault("quotas.binary_preview", def.BinaryPreview)
	v.SetDefault("database.provider", "postgres")
	v.SetDefault("database.max_connections", 10)

	_ = v.ReadInConfig()

	if _, err := AppFs.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	if _, err := AppFs.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	url := v.GetString("database.url")
	if env := os.Getenv("DATABASE_URL"); env != "" {
		url = env
	}

	return &Config{
		Quotas: Quotas{
			MaxRows:            v.GetInt64("quotas.max_rows"),
			StatementTimeout:   v.GetDuration("quotas.statement_timeout"),
			MaxConcurrentTasks: v.GetInt("quotas.max_concurrent_tasks"),
			TextPreview:        v.GetInt("quotas.text_preview"),
			BinaryPreview:      v.GetInt("quotas.binary_preview"),
		},
		Database: Database{
			Provider:       v.GetString("database.provider"),
			URL:            url,
			MaxConnections: v.GetInt("database.max_connections"),
		},
	}, nil
}
