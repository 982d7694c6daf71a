// Package config loads txguard settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultDatabaseFile = "alerts.db"
	defaultArtifactDir  = "model"
)

// Config holds application configuration
type Config struct {
	DataDir      string `validate:"required"`
	DatabasePath string `validate:"required"`
	ArtifactDir  string `validate:"required"`

	Trees         int     `validate:"gt=0"`
	SampleSize    int     `validate:"gt=0"`
	Contamination float64 `validate:"gt=0,lt=1"`
	Seed          int64
	Workers       int `validate:"gt=0"`

	LogLevel   string `validate:"oneof=debug info warn error"`
	PrettyLogs bool

	Port          int           `validate:"min=1,max=65535"`
	ListLimit     int           `validate:"gt=0"`
	DefaultSnooze time.Duration `validate:"gt=0s,lte=8760h"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	dataDir := getEnv("TXGUARD_DATA_DIR", "./data")
	cfg := &Config{
		DataDir:       dataDir,
		DatabasePath:  getEnv("TXGUARD_DATABASE_PATH", filepath.Join(dataDir, defaultDatabaseFile)),
		ArtifactDir:   getEnv("TXGUARD_ARTIFACT_DIR", filepath.Join(dataDir, defaultArtifactDir)),
		Trees:         p.int("TXGUARD_TREES", 200),
		SampleSize:    p.int("TXGUARD_SAMPLE_SIZE", 256),
		Contamination: p.float("TXGUARD_CONTAMINATION", 0.02),
		Seed:          int64(p.int("TXGUARD_SEED", 42)),
		Workers:       p.int("TXGUARD_WORKERS", runtime.GOMAXPROCS(0)),
		LogLevel:      getEnv("TXGUARD_LOG_LEVEL", "info"),
		PrettyLogs:    p.bool("TXGUARD_LOG_PRETTY", false),
		Port:          p.int("TXGUARD_PORT", 5001),
		ListLimit:     p.int("TXGUARD_LIST_LIMIT", 200),
		DefaultSnooze: p.duration("TXGUARD_SNOOZE", 60*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		errs = append(errs, fmt.Errorf("invalid config %s=%v: must satisfy %s", fe.Field(), fe.Value(), rule))
	}
	return errors.Join(errs...)
}

// SetDataDir moves the data directory. Paths still at their defaults under
// the old directory move with it.
func (c *Config) SetDataDir(dir string) {
	if c.DatabasePath == filepath.Join(c.DataDir, defaultDatabaseFile) {
		c.DatabasePath = filepath.Join(dir, defaultDatabaseFile)
	}
	if c.ArtifactDir == filepath.Join(c.DataDir, defaultArtifactDir) {
		c.ArtifactDir = filepath.Join(dir, defaultArtifactDir)
	}
	c.DataDir = dir
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser records the first malformed variable.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return v
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return v
}

// duration accepts Go duration strings or a bare number of minutes.
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	v, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return v
}
