package interpose

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by LoadConfig.
const (
	EnvBackend         = "INTERPOSE_BACKEND"
	EnvValidateContext = "INTERPOSE_VALIDATE_CONTEXT"
	EnvLogLevel        = "INTERPOSE_LOG_LEVEL"
)

// Config is the settings a host can change without rebuilding.
type Config struct {
	// Backend is "inline" or "clone".
	Backend string
	// ValidateContext enables context validators where a hook offers one.
	ValidateContext bool
	LogLevel        zapcore.Level
}

// DefaultConfig returns the settings used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendInline,
		ValidateContext: true,
		LogLevel:        zapcore.InfoLevel,
	}
}

// LoadConfig reads Config from the environment, falling back to
// DefaultConfig for anything unset.
func LoadConfig() (Config, error) {
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvBackend); ok && v != "" {
		b, err := BackendByName(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvBackend, err)
		}
		cfg.Backend = b.Name()
	}

	if v, ok := lookup(EnvValidateContext); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvValidateContext, err)
		}
		cfg.ValidateContext = b
	}

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		lvl, err := zapcore.ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

// Options converts cfg to Context options. base is filtered to cfg.LogLevel;
// a nil base means no logging.
func (cfg Config) Options(base *zap.Logger) ([]Option, error) {
	backend, err := BackendByName(cfg.Backend)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithBackend(backend)}
	if base != nil {
		log := base.WithOptions(zap.IncreaseLevel(cfg.LogLevel))
		opts = append(opts, WithLogger(log))
	}
	return opts, nil
}
