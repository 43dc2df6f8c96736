// Package config loads Pathfinder's core configuration: defaults,
// overridden by an optional JWCC (JSON-with-comments) file, validated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds the knobs affecting core pipeline behavior.
type Config struct {
	MaxNproc           int  `json:"max_nproc"`
	UseInducedSubgraph bool `json:"use_induced_subgraph"`
	DecomposeSyscall   bool `json:"decompose_syscall"`
	MaxUMSize          int  `json:"max_um_size"`

	// TestTimeoutSeconds is the per-checker-invocation timeout, in seconds.
	TestTimeoutSeconds int `json:"test_timeout"`

	// BaselineTimeoutMinutes is the total baseline-mode cap, in minutes.
	BaselineTimeoutMinutes int `json:"baseline_timeout"`

	SavePMImages bool `json:"save_pm_images"`
}

// DefaultConfig returns Pathfinder's default configuration.
func DefaultConfig() Config {
	return Config{
		MaxNproc:               1,
		UseInducedSubgraph:     false,
		DecomposeSyscall:       true,
		MaxUMSize:              40,
		TestTimeoutSeconds:     30,
		BaselineTimeoutMinutes: 60,
		SavePMImages:           false,
	}
}

// TestTimeout returns TestTimeoutSeconds as a time.Duration.
func (c Config) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}

// BaselineTimeout returns BaselineTimeoutMinutes as a time.Duration.
func (c Config) BaselineTimeout() time.Duration {
	return time.Duration(c.BaselineTimeoutMinutes) * time.Minute
}

// Load reads an optional JWCC config file at path, applying its fields
// over DefaultConfig(). A missing path is not an error: Load returns the
// defaults. An explicitly-passed path that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ConfigErr("load", fmt.Errorf("reading %s: %w", path, err))
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, ConfigErr("load", fmt.Errorf("invalid JWCC in %s: %w", path, err))
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, ConfigErr("load", fmt.Errorf("invalid JSON in %s: %w", path, err))
	}

	if err := validate(cfg); err != nil {
		return Config{}, ConfigErr("load", err)
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.MaxNproc < 1 {
		return fmt.Errorf("%w: max_nproc must be >= 1, got %d", ErrConfigInvalid, cfg.MaxNproc)
	}

	if cfg.MaxUMSize < 1 {
		return fmt.Errorf("%w: max_um_size must be >= 1, got %d", ErrConfigInvalid, cfg.MaxUMSize)
	}

	if cfg.TestTimeoutSeconds < 1 {
		return fmt.Errorf("%w: test_timeout must be >= 1, got %d", ErrConfigInvalid, cfg.TestTimeoutSeconds)
	}

	if cfg.BaselineTimeoutMinutes < 1 {
		return fmt.Errorf("%w: baseline_timeout must be >= 1, got %d", ErrConfigInvalid, cfg.BaselineTimeoutMinutes)
	}

	return nil
}
