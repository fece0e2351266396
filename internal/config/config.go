package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"fleetsim/internal/model"
)

const (
	DefaultImage          = "tcdicn:latest"
	DefaultDockerBin      = "docker"
	DefaultNamePrefix     = "fleet"
	DefaultVerbosity      = "info"
	DefaultStopTimeoutSec = 10

	// DistributeAll copies every public key generated so far to a starting
	// node; DistributeGroups restricts the copy to the peers named in the
	// node's group memberships.
	DistributeAll    = "all"
	DistributeGroups = "groups"
)

// Config holds the simulation session settings.
type Config struct {
	Image           string            `yaml:"image"`
	DockerBin       string            `yaml:"docker_bin"`
	NamePrefix      string            `yaml:"name_prefix"`
	KeyDir          string            `yaml:"key_dir,omitempty"`
	Verbosity       string            `yaml:"verbosity"`
	KeyDistribution string            `yaml:"key_distribution"`
	StopTimeoutSec  int               `yaml:"stop_timeout_sec"`
	Entrypoints     map[string]string `yaml:"entrypoints,omitempty"`
	ExtraEnv        map[string]string `yaml:"env,omitempty"`
}

// Default returns a config with all defaults applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file. If the file is missing, returns
// the default config so a session can run without any setup.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	switch cfg.Verbosity {
	case "dbug", "info", "warn":
	default:
		return fmt.Errorf("verbosity must be one of dbug, info, warn (got %q)", cfg.Verbosity)
	}
	switch cfg.KeyDistribution {
	case DistributeAll, DistributeGroups:
	default:
		return fmt.Errorf("key_distribution must be %q or %q (got %q)", DistributeAll, DistributeGroups, cfg.KeyDistribution)
	}
	if cfg.StopTimeoutSec < 0 {
		return fmt.Errorf("stop_timeout_sec must not be negative")
	}
	if cfg.Image == "" {
		return fmt.Errorf("image is required")
	}
	for role := range cfg.Entrypoints {
		if _, ok := model.ParseRole(role); !ok {
			return fmt.Errorf("entrypoints: unknown role %q", role)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = DefaultDockerBin
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Verbosity == "" {
		cfg.Verbosity = DefaultVerbosity
	}
	if cfg.KeyDistribution == "" {
		cfg.KeyDistribution = DistributeAll
	}
	if cfg.StopTimeoutSec == 0 {
		cfg.StopTimeoutSec = DefaultStopTimeoutSec
	}
}

// EntrypointFor returns the in-image command for a role, honoring overrides.
func (c Config) EntrypointFor(role model.Role) string {
	if cmd, ok := c.Entrypoints[string(role)]; ok && cmd != "" {
		return cmd
	}
	return fmt.Sprintf("python3 applications/%s.py", role)
}
