// Package config loads the privatevol configuration file.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/containerd/errdefs"

	"github.com/spin-stack/privatevol/internal/volume"
)

const (
	DefaultStateDB  = "/var/lib/privatevol/volumes.db"
	DefaultLogLevel = "info"
)

// Config holds the settings of the privatevol binary.
type Config struct {
	DevRoot   string `toml:"dev_root"`
	MountRoot string `toml:"mount_root"`
	StateDB   string `toml:"state_db"`
	LogLevel  string `toml:"log_level"`
	KeyFile   string `toml:"key_file"`
	Sdcardfs  bool   `toml:"sdcardfs"`
	Users     []int  `toml:"users"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DevRoot:   volume.DefaultDevRoot,
		MountRoot: volume.DefaultMountRoot,
		StateDB:   DefaultStateDB,
		LogLevel:  DefaultLogLevel,
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("config %s: unknown keys %s: %w", path, strings.Join(keys, ", "), errdefs.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that have no usable fallback.
func (c Config) Validate() error {
	if c.DevRoot == "" {
		return fmt.Errorf("dev_root is empty: %w", errdefs.ErrInvalidArgument)
	}
	if c.MountRoot == "" {
		return fmt.Errorf("mount_root is empty: %w", errdefs.ErrInvalidArgument)
	}
	for _, u := range c.Users {
		if u < 0 {
			return fmt.Errorf("invalid user %d: %w", u, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}
