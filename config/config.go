// Package config loads the daemon-wide tunables that are not part of the
// volume's immutable on-disk header: the rotation refresh interval, map
// cache sizing, logger settings, and the registry file path. It is TOML
// encoded.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/coniks-sys/vaultfs/vaultlog"
)

// Config holds every tunable read from a vaultfs.toml file.
type Config struct {
	// RefreshInterval is the number of punctures
	// between forced PPRF rotations.
	RefreshInterval uint32 `toml:"refresh_interval"`
	// MapCacheBuckets is ERASER_MAP_CACHE_BUCKETS, normally 1024.
	MapCacheBuckets uint32 `toml:"map_cache_buckets"`
	// CacheEvictSeconds is how long an unaccessed cache entry survives
	// before the background evictor drops it.
	CacheEvictSeconds uint32 `toml:"cache_evict_seconds"`
	// RegistryPath is where the process-wide device registry is persisted.
	RegistryPath string `toml:"registry_path"`
	// Logger configures vaultlog.New.
	Logger *vaultlog.Config `toml:"logger"`
}

// Default returns a Config with the values this repository ships as
// sensible out-of-the-box tunables.
func Default() *Config {
	return &Config{
		RefreshInterval:   1024,
		MapCacheBuckets:   1024,
		CacheEvictSeconds: 300,
		RegistryPath:      "/var/lib/vaultfs/registry",
		Logger: &vaultlog.Config{
			Environment: "production",
		},
	}
}

// Load reads and decodes a TOML-encoded Config from file.
func Load(file string) (*Config, error) {
	conf := Default()
	if _, err := toml.DecodeFile(file, conf); err != nil {
		return nil, fmt.Errorf("[config] failed to load %s: %w", file, err)
	}
	return conf, nil
}

// Save TOML-encodes conf to file, refusing to overwrite an existing file.
func Save(file string, conf *Config) error {
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("[config] %s already exists", file)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(conf); err != nil {
		return fmt.Errorf("[config] encode: %w", err)
	}
	if err := os.WriteFile(file, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("[config] write %s: %w", file, err)
	}
	return nil
}
