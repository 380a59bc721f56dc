// Package config loads the per-session cache configuration record
// ({cache_fulltexts, cache_txdeltas, fail_stop, memcache_endpoint}),
// plus CLI-level overrides for cmd/wcmsctl.
//
// File configuration is TOML, decoded once per LoadFile call; the CLI
// layer overlays WCMS_* environment variables on top with viper
// (CLIOverlay). No command-line flags are bound to cache settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// CacheConfig is the explicit per-session cache configuration record.
// Each wcms.Session constructs its own caches from one of these; there
// is no process-wide global.
type CacheConfig struct {
	CacheFulltexts   bool   `toml:"cache_fulltexts"`
	CacheTxdeltas    bool   `toml:"cache_txdeltas"`
	FailStop         bool   `toml:"fail_stop"`
	MemcacheEndpoint string `toml:"memcache_endpoint"`
}

// DefaultCacheConfig enables both caches; cache errors downgrade to a
// miss rather than aborting.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{CacheFulltexts: true, CacheTxdeltas: true}
}

// fileConfig is the on-disk shape of wcms.toml.
type fileConfig struct {
	Cache CacheConfig `toml:"cache"`
}

// LoadFile decodes a wcms.toml at path into a CacheConfig, returning
// DefaultCacheConfig() unchanged if path does not exist.
func LoadFile(path string) (CacheConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultCacheConfig(), nil
	}

	var fc fileConfig
	fc.Cache = DefaultCacheConfig()
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return CacheConfig{}, fmt.Errorf("wcms: decode config %s: %w", path, err)
	}
	return fc.Cache, nil
}

// FindProjectConfig walks up from dir looking for a .wcms/wcms.toml.
// Returns "" if none is found.
func FindProjectConfig(dir string) string {
	for d := dir; ; {
		candidate := filepath.Join(d, ".wcms", "wcms.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(d)
		if parent == d {
			return ""
		}
		d = parent
	}
}

// CLIOverlay binds WCMS_* environment variables on top of a loaded
// CacheConfig, returning the viper instance for further flag binding
// and the merged result.
func CLIOverlay(base CacheConfig) (*viper.Viper, CacheConfig) {
	v := viper.New()
	v.SetEnvPrefix("WCMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache.cache_fulltexts", base.CacheFulltexts)
	v.SetDefault("cache.cache_txdeltas", base.CacheTxdeltas)
	v.SetDefault("cache.fail_stop", base.FailStop)
	v.SetDefault("cache.memcache_endpoint", base.MemcacheEndpoint)

	return v, CacheConfig{
		CacheFulltexts:   v.GetBool("cache.cache_fulltexts"),
		CacheTxdeltas:    v.GetBool("cache.cache_txdeltas"),
		FailStop:         v.GetBool("cache.fail_stop"),
		MemcacheEndpoint: v.GetString("cache.memcache_endpoint"),
	}
}
