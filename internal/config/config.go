// Package config loads the ambient configuration surface spec.md §6
// enumerates (cache capacity, GC reflog retention, forced chunking on
// pre-compressed categories, delta enable/disable) plus the local
// filesystem backend's connection setting, using
// github.com/spf13/viper the way the teacher's go.mod declares it: a
// single viper.Viper instance with defaults set up front, optionally
// overlaid by a config file and environment variables, read into a
// plain struct the rest of the module consumes without ever importing
// viper itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the Repository facade's full configuration surface.
type Config struct {
	// Cache is C9's LRU read-cache capacity, in items.
	CacheCapacity int `mapstructure:"cache.capacity"`

	// GCReflogRetention is how long a reflog entry keeps its old/new OIDs
	// reachable for GC marking purposes (spec.md §4.13, §6).
	GCReflogRetention time.Duration `mapstructure:"gc.reflog_retention"`

	// ChunkingForceOnPrecompressed forces fixed-block chunking on
	// otherwise-unchunked pre-compressed categories (spec.md §4.4).
	ChunkingForceOnPrecompressed bool `mapstructure:"chunking.force_on_precompressed"`

	// DeltaEnabled toggles whether the ODB attempts delta-encoding at all
	// (spec.md §4.8, §6).
	DeltaEnabled bool `mapstructure:"delta.enabled"`

	// BackendDir is the root directory for the local filesystem Blob
	// Backend. Connection settings for other backend implementations
	// (S3-compatible, etc.) are the external collaborator's concern
	// (spec.md §1) and are not modeled here.
	BackendDir string `mapstructure:"backend.dir"`
}

// DefaultConfig matches spec.md §6's documented defaults exactly.
func DefaultConfig() Config {
	return Config{
		CacheCapacity:                1000,
		GCReflogRetention:            90 * 24 * time.Hour,
		ChunkingForceOnPrecompressed: false,
		DeltaEnabled:                 true,
		BackendDir:                   ".mediagit",
	}
}

// Loader wraps a viper.Viper instance pre-seeded with spec.md §6's
// defaults, following the same shape the teacher's RedisConfig loading
// would have taken: defaults first, then an optional file, then
// environment overrides, highest precedence last.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader with every default set and MEDIAGIT_-prefixed
// environment variables bound (e.g. MEDIAGIT_CACHE_CAPACITY overrides
// cache.capacity).
func NewLoader() *Loader {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("cache.capacity", def.CacheCapacity)
	v.SetDefault("gc.reflog_retention", def.GCReflogRetention)
	v.SetDefault("chunking.force_on_precompressed", def.ChunkingForceOnPrecompressed)
	v.SetDefault("delta.enabled", def.DeltaEnabled)
	v.SetDefault("backend.dir", def.BackendDir)

	v.SetEnvPrefix("mediagit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// SetConfigFile points the loader at an explicit config file path
// (any format viper supports: YAML, TOML, JSON, ...). It is optional;
// callers that only want defaults plus environment overrides can skip it.
func (l *Loader) SetConfigFile(path string) {
	l.v.SetConfigFile(path)
}

// Load merges the configured file (if any was set via SetConfigFile and
// exists) over the defaults and environment bindings, then reads each key
// into a Config.
func (l *Loader) Load() (Config, error) {
	if l.v.ConfigFileUsed() != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		CacheCapacity:                l.v.GetInt("cache.capacity"),
		GCReflogRetention:            l.v.GetDuration("gc.reflog_retention"),
		ChunkingForceOnPrecompressed: l.v.GetBool("chunking.force_on_precompressed"),
		DeltaEnabled:                 l.v.GetBool("delta.enabled"),
		BackendDir:                   l.v.GetString("backend.dir"),
	}
	return cfg, nil
}
