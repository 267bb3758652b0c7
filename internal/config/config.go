// Package config loads the knobs listed in the external interfaces section
// from the environment, with an optional YAML overlay for local profiles --
// the same getEnv-with-default pattern the monolith binary used, generalized
// into a typed loader so each service binary shares one implementation.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Env reads an environment variable, falling back to def when unset or
// empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt reads an integer environment variable, falling back to def when
// unset, empty, or unparsable.
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvDuration reads a duration environment variable (e.g. "30s"), falling
// back to def when unset, empty, or unparsable.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Knobs holds the configuration knobs named in the external interfaces
// section, shared across every component binary. Each component only reads
// the subset relevant to it.
type Knobs struct {
	AllocatorPreallocationSize int           `yaml:"allocator_preallocation_size"`
	AllocatorMaximumAllocation int           `yaml:"allocator_maximum_allocation_size"`
	IdentifierSessionTolerance time.Duration `yaml:"identifier_session_tolerance"`
	IdentifierCacheCapacity    int           `yaml:"identifier_cache_capacity"`
	MutationMaxConcurrency     int           `yaml:"mutation_max_concurrency_per_call"`
	QueryMaxDepth              int           `yaml:"query_max_depth"`
	QueryMaxReads               int          `yaml:"query_max_reads"`
	QueryDeadlineDefault        time.Duration `yaml:"query_deadline_default"`
	StorePoolSize                int          `yaml:"store_pool_size"`
}

// Default returns the knobs' documented defaults.
func Default() Knobs {
	return Knobs{
		AllocatorPreallocationSize: 100_000,
		AllocatorMaximumAllocation: 10_000,
		IdentifierSessionTolerance: 30 * time.Second,
		IdentifierCacheCapacity:    100_000,
		MutationMaxConcurrency:     32,
		QueryMaxDepth:              6,
		QueryMaxReads:              10_000,
		QueryDeadlineDefault:       5 * time.Second,
		StorePoolSize:              16,
	}
}

// LoadOverlay reads a YAML file at path, if it exists, overlaying its
// non-zero fields onto k. A missing file is not an error.
func LoadOverlay(path string, k *Knobs) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, k)
}

// FromEnv builds Knobs from defaults, an optional overlay file named by the
// GRAPHCORE_CONFIG env var, then per-field environment overrides.
func FromEnv() Knobs {
	k := Default()
	if overlay := os.Getenv("GRAPHCORE_CONFIG"); overlay != "" {
		_ = LoadOverlay(overlay, &k)
	}
	k.AllocatorPreallocationSize = EnvInt("ALLOCATOR_PREALLOCATION_SIZE", k.AllocatorPreallocationSize)
	k.AllocatorMaximumAllocation = EnvInt("ALLOCATOR_MAXIMUM_ALLOCATION_SIZE", k.AllocatorMaximumAllocation)
	k.IdentifierSessionTolerance = EnvDuration("IDENTIFIER_SESSION_TOLERANCE_MS", k.IdentifierSessionTolerance)
	k.IdentifierCacheCapacity = EnvInt("IDENTIFIER_CACHE_CAPACITY", k.IdentifierCacheCapacity)
	k.MutationMaxConcurrency = EnvInt("MUTATION_MAX_CONCURRENCY_PER_CALL", k.MutationMaxConcurrency)
	k.QueryMaxDepth = EnvInt("QUERY_MAX_DEPTH", k.QueryMaxDepth)
	k.QueryMaxReads = EnvInt("QUERY_MAX_READS", k.QueryMaxReads)
	k.QueryDeadlineDefault = EnvDuration("QUERY_DEADLINE_DEFAULT_MS", k.QueryDeadlineDefault)
	k.StorePoolSize = EnvInt("STORE_POOL_SIZE", k.StorePoolSize)
	return k
}
