// Package config reads the sync service settings: connection strings from the
// environment (optionally seeded from .env) and queue tuning from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// DefaultAddr is where the HTTP server listens when ADDR is unset.
const DefaultAddr = ":3500"

// Config holds everything read from the environment.
type Config struct {
	// DBURL is the Postgres connection string (DB_URL). Required.
	DBURL string
	// Addr is the HTTP listen address (ADDR).
	Addr string
	// RedisURL enables the cross-instance replay lock when set (REDIS_URL).
	RedisURL string
	// SyncConfigPath points at the YAML queue settings (SYNC_CONFIG).
	SyncConfigPath string

	Sync Sync
}

// Sync tunes the queue engine. Keys missing from the YAML keep their defaults.
type Sync struct {
	// BatchSize caps the operations replayed per process call.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout bounds one process call and must be shorter than LockTTL.
	// Zero means only the request context applies, which is rejected when
	// the Redis lock is in use.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// CleanupOlderThanDays is the cleanup threshold when the client sends none.
	CleanupOlderThanDays int `yaml:"cleanup_older_than_days"`

	// ConflictListLimit caps the conflicts returned by status.
	ConflictListLimit int `yaml:"conflict_list_limit"`

	// LockTTL is how long a Redis replay lock survives a crashed holder.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// Resources restricts replay to the listed resource types and kinds,
	// e.g. {"trainings": ["INSERT", "UPDATE"]}. Empty enables every applier.
	Resources map[string][]string `yaml:"resources,omitempty"`
}

// DefaultSync returns the settings used when no YAML file is given.
func DefaultSync() Sync {
	return Sync{
		BatchSize:            syncqueue.DefaultBatchSize,
		BatchTimeout:         90 * time.Second,
		CleanupOlderThanDays: syncqueue.DefaultCleanupDays,
		ConflictListLimit:    syncqueue.DefaultConflictListLimit,
		LockTTL:              2 * time.Minute,
	}
}

// LoadDotEnv loads .env into the environment. A missing file is not an
// error; variables already set win over the file.
func LoadDotEnv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] no .env file, using process environment")
		return nil
	}
	return err
}

// Load reads the environment and, if SYNC_CONFIG is set, the YAML settings.
func Load() (Config, error) {
	cfg := Config{
		DBURL:          os.Getenv("DB_URL"),
		Addr:           os.Getenv("ADDR"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SyncConfigPath: os.Getenv("SYNC_CONFIG"),
		Sync:           DefaultSync(),
	}
	if cfg.DBURL == "" {
		return Config{}, errors.New("DB_URL is not set")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.SyncConfigPath != "" {
		s, err := LoadSync(cfg.SyncConfigPath)
		if err != nil {
			return Config{}, err
		}
		cfg.Sync = s
	}
	// An unbounded replay could outlive its Redis lock and overlap another
	// instance's replay of the same owner.
	if cfg.RedisURL != "" && cfg.Sync.BatchTimeout == 0 {
		return Config{}, errors.New("batch_timeout must be set when REDIS_URL is used")
	}
	return cfg, nil
}

// LoadSync reads YAML settings from path over the defaults. Unknown keys are
// rejected so a typo does not silently keep a default.
func LoadSync(path string) (Sync, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sync{}, fmt.Errorf("open sync config: %w", err)
	}
	defer f.Close()

	s := DefaultSync()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Sync{}, fmt.Errorf("parse sync config %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Sync{}, fmt.Errorf("sync config %s: %w", path, err)
	}
	return s, nil
}

// Validate rejects settings the engine cannot run with.
func (s Sync) Validate() error {
	switch {
	case s.BatchSize <= 0:
		return errors.New("batch_size must be positive")
	case s.BatchTimeout < 0:
		return errors.New("batch_timeout must not be negative")
	case s.CleanupOlderThanDays < 0:
		return errors.New("cleanup_older_than_days must not be negative")
	case s.ConflictListLimit <= 0:
		return errors.New("conflict_list_limit must be positive")
	case s.LockTTL <= 0:
		return errors.New("lock_ttl must be positive")
	case s.BatchTimeout >= s.LockTTL:
		return errors.New("batch_timeout must be shorter than lock_ttl")
	}
	return nil
}

// EngineOptions converts the settings into engine options. The locker is
// chosen by the caller.
func (s Sync) EngineOptions() []syncqueue.Option {
	return []syncqueue.Option{
		syncqueue.WithBatchSize(s.BatchSize),
		syncqueue.WithBatchTimeout(s.BatchTimeout),
		syncqueue.WithConflictListLimit(s.ConflictListLimit),
	}
}
