// Package state is the typed, versioned key-value store the daemon uses for
// resumable progress: cached identity results, the "verification in progress"
// flag and per-step results.
package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 1

// ErrNotFound is returned when a key is absent, unreadable or from a newer schema.
var ErrNotFound = errors.New("state: key not found")

// MigrateFunc upgrades a raw value written with schema version from to the
// next version. It is applied repeatedly until the value reaches CurrentVersion.
type MigrateFunc func(key string, from int, raw []byte) ([]byte, error)

type Store struct {
	db      *gorm.DB
	migrate MigrateFunc
}

// New returns a store over db. migrate may be nil when no older versions exist.
func New(db *gorm.DB, migrate MigrateFunc) *Store {
	return &Store{db: db, migrate: migrate}
}

// Put marshals v as JSON and stores it under key, replacing any previous value.
func (s *Store) Put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	entry := database.StateEntry{Key: key, SchemaVersion: CurrentVersion, Value: raw}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"schema_version", "value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get loads key into v. Any value that cannot be read back is reported as
// ErrNotFound so callers treat it as "not yet completed".
func (s *Store) Get(key string, v interface{}) error {
	var entry database.StateEntry
	if err := s.db.Where("key = ?", key).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	raw := entry.Value
	version := entry.SchemaVersion
	for version < CurrentVersion {
		if s.migrate == nil {
			logger.Warn("No migration for stale state entry", "key", key, "version", version)
			return ErrNotFound
		}
		next, err := s.migrate(key, version, raw)
		if err != nil {
			logger.Warn("State migration failed", "key", key, "version", version, "error", err)
			return ErrNotFound
		}
		raw = next
		version++
	}
	if version > CurrentVersion {
		logger.Warn("State entry from a newer schema ignored", "key", key, "version", version)
		return ErrNotFound
	}

	if err := json.Unmarshal(raw, v); err != nil {
		logger.Warn("Malformed state entry ignored", "key", key, "error", err)
		return ErrNotFound
	}

	if version != entry.SchemaVersion {
		if err := s.Put(key, v); err != nil {
			logger.Warn("Failed to persist migrated state entry", "key", key, "error", err)
		}
	}
	return nil
}

// Has reports whether key holds a readable value.
func (s *Store) Has(key string) bool {
	var discard json.RawMessage
	return s.Get(key, &discard) == nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Unscoped().Where("key = ?", key).Delete(&database.StateEntry{}).Error
}

// Keys returns every stored key starting with prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.Model(&database.StateEntry{}).
		Where("key LIKE ?", prefix+"%").
		Order("key").
		Pluck("key", &keys).Error
	return keys, err
}
