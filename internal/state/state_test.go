package state

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Maphikza/datafi-verifier.git/internal/database"
)

type cachedResult struct {
	Success bool   `json:"success"`
	Ref     string `json:"ref"`
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return db
}

func TestPutGetOverwrite(t *testing.T) {
	s := New(openDB(t), nil)

	require.NoError(t, s.Put("identity:0xpool:0xuser", cachedResult{Success: true, Ref: "a"}))
	require.NoError(t, s.Put("identity:0xpool:0xuser", cachedResult{Success: true, Ref: "b"}))

	var got cachedResult
	require.NoError(t, s.Get("identity:0xpool:0xuser", &got))
	assert.Equal(t, "b", got.Ref)

	keys, err := s.Keys("identity:")
	require.NoError(t, err)
	assert.Equal(t, []string{"identity:0xpool:0xuser"}, keys)
}

func TestMissingAndMalformedAreNotFound(t *testing.T) {
	db := openDB(t)
	s := New(db, nil)

	var got cachedResult
	assert.ErrorIs(t, s.Get("nope", &got), ErrNotFound)

	require.NoError(t, db.Create(&database.StateEntry{Key: "bad", SchemaVersion: CurrentVersion, Value: []byte("{not json")}).Error)
	assert.ErrorIs(t, s.Get("bad", &got), ErrNotFound)
	assert.False(t, s.Has("bad"))

	require.NoError(t, db.Create(&database.StateEntry{Key: "future", SchemaVersion: CurrentVersion + 1, Value: []byte(`{}`)}).Error)
	assert.ErrorIs(t, s.Get("future", &got), ErrNotFound)
}

func TestMigrationHookUpgradesOldEntries(t *testing.T) {
	db := openDB(t)
	calls := 0
	s := New(db, func(key string, from int, raw []byte) ([]byte, error) {
		calls++
		// version 0 stored a bare boolean
		var ok bool
		if err := json.Unmarshal(raw, &ok); err != nil {
			return nil, err
		}
		return json.Marshal(cachedResult{Success: ok, Ref: "migrated"})
	})

	require.NoError(t, db.Create(&database.StateEntry{Key: "old", SchemaVersion: 0, Value: []byte("true")}).Error)

	var got cachedResult
	require.NoError(t, s.Get("old", &got))
	assert.True(t, got.Success)
	assert.Equal(t, "migrated", got.Ref)

	// rewritten at the current version, so the hook is not needed again
	require.NoError(t, s.Get("old", &got))
	assert.Equal(t, 1, calls)
}

func TestMigrationFailureIsNotFound(t *testing.T) {
	db := openDB(t)
	s := New(db, func(string, int, []byte) ([]byte, error) { return nil, errors.New("cannot") })
	require.NoError(t, db.Create(&database.StateEntry{Key: "old", SchemaVersion: 0, Value: []byte("1")}).Error)

	var got cachedResult
	assert.ErrorIs(t, s.Get("old", &got), ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := New(openDB(t), nil)
	require.NoError(t, s.Put("flag", true))
	require.NoError(t, s.Delete("flag"))
	require.NoError(t, s.Delete("flag"))
	assert.False(t, s.Has("flag"))
}
