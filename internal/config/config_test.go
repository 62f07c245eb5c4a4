package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		viper.Reset()
	})
	viper.Reset()

	require.NoError(t, LoadConfig())

	_, err = os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "development", viper.GetString("ENV"))
	assert.Equal(t, "local", viper.GetString("storage_backend"))
	assert.Equal(t, 18, viper.GetInt("identity_minimum_age"))
	assert.True(t, viper.GetBool("dev_mode"))
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("DATAFI_STORAGE_MASTER_SECRET")
		viper.Reset()
	})
	viper.Reset()

	require.NoError(t, os.WriteFile(".env", []byte("DATAFI_STORAGE_MASTER_SECRET=s3cret\n"), 0600))
	require.NoError(t, LoadConfig())

	assert.Equal(t, "s3cret", viper.GetString("storage_master_secret"))
}
