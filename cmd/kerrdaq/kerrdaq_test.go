package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeFileExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	name, err := makeFileExist(dir, "x.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.log"), name)
	require.NoError(t, os.WriteFile(name, []byte("keep"), 0644))

	// An existing file is left alone.
	_, err = makeFileExist(dir, "x.log")
	require.NoError(t, err)
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(b))
}

func TestSetupViper(t *testing.T) {
	defer viper.Reset()
	home := t.TempDir()
	require.NoError(t, setupViper(home))
	assert.FileExists(t, filepath.Join(home, ".kerrdaq", "config.yaml"))
	assert.False(t, viper.GetBool("database.enable"))
}

func TestStartLogger(t *testing.T) {
	name := filepath.Join(t.TempDir(), "problems.log")
	logger := startLogger(name)
	logger.Print("hello")
	b, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello")
}
