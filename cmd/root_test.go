package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFilenameCommandUsesBasePathFlag(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cache, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cache, "Kuriboh.svg"), []byte("<svg/>"), 0o644))
	config := writeConfig(t, dir, "logging:\n  console:\n    enabled: false\n")

	rootCmd, err := RootCommand()
	require.NoError(t, err)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", config, "--base-path", cache, "filename", "--missing-ok", "Kuriboh", "Winged Kuriboh"})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t,
		"Kuriboh\t"+filepath.Join(cache, "Kuriboh.svg")+"\nWinged Kuriboh\t-\n",
		out.String())
}

func TestFilenameCommandFailsOnMissing(t *testing.T) {
	dir := t.TempDir()
	config := writeConfig(t, dir, "images:\n  base_path: "+filepath.Join(dir, "cache")+"\nlogging:\n  console:\n    enabled: false\n")

	rootCmd, err := RootCommand()
	require.NoError(t, err)
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"--config", config, "filename", "Kuriboh"})

	assert.EqualError(t, rootCmd.Execute(), "1 card(s) not cached")
}

func TestInvalidFetcherFlag(t *testing.T) {
	dir := t.TempDir()
	config := writeConfig(t, dir, "logging:\n  console:\n    enabled: false\n")

	rootCmd, err := RootCommand()
	require.NoError(t, err)
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"--config", config, "--fetcher", "carrier-pigeon", "filename", "Kuriboh"})

	assert.Error(t, rootCmd.Execute())
}
