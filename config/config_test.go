// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	basicConfig := `# A basic configuration example.
[Store]
DataDir = "%s"

[Logging]
Level = "debug"

[Ratchet]
RegistrationID = 7
`

	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, os.TempDir())))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(uint32(7), cfg.Ratchet.RegistrationID)
	require.Equal(defaultPrekeys, cfg.Ratchet.OneTimePrekeys)
	require.Equal(filepath.Join(os.TempDir(), defaultSessionDB), cfg.Store.DBPath())
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(fmt.Sprintf("[Store]\nDataDir = \"%s\"\n", os.TempDir())))
	require.NoError(err)

	require.NotNil(cfg.Logging)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.NotNil(cfg.Ratchet)
	require.False(cfg.Ratchet.DisablePostQuantum)
	require.Equal(defaultSessionDB, cfg.Store.SessionDB)
}

func TestIncompleteConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte("[Logging]\nLevel = \"DEBUG\"\n"))
	require.Error(err, "Load() without Store block")
	require.EqualError(err, "config: No Store block was present")

	_, err = Load([]byte("[Store]\nDataDir = \"relative/path\"\n"))
	require.Error(err, "Load() with relative DataDir")

	badLevel := fmt.Sprintf("[Store]\nDataDir = \"%s\"\n\n[Logging]\nLevel = \"TRACE\"\n", os.TempDir())
	_, err = Load([]byte(badLevel))
	require.Error(err, "Load() with invalid log level")
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	f := filepath.Join(dir, "braid.toml")
	require.NoError(os.WriteFile(f, []byte(fmt.Sprintf("[Store]\nDataDir = \"%s\"\n", dir)), 0o600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal(dir, cfg.Store.DataDir)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(err)
}
