// SPDX-FileCopyrightText: © 2026 braid dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the configuration for braid tooling.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel  = "NOTICE"
	defaultSessionDB = "sessions.db"
	defaultPrekeys   = 100
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Store is the session persistence configuration.
type Store struct {
	// DataDir is the absolute path to the state directory.
	DataDir string

	// SessionDB is the session database file name, relative to DataDir.
	SessionDB string
}

func (sCfg *Store) validate() error {
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Store: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.SessionDB == "" {
		sCfg.SessionDB = defaultSessionDB
	}
	return nil
}

// DBPath returns the absolute session database path.
func (sCfg *Store) DBPath() string {
	return filepath.Join(sCfg.DataDir, sCfg.SessionDB)
}

// Ratchet is the session engine configuration.
type Ratchet struct {
	// DisablePostQuantum runs sessions classical-only.
	DisablePostQuantum bool

	// RegistrationID identifies this party in establishment headers.
	RegistrationID uint32

	// OneTimePrekeys is the number of one-time prekeys to generate.
	OneTimePrekeys int
}

func (rCfg *Ratchet) applyDefaults() {
	if rCfg.OneTimePrekeys <= 0 {
		rCfg.OneTimePrekeys = defaultPrekeys
	}
}

// Config is the top level braid configuration.
type Config struct {
	Store   *Store
	Logging *Logging
	Ratchet *Ratchet
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration. Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Store == nil {
		return errors.New("config: No Store block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Ratchet == nil {
		cfg.Ratchet = &Ratchet{}
	}

	if err := cfg.Store.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Ratchet.applyDefaults()

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
