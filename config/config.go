// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

// Package config loads and saves the keyround configuration file.
//
// The file is a flat list of "key = value" lines. Blank lines and lines
// starting with '#' are ignored, as are unknown keys. Every key can also be
// set from the environment as KEYROUND_<KEY>, e.g. KEYROUND_POT_BPS.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitfsorg/keyround-go/ledger"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "KEYROUND_"

// Config holds the node and game settings.
type Config struct {
	DataDir     string
	Network     string
	LogLevel    string
	LogFile     string
	MetricsAddr string
	SentryDSN   string

	// Authority is the participant id allowed to update the game defaults.
	Authority string

	// Game defaults for new rounds.
	PotBps         uint64
	DividendBps    uint64
	CarryBps       uint64
	ProtocolFeeBps uint64
	ReferralBps    uint64
	PriceBase      uint64
	PriceIncrement uint64
	TimerIncrement time.Duration
	TimerCap       time.Duration
	ProtocolWallet string
}

// DefaultDataDir returns ~/.keyround, or .keyround in the working directory
// when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyround"
	}
	return filepath.Join(home, ".keyround")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		DataDir:        DefaultDataDir(),
		Network:        "mainnet",
		LogLevel:       "info",
		PotBps:         ledger.DefaultPotBps,
		DividendBps:    ledger.DefaultDividendBps,
		CarryBps:       ledger.DefaultCarryBps,
		ProtocolFeeBps: ledger.DefaultProtocolFeeBps,
		ReferralBps:    ledger.DefaultReferralBps,
		PriceBase:      ledger.DefaultPriceBase,
		PriceIncrement: ledger.DefaultPriceIncrement,
		TimerIncrement: ledger.DefaultTimerIncrement,
		TimerCap:       ledger.DefaultTimerCap,
		ProtocolWallet: "protocol",
	}
}

// ConfigPath returns the config file path inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config")
}

// Snapshot returns the game defaults as a round snapshot.
func (c Config) Snapshot() ledger.Snapshot {
	return ledger.Snapshot{
		PotBps:         c.PotBps,
		DividendBps:    c.DividendBps,
		CarryBps:       c.CarryBps,
		ProtocolFeeBps: c.ProtocolFeeBps,
		ReferralBps:    c.ReferralBps,
		PriceBase:      c.PriceBase,
		PriceIncrement: c.PriceIncrement,
		TimerIncrement: c.TimerIncrement,
		TimerCap:       c.TimerCap,
		ProtocolWallet: c.ProtocolWallet,
	}
}

// field binds a config key to its Config member.
type field struct {
	key string
	get func(*Config) string
	set func(*Config, string) error
}

func stringField(key string, p func(*Config) *string) field {
	return field{
		key: key,
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func uintField(key string, p func(*Config) *uint64) field {
	return field{
		key: key,
		get: func(c *Config) string { return strconv.FormatUint(*p(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return err
			}
			*p(c) = n
			return nil
		},
	}
}

func durationField(key string, p func(*Config) *time.Duration) field {
	return field{
		key: key,
		get: func(c *Config) string { return p(c).String() },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p(c) = d
			return nil
		},
	}
}

// fields lists every key in file order.
var fields = []field{
	stringField("datadir", func(c *Config) *string { return &c.DataDir }),
	stringField("network", func(c *Config) *string { return &c.Network }),
	stringField("loglevel", func(c *Config) *string { return &c.LogLevel }),
	stringField("logfile", func(c *Config) *string { return &c.LogFile }),
	stringField("metrics", func(c *Config) *string { return &c.MetricsAddr }),
	stringField("sentrydsn", func(c *Config) *string { return &c.SentryDSN }),
	stringField("authority", func(c *Config) *string { return &c.Authority }),
	uintField("pot_bps", func(c *Config) *uint64 { return &c.PotBps }),
	uintField("dividend_bps", func(c *Config) *uint64 { return &c.DividendBps }),
	uintField("carry_bps", func(c *Config) *uint64 { return &c.CarryBps }),
	uintField("protocol_fee_bps", func(c *Config) *uint64 { return &c.ProtocolFeeBps }),
	uintField("referral_bps", func(c *Config) *uint64 { return &c.ReferralBps }),
	uintField("price_base", func(c *Config) *uint64 { return &c.PriceBase }),
	uintField("price_increment", func(c *Config) *uint64 { return &c.PriceIncrement }),
	durationField("timer_increment", func(c *Config) *time.Duration { return &c.TimerIncrement }),
	durationField("timer_cap", func(c *Config) *time.Duration { return &c.TimerCap }),
	stringField("protocol_wallet", func(c *Config) *string { return &c.ProtocolWallet }),
}

func lookupField(key string) (field, bool) {
	for _, f := range fields {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

// Set assigns value to key. Unknown keys are ignored.
func (c *Config) Set(key, value string) error {
	f, ok := lookupField(key)
	if !ok {
		return nil
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("%w: %s = %q: %w", ErrInvalidValue, key, value, err)
	}
	return nil
}

// LoadConfig reads the file at path over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return cfg, fmt.Errorf("%w: line %d: %q", err, lineNo, line)
		}
		if err := cfg.Set(key, value); err != nil {
			return cfg, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	return cfg, nil
}

// parseKeyValue splits a line on the first '='.
func parseKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", ErrInvalidConfigLine
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", ErrInvalidConfigLine
	}
	return key, strings.TrimSpace(value), nil
}

// ApplyEnv overrides cfg with KEYROUND_<KEY> variables found by lookup,
// typically os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, f := range fields {
		v, ok := lookup(EnvPrefix + strings.ToUpper(f.key))
		if !ok {
			continue
		}
		if err := cfg.Set(f.key, v); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, strings.ToUpper(f.key), err)
		}
	}
	return nil
}

// SaveConfig writes cfg to path, creating parent directories.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# keyround configuration\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "%s = %s\n", f.key, f.get(&cfg))
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
