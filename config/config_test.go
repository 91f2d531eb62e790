// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DefaultConfig tests
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Network", cfg.Network, "mainnet"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFile", cfg.LogFile, ""},
		{"MetricsAddr", cfg.MetricsAddr, ""},
		{"PotBps", cfg.PotBps, uint64(4800)},
		{"DividendBps", cfg.DividendBps, uint64(4500)},
		{"CarryBps", cfg.CarryBps, uint64(500)},
		{"ProtocolFeeBps", cfg.ProtocolFeeBps, uint64(200)},
		{"ReferralBps", cfg.ReferralBps, uint64(1000)},
		{"PriceBase", cfg.PriceBase, uint64(10_000_000)},
		{"PriceIncrement", cfg.PriceIncrement, uint64(1_000_000)},
		{"TimerIncrement", cfg.TimerIncrement, 30 * time.Second},
		{"TimerCap", cfg.TimerCap, 24 * time.Hour},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %v, want %v", tc.got, tc.want)
			}
		})
	}

	if !strings.HasSuffix(cfg.DataDir, ".keyround") {
		t.Errorf("DataDir = %q, want suffix %q", cfg.DataDir, ".keyround")
	}
}

func TestDefaultConfig_Snapshot(t *testing.T) {
	snap := DefaultConfig().Snapshot()
	if err := snap.Validate(); err != nil {
		t.Fatalf("default snapshot invalid: %v", err)
	}
	if snap.ProtocolWallet != "protocol" {
		t.Errorf("ProtocolWallet = %q, want %q", snap.ProtocolWallet, "protocol")
	}
}

// ---------------------------------------------------------------------------
// SaveConfig / LoadConfig tests
// ---------------------------------------------------------------------------

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")

	original := DefaultConfig()
	original.DataDir = "/tmp/test-keyround"
	original.Network = "testnet"
	original.LogLevel = "debug"
	original.LogFile = "/tmp/keyround.log"
	original.MetricsAddr = ":9100"
	original.SentryDSN = "https://key@sentry.example.com/1"
	original.Authority = "02abcdef"
	original.PotBps = 5000
	original.CarryBps = 300
	original.TimerIncrement = 45 * time.Second
	original.TimerCap = 2 * time.Hour
	original.ProtocolWallet = "treasury"

	if err := SaveConfig(path, original); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded != original {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, original)
	}
}

func TestSaveConfigCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config")

	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig should create parent dirs: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("Config file not created: %v", err)
	}
}

func TestSaveConfig_OutputFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := SaveConfig(path, DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# keyround configuration") {
		t.Error("saved config should start with the header comment")
	}
	for _, key := range []string{"datadir", "loglevel", "metrics", "pot_bps", "timer_cap", "protocol_wallet"} {
		if !strings.Contains(content, key+" = ") {
			t.Errorf("saved config should contain key %q", key)
		}
	}
	if !strings.Contains(content, "timer_increment = 30s") {
		t.Error("durations should be written in Go duration syntax")
	}
}

func TestLoadConfigNotFound(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config")
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("LoadConfig nonexistent: got %v, want ErrConfigNotFound", err)
	}
}

func TestLoadConfig_Parsing(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg Config)
		wantErr error
	}{
		{
			name:    "comments and blanks",
			content: "# comment\n\nnetwork = testnet\n# another\nloglevel = debug\n",
			check: func(t *testing.T, cfg Config) {
				if cfg.Network != "testnet" || cfg.LogLevel != "debug" {
					t.Errorf("got network=%q loglevel=%q", cfg.Network, cfg.LogLevel)
				}
				if cfg.PotBps != 4800 {
					t.Errorf("unset PotBps = %d, want default", cfg.PotBps)
				}
			},
		},
		{
			name:    "unknown keys ignored",
			content: "futurekey = futurevalue\nnetwork = testnet\n",
			check: func(t *testing.T, cfg Config) {
				if cfg.Network != "testnet" {
					t.Errorf("Network = %q", cfg.Network)
				}
			},
		},
		{
			name:    "multiple equals",
			content: "logfile=/tmp/a=b.log\n",
			check: func(t *testing.T, cfg Config) {
				if cfg.LogFile != "/tmp/a=b.log" {
					t.Errorf("LogFile = %q", cfg.LogFile)
				}
			},
		},
		{
			name:    "whitespace and key case",
			content: "  Price_Base =  25000000  \n",
			check: func(t *testing.T, cfg Config) {
				if cfg.PriceBase != 25_000_000 {
					t.Errorf("PriceBase = %d", cfg.PriceBase)
				}
			},
		},
		{
			name:    "empty metrics",
			content: "metrics=\n",
			check: func(t *testing.T, cfg Config) {
				if cfg.MetricsAddr != "" {
					t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
				}
			},
		},
		{
			name:    "duration",
			content: "timer_increment = 1m30s\n",
			check: func(t *testing.T, cfg Config) {
				if cfg.TimerIncrement != 90*time.Second {
					t.Errorf("TimerIncrement = %v", cfg.TimerIncrement)
				}
			},
		},
		{name: "not key value", content: "this-is-not-key-value\n", wantErr: ErrInvalidConfigLine},
		{name: "empty key", content: " = value\n", wantErr: ErrInvalidConfigLine},
		{name: "bad number", content: "pot_bps = lots\n", wantErr: ErrInvalidValue},
		{name: "negative number", content: "price_base = -1\n", wantErr: ErrInvalidValue},
		{name: "bad duration", content: "timer_cap = forever\n", wantErr: ErrInvalidValue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config")
			if err := os.WriteFile(path, []byte(tc.content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := LoadConfig(path)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("LoadConfig: got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			tc.check(t, cfg)
		})
	}
}

func TestLoadConfig_PermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission test not reliable on Windows")
	}
	if os.Getuid() == 0 {
		t.Skip("cannot test permission denial as root")
	}

	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("network=testnet\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(path, 0600) })

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("LoadConfig on unreadable file: expected error, got nil")
	}
	if errors.Is(err, ErrConfigNotFound) {
		t.Error("LoadConfig on unreadable file should not return ErrConfigNotFound")
	}
}

// ---------------------------------------------------------------------------
// ApplyEnv tests
// ---------------------------------------------------------------------------

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"KEYROUND_LOGLEVEL":        "warn",
		"KEYROUND_REFERRAL_BPS":    "2500",
		"KEYROUND_TIMER_INCREMENT": "1m",
		"KEYROUND_UNRELATED":       "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
	if cfg.ReferralBps != 2500 {
		t.Errorf("ReferralBps = %d, want 2500", cfg.ReferralBps)
	}
	if cfg.TimerIncrement != time.Minute {
		t.Errorf("TimerIncrement = %v, want 1m", cfg.TimerIncrement)
	}
	if cfg.Network != "mainnet" {
		t.Errorf("Network = %q, unset variables must keep defaults", cfg.Network)
	}

	env["KEYROUND_PRICE_BASE"] = "cheap"
	if err := ApplyEnv(&cfg, lookup); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("ApplyEnv bad value: got %v, want ErrInvalidValue", err)
	}
}

// ---------------------------------------------------------------------------
// ValidateConfig tests
// ---------------------------------------------------------------------------

func TestValidateConfigDefaults(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Errorf("ValidateConfig(DefaultConfig()) = %v, want nil", err)
	}
}

func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{"empty_datadir", func(c *Config) { c.DataDir = "" }, ErrEmptyDataDir},
		{"bad_network", func(c *Config) { c.Network = "devnet" }, ErrInvalidNetwork},
		{"empty_network", func(c *Config) { c.Network = "" }, ErrInvalidNetwork},
		{"bad_metrics_addr", func(c *Config) { c.MetricsAddr = "not-a-valid-addr" }, ErrInvalidListenAddr},
		{"bad_loglevel", func(c *Config) { c.LogLevel = "verbose" }, ErrInvalidLogLevel},
		{"shares_not_whole", func(c *Config) { c.PotBps = 4000 }, ErrInvalidGameDefaults},
		{"zero_price", func(c *Config) { c.PriceBase = 0 }, ErrInvalidGameDefaults},
		{"cap_below_increment", func(c *Config) { c.TimerCap = time.Second }, ErrInvalidGameDefaults},
		{"no_protocol_wallet", func(c *Config) { c.ProtocolWallet = "" }, ErrInvalidGameDefaults},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := ValidateConfig(cfg)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ValidateConfig: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateConfig_LogLevelCaseInsensitive(t *testing.T) {
	for _, level := range []string{"INFO", "Debug", "WARN", "Error", "dEbUg"} {
		t.Run(level, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LogLevel = level
			if err := ValidateConfig(cfg); err != nil {
				t.Errorf("ValidateConfig with LogLevel %q: %v", level, err)
			}
		})
	}
}

func TestValidateConfig_MetricsAddrVariants(t *testing.T) {
	for _, addr := range []string{"", "127.0.0.1:9100", ":9100", "localhost:3000", "[::1]:8080"} {
		t.Run(addr, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MetricsAddr = addr
			if err := ValidateConfig(cfg); err != nil {
				t.Errorf("ValidateConfig with MetricsAddr %q: %v", addr, err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ConfigPath tests
// ---------------------------------------------------------------------------

func TestConfigPath(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"/home/user/.keyround", filepath.Join("/home/user/.keyround", "config")},
		{"/foo/", filepath.Join("/foo", "config")},
	}
	for _, tc := range tests {
		if got := ConfigPath(tc.dir); got != tc.want {
			t.Errorf("ConfigPath(%q) = %q, want %q", tc.dir, got, tc.want)
		}
	}
}
