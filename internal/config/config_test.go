package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.TickSeconds != 30 {
		t.Errorf("tick = %d, want 30", cfg.Engine.TickSeconds)
	}
	if cfg.Engine.LeaseSeconds != 90 || cfg.Engine.LeaseExtendAfterSeconds != 60 {
		t.Errorf("lease = %d/%d, want 90/60",
			cfg.Engine.LeaseSeconds, cfg.Engine.LeaseExtendAfterSeconds)
	}
	if cfg.Commission.PercentBps != 30 {
		t.Errorf("percent_bps = %d, want 30", cfg.Commission.PercentBps)
	}
	for _, id := range []string{"btc", "ltc", "eth", "polygon"} {
		cc := cfg.Chain(id)
		if cc == nil {
			t.Fatalf("default config missing chain %s", id)
		}
		if cc.Enabled {
			t.Errorf("chain %s enabled by default without an endpoint", id)
		}
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crossdeal-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("data dir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	path := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Crossdeal") {
		t.Error("generated config missing header comment")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crossdeal-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	yaml := `
network_type: testnet
engine:
  tick_seconds: 5
  batch_size: 16
  source_parallelism: 4
  lease_seconds: 90
  lease_extend_after_seconds: 60
  watch_window_days: 7
  deposit_miss_threshold: 2
chains:
  btc:
    enabled: true
    rpc_url: http://127.0.0.1:18332
    rpc_user: user
    rpc_pass: pass
    operator_address: tb1qoperator
    collect_confirms: 2
    required_confirms: 1
    recovery_after_seconds: 600
    max_recovery_attempts: 3
`
	path := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.IsTestnet() {
		t.Error("network_type override not applied")
	}
	if cfg.Engine.TickSeconds != 5 {
		t.Errorf("tick = %d, want 5", cfg.Engine.TickSeconds)
	}

	btc := cfg.Chain("btc")
	if btc == nil || !btc.Enabled {
		t.Fatal("btc chain not enabled")
	}
	if btc.CollectConfirms != 2 {
		t.Errorf("btc collect confirms = %d, want 2", btc.CollectConfirms)
	}
	if !cfg.ChainEnabled("btc") {
		t.Error("ChainEnabled(btc) = false, want true")
	}
	if cfg.ChainEnabled("eth") {
		t.Error("ChainEnabled(eth) = true for an unconfigured chain")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config { return DefaultConfig() }

	cfg := base()
	cfg.NetworkType = "localnet"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown network accepted")
	}

	cfg = base()
	cfg.Engine.LeaseExtendAfterSeconds = cfg.Engine.LeaseSeconds
	if err := cfg.Validate(); err == nil {
		t.Error("extend-after >= lease accepted")
	}

	cfg = base()
	cfg.Commission.PercentBps = 10000
	if err := cfg.Validate(); err == nil {
		t.Error("10000 bps accepted")
	}

	cfg = base()
	cfg.Chains["btc"].Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("enabled chain without rpc_url accepted")
	}

	cfg = base()
	cfg.Chains["btc"].Enabled = true
	cfg.Chains["btc"].RPCURL = "http://127.0.0.1:8332"
	cfg.Chains["btc"].OperatorAddress = "bc1qop"
	cfg.Chains["btc"].BrokerContract = "0xbroker"
	if err := cfg.Validate(); err == nil {
		t.Error("broker contract on a UTXO chain accepted")
	}

	cfg = base()
	cfg.Chains["nope"] = &ChainConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown chain id accepted")
	}
}

func TestSeedFilePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/crossdeal"
	got := cfg.SeedFilePath()
	if got != "/var/lib/crossdeal/escrow.seed" {
		t.Errorf("seed path = %s, want /var/lib/crossdeal/escrow.seed", got)
	}

	cfg.Keystore.SeedFile = "/etc/crossdeal/seed"
	if cfg.SeedFilePath() != "/etc/crossdeal/seed" {
		t.Errorf("absolute seed path not honored: %s", cfg.SeedFilePath())
	}
}
