// Package config provides the coordinator's configuration: one YAML file
// under the data directory, created with defaults on first run. Chain
// endpoints and operator addresses MUST be defined here; nothing else in
// the codebase hardcodes them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/pkg/money"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Config holds all configuration for the coordinator daemon.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Keystore (escrow key derivation)
	Keystore KeystoreConfig `yaml:"keystore"`

	// RPC is the JSON-RPC / WebSocket server.
	RPC RPCConfig `yaml:"rpc"`

	// Engine drives deal processing.
	Engine EngineConfig `yaml:"engine"`

	// Commission is the operator's fee policy, frozen into each deal when
	// collection starts.
	Commission CommissionConfig `yaml:"commission"`

	// Chains holds per-chain node endpoints and operational addresses.
	Chains map[string]*ChainConfig `yaml:"chains"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the base directory for the database and key material.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// KeystoreConfig holds escrow key settings.
type KeystoreConfig struct {
	// SeedFile is the path to the encrypted master seed, relative to the
	// data directory unless absolute.
	SeedFile string `yaml:"seed_file"`

	// PassphraseEnv names the environment variable holding the seed
	// passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// EnableWS enables the WebSocket event feed.
	EnableWS bool `yaml:"enable_ws"`
}

// EngineConfig tunes the processing loop.
type EngineConfig struct {
	// TickSeconds is the scheduler interval.
	TickSeconds int `yaml:"tick_seconds"`

	// BatchSize bounds how many due deals one tick picks up.
	BatchSize int `yaml:"batch_size"`

	// SourceParallelism bounds concurrent per-source queue work inside
	// one deal.
	SourceParallelism int `yaml:"source_parallelism"`

	// LeaseSeconds is the processing lease duration per deal.
	LeaseSeconds int `yaml:"lease_seconds"`

	// LeaseExtendAfterSeconds is how far into the lease a held deal gets
	// its lease pushed forward.
	LeaseExtendAfterSeconds int `yaml:"lease_extend_after_seconds"`

	// WatchWindowDays is how long closed deals watch for late deposits.
	WatchWindowDays int `yaml:"watch_window_days"`

	// DepositMissThreshold is how many consecutive polls a known deposit
	// may go unreported before it is treated as reorged away.
	DepositMissThreshold int `yaml:"deposit_miss_threshold"`

	// DealTimeoutSeconds is the default collection window for new deals.
	// Callers may override it per deal at creation.
	DealTimeoutSeconds int `yaml:"deal_timeout_seconds"`
}

// CommissionConfig is the operator fee policy.
type CommissionConfig struct {
	// Mode selects the plan type: percent_bps or fixed_usd_native.
	Mode string `yaml:"mode"`

	// PercentBps is the fee in basis points of the trade amount.
	PercentBps int64 `yaml:"percent_bps"`

	// ERC20FixedFee is the flat add-on for token trades, in token units.
	ERC20FixedFee string `yaml:"erc20_fixed_fee"`

	// USDFixed is the flat fee in USD for fixed_usd_native plans.
	USDFixed string `yaml:"usd_fixed"`
}

// ChainConfig holds one chain's node endpoint and operational addresses.
type ChainConfig struct {
	// Enabled gates the chain. Disabled chains reject new deals.
	Enabled bool `yaml:"enabled"`

	// RPCURL is the chain node endpoint.
	RPCURL string `yaml:"rpc_url"`

	// RPCUser and RPCPass authenticate against UTXO nodes.
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	// OperatorAddress receives commissions on this chain.
	OperatorAddress string `yaml:"operator_address"`

	// TankAddress funds gas top-ups for token transfers. Account chains
	// only.
	TankAddress string `yaml:"tank_address,omitempty"`

	// BrokerContract, when set on an account chain, routes settlement
	// through the broker contract instead of plain transfers.
	BrokerContract string `yaml:"broker_contract,omitempty"`

	// CollectConfirms overrides the chain's deposit depth threshold.
	CollectConfirms int64 `yaml:"collect_confirms"`

	// RequiredConfirms overrides the outgoing completion depth.
	RequiredConfirms int64 `yaml:"required_confirms"`

	// RecoveryAfterSeconds is how long a stuck transfer waits before a
	// fee-bumped replacement.
	RecoveryAfterSeconds int `yaml:"recovery_after_seconds"`

	// MaxRecoveryAttempts bounds replacements before the item fails.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// QuoteUSD is the static native-asset price in USD backing the
	// fixed_usd_native commission mode. Empty disables USD quoting on
	// this chain.
	QuoteUSD string `yaml:"quote_usd,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults. Chain entries are
// generated for every registered chain with the registry's confirmation
// policy; endpoints stay empty until the operator fills them in.
func DefaultConfig() *Config {
	chains := make(map[string]*ChainConfig)
	for _, id := range asset.ListChains() {
		c := asset.MustGetChain(id)
		chains[id] = &ChainConfig{
			Enabled:              false,
			RPCURL:               "",
			CollectConfirms:      c.CollectConfirms,
			RequiredConfirms:     c.RequiredConfirms,
			RecoveryAfterSeconds: int(c.RecoveryAfter.Seconds()),
			MaxRecoveryAttempts:  c.MaxRecoveryAttempts,
		}
	}

	return &Config{
		NetworkType: NetworkMainnet,
		Storage: StorageConfig{
			DataDir: "~/.crossdeal",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Keystore: KeystoreConfig{
			SeedFile:      "escrow.seed",
			PassphraseEnv: "CROSSDEAL_SEED_PASSPHRASE",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:9735",
			EnableWS:   true,
		},
		Engine: EngineConfig{
			TickSeconds:             30,
			BatchSize:               16,
			SourceParallelism:       4,
			LeaseSeconds:            90,
			LeaseExtendAfterSeconds: 60,
			WatchWindowDays:         7,
			DepositMissThreshold:    2,
			DealTimeoutSeconds:      86400,
		},
		Commission: CommissionConfig{
			Mode:          "percent_bps",
			PercentBps:    30,
			ERC20FixedFee: "0.15",
			USDFixed:      "10",
		},
		Chains: chains,
	}
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// Chain returns the configuration for a chain id, or nil when absent.
func (c *Config) Chain(id string) *ChainConfig {
	if c.Chains == nil {
		return nil
	}
	return c.Chains[id]
}

// ChainEnabled reports whether a chain is configured and enabled.
func (c *Config) ChainEnabled(id string) bool {
	cc := c.Chain(id)
	return cc != nil && cc.Enabled
}

// EnabledChains returns the enabled chain ids, sorted.
func (c *Config) EnabledChains() []string {
	ids := make([]string, 0, len(c.Chains))
	for id, cc := range c.Chains {
		if cc != nil && cc.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SeedFilePath resolves the keystore seed file against the data dir.
func (c *Config) SeedFilePath() string {
	if filepath.IsAbs(c.Keystore.SeedFile) {
		return c.Keystore.SeedFile
	}
	return filepath.Join(expandPath(c.Storage.DataDir), c.Keystore.SeedFile)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.NetworkType {
	case NetworkMainnet, NetworkTestnet:
	default:
		return fmt.Errorf("unknown network_type %q", c.NetworkType)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "fatal", "":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	e := c.Engine
	if e.TickSeconds <= 0 {
		return fmt.Errorf("engine.tick_seconds must be positive, got %d", e.TickSeconds)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", e.BatchSize)
	}
	if e.SourceParallelism <= 0 {
		return fmt.Errorf("engine.source_parallelism must be positive, got %d", e.SourceParallelism)
	}
	if e.LeaseSeconds <= 0 || e.LeaseExtendAfterSeconds <= 0 {
		return fmt.Errorf("engine lease settings must be positive")
	}
	if e.LeaseExtendAfterSeconds >= e.LeaseSeconds {
		return fmt.Errorf("engine.lease_extend_after_seconds (%d) must be below lease_seconds (%d)",
			e.LeaseExtendAfterSeconds, e.LeaseSeconds)
	}
	if e.WatchWindowDays < 0 {
		return fmt.Errorf("engine.watch_window_days must not be negative")
	}
	if e.DepositMissThreshold <= 0 {
		return fmt.Errorf("engine.deposit_miss_threshold must be positive")
	}
	if e.DealTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.deal_timeout_seconds must be positive")
	}

	switch c.Commission.Mode {
	case "percent_bps", "fixed_usd_native":
	default:
		return fmt.Errorf("unknown commission.mode %q", c.Commission.Mode)
	}
	if c.Commission.PercentBps < 0 || c.Commission.PercentBps >= 10000 {
		return fmt.Errorf("commission.percent_bps out of range: %d", c.Commission.PercentBps)
	}

	for id, cc := range c.Chains {
		if !asset.ChainSupported(id) {
			return fmt.Errorf("chains.%s: unknown chain", id)
		}
		if !cc.Enabled {
			continue
		}
		chain := asset.MustGetChain(id)
		if cc.RPCURL == "" {
			return fmt.Errorf("chains.%s: rpc_url required for an enabled chain", id)
		}
		if cc.OperatorAddress == "" {
			return fmt.Errorf("chains.%s: operator_address required for an enabled chain", id)
		}
		if cc.CollectConfirms <= 0 || cc.RequiredConfirms <= 0 {
			return fmt.Errorf("chains.%s: confirmation thresholds must be positive", id)
		}
		if cc.RecoveryAfterSeconds <= 0 || cc.MaxRecoveryAttempts <= 0 {
			return fmt.Errorf("chains.%s: recovery settings must be positive", id)
		}
		if chain.Family == asset.FamilyUTXO && cc.BrokerContract != "" {
			return fmt.Errorf("chains.%s: broker contracts exist only on account chains", id)
		}
		if chain.Family == asset.FamilyUTXO && cc.TankAddress != "" {
			return fmt.Errorf("chains.%s: gas tanks exist only on account chains", id)
		}
		if cc.QuoteUSD != "" {
			price, err := money.Parse(cc.QuoteUSD)
			if err != nil || !price.IsPositive() {
				return fmt.Errorf("chains.%s: quote_usd must be a positive decimal", id)
			}
		}
	}

	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file under dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Crossdeal Coordinator Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
