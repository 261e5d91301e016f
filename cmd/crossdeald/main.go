// Package main provides the crossdeald daemon - the escrow settlement coordinator.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crossdeal-exchange/crossdeal/internal/adapter"
	"github.com/crossdeal-exchange/crossdeal/internal/adapter/evm"
	"github.com/crossdeal-exchange/crossdeal/internal/adapter/utxo"
	"github.com/crossdeal-exchange/crossdeal/internal/asset"
	"github.com/crossdeal-exchange/crossdeal/internal/config"
	"github.com/crossdeal-exchange/crossdeal/internal/engine"
	"github.com/crossdeal-exchange/crossdeal/internal/keystore"
	"github.com/crossdeal-exchange/crossdeal/internal/rpc"
	"github.com/crossdeal-exchange/crossdeal/internal/storage"
	"github.com/crossdeal-exchange/crossdeal/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crossdeal", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crossdeald %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		// Use specified config file
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		// Use default config location in data directory
		cfg, err = config.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir

	// Set network type
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Update logging with config level and optional file output
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.Logging.File,
		Console:    true,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := expandPath(cfg.Storage.DataDir)
	storeCfg := &storage.Config{
		DataDir: dataPath,
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Open the keystore. The seed never leaves this process; escrow keys are
	// derived from it on demand.
	ks, err := openKeystore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open keystore", "error", err)
	}
	log.Info("Keystore ready", "path", cfg.SeedFilePath(), "network", cfg.NetworkType)

	// Build one adapter per enabled chain
	adapters := adapter.NewSet()
	for _, id := range cfg.EnabledChains() {
		ch, ok := asset.GetChain(id)
		if !ok {
			log.Fatal("Config enables unknown chain", "chain", id)
		}
		cc := cfg.Chain(id)
		var ad adapter.Adapter
		switch ch.Family {
		case asset.FamilyUTXO:
			ad, err = utxo.New(id, cc, ks)
		case asset.FamilyAccount:
			ad, err = evm.New(id, cc, ks)
		default:
			log.Fatal("Chain has no adapter family", "chain", id, "family", ch.Family)
		}
		if err != nil {
			log.Fatal("Failed to build chain adapter", "chain", id, "error", err)
		}
		adapters.Register(ad)
		log.Info("Chain adapter ready", "chain", id, "family", ch.Family, "operator", ad.OperatorAddress())
	}
	if len(adapters.Chains()) == 0 {
		log.Fatal("No chains enabled; enable at least one chain in config")
	}

	// Engine and RPC server. The notifier is wired before either starts so
	// no deal event can slip past the WebSocket hub.
	eng := engine.New(cfg, store, adapters, log)
	rpcServer := rpc.NewServer(eng, cfg)
	eng.SetNotifier(rpcServer.Notify)

	if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatal("Failed to start engine", "error", err)
	}

	startedAt := time.Now()
	printBanner(log, eng, adapters, cfg)

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := eng.Counts()
				if err != nil {
					log.Warn("Status query failed", "error", err)
					continue
				}
				log.Info("Status", "deals", counts, "uptime", time.Since(startedAt).Round(time.Second))
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop ticking first so no new work starts, then
	// close the API. In-flight queue items are reconciled on next start.
	cancel()
	eng.Stop()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// openKeystore loads the encrypted seed, creating it on first run. A fresh
// seed prints its mnemonic exactly once; there is no way to recover it later.
func openKeystore(cfg *config.Config, log *logging.Logger) (*keystore.Keystore, error) {
	passphrase := os.Getenv(cfg.Keystore.PassphraseEnv)
	if passphrase == "" {
		log.Fatal("Seed passphrase not set", "env", cfg.Keystore.PassphraseEnv)
	}

	ks, err := keystore.Open(cfg.SeedFilePath(), passphrase, cfg.NetworkType)
	if err == nil {
		return ks, nil
	}
	if !errors.Is(err, keystore.ErrSeedMissing) {
		return nil, err
	}

	ks, mnemonic, err := keystore.Init(cfg.SeedFilePath(), passphrase, cfg.NetworkType)
	if err != nil {
		return nil, err
	}

	log.Info("")
	log.Info("=================================================")
	log.Info("  NEW SEED GENERATED - WRITE DOWN THIS MNEMONIC")
	log.Info("=================================================")
	log.Infof("  %s", mnemonic)
	log.Info("=================================================")
	log.Warn("This mnemonic is shown once and controls all escrow funds")
	log.Info("")

	return ks, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, eng *engine.Engine, adapters *adapter.Set, cfg *config.Config) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  CrossDeal Settlement Coordinator (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Worker ID: %s", eng.WorkerID())
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
	if cfg.RPC.EnableWS {
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	}
	log.Info("")
	log.Infof("  Network: %s | Chains: %v", networkLabel, adapters.Chains())
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
