package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/engine"
	"github.com/crosnoe/evmsniper/internal/wallet"
)

// Version is the current release. Overridable via build ldflags:
//
//	go build -ldflags "-X github.com/crosnoe/evmsniper/cmd.Version=1.2.3" .
var Version = "1.0.0"

var (
	cfgDir  string
	cfg     *config.Config
	verbose bool
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "evmsniper",
	Short: "Multi-chain EVM sniping engine",
	Long: `evmsniper watches mempools, analyzes new tokens for rug-pull risk,
and execute swaps through DEX routers across eight EVM chains.

Wallets are encrypted at rest; the master seed lives in the OS keychain
unless wallet.encryption_seed is set in the config.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(config.ExitConfigError)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
			os.Exit(config.ExitConfigError)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore unlocks the encrypted wallet store, mapping corruption to the
// dedicated exit code.
func openStore() *wallet.Store {
	seed, err := wallet.DefaultSeedSource().Resolve(cfg.Wallet.EncryptionSeed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving wallet seed: %v\n", err)
		os.Exit(config.ExitConfigError)
	}
	path := cfg.Wallet.FilePath
	if path == "" {
		path = filepath.Join(cfg.Dir(), "wallets.dat")
	}
	store, err := wallet.Open(path, seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening wallet store: %v\n", err)
		if chain.IsKind(err, chain.KindInvalidKeyMaterial) {
			os.Exit(config.ExitWalletCorrupt)
		}
		os.Exit(config.ExitConfigError)
	}
	return store
}

// buildEngine assembles the execution core for commands that need it.
func buildEngine() *engine.Engine {
	eng, err := engine.New(cfg, chain.NewRegistry(), openStore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "building engine: %v\n", err)
		os.Exit(config.ExitConfigError)
	}
	return eng
}

// resolveChain accepts a chain name or numeric id.
func resolveChain(arg string) *chain.Config {
	reg := chain.NewRegistry()
	if cc, err := reg.GetByName(arg); err == nil {
		return cc
	}
	var id uint64
	if _, err := fmt.Sscanf(arg, "%d", &id); err == nil {
		if cc, err := reg.GetByChainID(id); err == nil {
			return cc
		}
	}
	fmt.Fprintf(os.Stderr, "unknown chain %q\n", arg)
	os.Exit(config.ExitConfigError)
	return nil
}

func init() {
	if envDir := os.Getenv("EVMSNIPER_CONFIG_DIR"); envDir != "" {
		cfgDir = envDir
	}

	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", cfgDir, "config directory (default: ~/.evmsniper)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		walletCmd,
		snipeCmd,
		safetyCmd,
		sendCmd,
		healthCmd,
		runCmd,
	)
}
