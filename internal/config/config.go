package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

const configFile = "config.json"

// ErrInvalid marks a configuration that cannot be used to start the bot.
var ErrInvalid = errors.New("invalid config")

// Load reads config from dir (or creates defaults). dir defaults to ~/.evmsniper.
func Load(dir string) (*Config, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not determine home dir: %w", err)
		}
		dir = filepath.Join(home, ".evmsniper")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create config dir: %w", err)
	}

	cfg := Defaults(dir)

	path := filepath.Join(dir, configFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.configDir = dir
	if cfg.CustomRPCs == nil {
		cfg.CustomRPCs = make(map[string][]string)
	}
	return cfg, nil
}

// Save writes the config to disk.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.configDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.configDir, configFile), data, 0o600)
}

// Validate checks the invariants the engine depends on.
func (c *Config) Validate() error {
	if c.Pool.MaxRequestsPerSecond <= 0 {
		return fmt.Errorf("%w: pool.max_requests_per_second must be positive", ErrInvalid)
	}
	if c.Pool.MinConnections < 1 || c.Pool.MaxConnections < c.Pool.MinConnections {
		return fmt.Errorf("%w: pool connection bounds", ErrInvalid)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Wallet.FilePath == "" {
		return fmt.Errorf("%w: wallet.file_path is required", ErrInvalid)
	}
	return nil
}

// AddRPC adds a custom RPC URL for a chain.
func (c *Config) AddRPC(chain, url string) error {
	if c.CustomRPCs == nil {
		c.CustomRPCs = make(map[string][]string)
	}
	if slices.Contains(c.CustomRPCs[chain], url) {
		return fmt.Errorf("RPC %s already exists for chain %s", url, chain)
	}
	c.CustomRPCs[chain] = append(c.CustomRPCs[chain], url)
	return nil
}

// RemoveRPC removes a custom RPC URL for a chain.
func (c *Config) RemoveRPC(chain, url string) error {
	rpcs := c.CustomRPCs[chain]
	idx := slices.Index(rpcs, url)
	if idx == -1 {
		return fmt.Errorf("RPC %s not found for chain %s", url, chain)
	}
	c.CustomRPCs[chain] = slices.Delete(rpcs, idx, idx+1)
	return nil
}

// RPCsFor returns custom RPCs registered for a chain slug.
func (c *Config) RPCsFor(chain string) []string {
	return c.CustomRPCs[chain]
}

// Dir returns the config directory.
func (c *Config) Dir() string {
	return c.configDir
}

// TierFor returns the policy for a subscription tier name, falling back to
// the free tier for unknown names.
func (c *Config) TierFor(name string) TierPolicy {
	switch name {
	case "premium":
		return c.Tiers.Premium
	case "vip":
		return c.Tiers.VIP
	default:
		return c.Tiers.Free
	}
}

// Defaults returns the default configuration rooted at dir.
func Defaults(dir string) *Config {
	return &Config{
		DefaultChain: "bsc",
		Pool: PoolConfig{
			MaxRequestsPerSecond:  10,
			MinConnections:        1,
			MaxConnections:        8,
			ConnectionTimeoutMS:   5_000,
			HealthCheckIntervalMS: 30_000,
			FailureThreshold:      5,
			BreakerBaseMS:         10_000,
			BreakerMaxMS:          300_000,
			GraceMS:               60_000,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseMS:      500,
			MaxMS:       30_000,
			JitterMS:    250,
			TotalCapMS:  300_000,
		},
		Nonce: NonceConfig{CacheSeconds: 30},
		Gas: GasConfig{
			LimitSafetyFactor: 1.2,
			GasCacheSeconds:   30,
		},
		Wallet: WalletConfig{
			FilePath: filepath.Join(dir, "wallets.dat"),
		},
		Risk: RiskConfig{
			AnalysisCacheSeconds:  300,
			LiquidityMinUSD:       10_000,
			LiquiditySafeUSD:      50_000,
			TopHolderPctThreshold: 50,
			SellFeeRedPct:         30,
			ExplorerAPIURL:        "https://api.etherscan.io/v2/api",
		},
		Pipeline: PipelineConfig{
			Confirmations:    2,
			ReceiptTimeoutMS: 120_000,
		},
		Tiers: Tiers{
			Free: TierPolicy{
				AllowYellow:    false,
				MaxPositions:   1,
				StopLossPct:    10,
				TakeProfitPct:  12,
				AllowSandwich:  false,
				ExtendedTPPct:  5,
				HoldWindowMins: 30,
			},
			Premium: TierPolicy{
				AllowYellow:    true,
				MaxPositions:   5,
				StopLossPct:    12,
				TakeProfitPct:  15,
				AllowSandwich:  false,
				ExtendedTPPct:  8,
				HoldWindowMins: 60,
			},
			VIP: TierPolicy{
				AllowYellow:    true,
				MaxPositions:   20,
				StopLossPct:    15,
				TakeProfitPct:  20,
				AllowSandwich:  true,
				ExtendedTPPct:  12,
				HoldWindowMins: 120,
			},
		},
		CustomRPCs: make(map[string][]string),
		configDir:  dir,
	}
}
