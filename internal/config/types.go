package config

// Config holds all evmsniper configuration.
type Config struct {
	DefaultChain string              `json:"default_chain"`
	Pool         PoolConfig          `json:"pool"`
	Retry        RetryConfig         `json:"retry"`
	Nonce        NonceConfig         `json:"nonce"`
	Gas          GasConfig           `json:"gas"`
	Wallet       WalletConfig        `json:"wallet"`
	Risk         RiskConfig          `json:"risk"`
	Pipeline     PipelineConfig      `json:"pipeline"`
	Tiers        Tiers               `json:"tiers"`
	CustomRPCs   map[string][]string `json:"custom_rpcs"`
	CustomWS     map[string][]string `json:"custom_ws,omitempty"`

	// internal: config dir path used for Save()
	configDir string
}

// PoolConfig tunes the per-chain RPC connection pool.
type PoolConfig struct {
	MaxRequestsPerSecond  float64 `json:"max_requests_per_second"`
	MinConnections        int     `json:"min_connections"`
	MaxConnections        int     `json:"max_connections"`
	ConnectionTimeoutMS   int     `json:"connection_timeout_ms"`
	HealthCheckIntervalMS int     `json:"health_check_interval_ms"`
	FailureThreshold      int     `json:"failure_threshold"`
	BreakerBaseMS         int     `json:"breaker_base_ms"`
	BreakerMaxMS          int     `json:"breaker_max_ms"`
	GraceMS               int     `json:"grace_ms"`
}

// RetryConfig tunes the retry policy.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseMS      int `json:"base_ms"`
	MaxMS       int `json:"max_ms"`
	JitterMS    int `json:"jitter_ms"`
	TotalCapMS  int `json:"total_cap_ms"`
}

// NonceConfig tunes nonce cache freshness.
type NonceConfig struct {
	CacheSeconds int `json:"cache_seconds"`
}

// GasConfig tunes gas estimation. Chain-level floors and caps live on the
// chain registry entry; these are cross-chain knobs.
type GasConfig struct {
	LimitSafetyFactor float64 `json:"limit_safety_factor"`
	GasCacheSeconds   int     `json:"gas_cache_seconds"`
}

// WalletConfig locates and unlocks the encrypted wallet store.
type WalletConfig struct {
	// EncryptionSeed is the operator passphrase for the store master key.
	// Empty means "fetch from the OS keychain".
	EncryptionSeed string `json:"encryption_seed,omitempty"`
	FilePath       string `json:"file_path"`
}

// RiskConfig tunes the token risk analyzer.
type RiskConfig struct {
	AnalysisCacheSeconds  int     `json:"analysis_cache_seconds"`
	LiquidityMinUSD       float64 `json:"liquidity_min_usd"`
	LiquiditySafeUSD      float64 `json:"liquidity_safe_usd"`
	TopHolderPctThreshold float64 `json:"top_holder_pct_threshold"`
	SellFeeRedPct         float64 `json:"sell_fee_red_pct"`

	// ExplorerAPIURL is an Etherscan-compatible API for source verification
	// and contract age. Empty disables explorer lookups; those checks then
	// degrade conservatively.
	ExplorerAPIURL string `json:"explorer_api_url"`
	ExplorerAPIKey string `json:"explorer_api_key,omitempty"`
}

// PipelineConfig tunes transaction submission.
type PipelineConfig struct {
	Confirmations    uint64 `json:"confirmations"`
	ReceiptTimeoutMS int    `json:"receipt_timeout_ms"`
}

// TierPolicy controls what a subscription tier may do.
type TierPolicy struct {
	AllowYellow    bool    `json:"allow_yellow"`
	MaxPositions   int     `json:"max_positions"`
	StopLossPct    float64 `json:"stop_loss_pct"`
	TakeProfitPct  float64 `json:"take_profit_pct"`
	AllowSandwich  bool    `json:"allow_sandwich"`
	ExtendedTPPct  float64 `json:"extended_tp_pct"`
	HoldWindowMins int     `json:"hold_window_mins"`
}

// Tiers bundles the three subscription levels.
type Tiers struct {
	Free    TierPolicy `json:"free"`
	Premium TierPolicy `json:"premium"`
	VIP     TierPolicy `json:"vip"`
}
