package chain

import (
	"errors"
	"math/big"
	"strings"
)

// ErrChainNotFound is returned when a chain is not in the registry.
var ErrChainNotFound = errors.New("chain not found")

// ChainType distinguishes EVM from non-EVM chains.
type ChainType string

const (
	ChainTypeEVM  ChainType = "evm"
	ChainTypeNEAR ChainType = "near"
)

// Config holds the immutable per-chain descriptor. Loaded at init and
// read-only afterwards.
type Config struct {
	ChainID            uint64    `json:"chain_id"`
	Name               string    `json:"name"`
	DisplayName        string    `json:"display_name"`
	Type               ChainType `json:"type"`
	NativeSymbol       string    `json:"native_symbol"`
	WrappedNative      string    `json:"wrapped_native"`
	RPCURLs            []string  `json:"rpc_urls"`
	BackupRPCURLs      []string  `json:"backup_rpc_urls"`
	WSURLs             []string  `json:"ws_urls"`
	RouterAddress      string    `json:"router_address"`
	FactoryAddress     string    `json:"factory_address"`
	BlockTimeMillis    uint64    `json:"block_time_ms"`
	DefaultGasLimit    uint64    `json:"default_gas_limit"`
	GasPriceFloorWei   uint64    `json:"gas_price_floor_wei"`
	MaxGasPriceWei     uint64    `json:"max_gas_price_wei"`
	SupportsEIP1559    bool      `json:"supports_eip1559"`
	DefaultPriorityWei uint64    `json:"default_priority_wei"`
	ExplorerTxURL      string    `json:"explorer_tx_url"` // %s replaced with tx hash
}

// AllRPCs returns primary then backup endpoints.
func (c *Config) AllRPCs() []string {
	out := make([]string, 0, len(c.RPCURLs)+len(c.BackupRPCURLs))
	out = append(out, c.RPCURLs...)
	return append(out, c.BackupRPCURLs...)
}

// GasPriceFloor returns the floor as a big.Int.
func (c *Config) GasPriceFloor() *big.Int {
	return new(big.Int).SetUint64(c.GasPriceFloorWei)
}

// WSEndpoint returns the preferred WebSocket endpoint, or "" when the chain
// has none configured.
func (c *Config) WSEndpoint() string {
	if len(c.WSURLs) == 0 {
		return ""
	}
	return c.WSURLs[0]
}

// MaxGasPrice returns the cap as a big.Int, or nil when uncapped.
func (c *Config) MaxGasPrice() *big.Int {
	if c.MaxGasPriceWei == 0 {
		return nil
	}
	return new(big.Int).SetUint64(c.MaxGasPriceWei)
}

// Registry is the chain registry.
type Registry struct {
	chains []Config
	byName map[string]*Config
	byID   map[uint64]*Config
}

// NewRegistry creates the registry of all supported chains.
func NewRegistry() *Registry {
	return newRegistry(allChains())
}

// NewRegistryWith builds a registry from explicit configs (used by tests and
// by config overrides).
func NewRegistryWith(chains []Config) *Registry {
	return newRegistry(chains)
}

func newRegistry(chains []Config) *Registry {
	r := &Registry{
		chains: chains,
		byName: make(map[string]*Config, len(chains)),
		byID:   make(map[uint64]*Config, len(chains)),
	}
	for i := range r.chains {
		c := &r.chains[i]
		r.byName[c.Name] = c
		if c.ChainID != 0 {
			r.byID[c.ChainID] = c
		}
	}
	return r
}

// All returns every chain in the registry.
func (r *Registry) All() []Config {
	return r.chains
}

// GetByName finds a chain by its slug name (e.g. "bsc", "ethereum").
func (r *Registry) GetByName(name string) (*Config, error) {
	c, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, ErrChainNotFound
	}
	return c, nil
}

// GetByChainID finds an EVM chain by its numeric chain ID.
func (r *Registry) GetByChainID(id uint64) (*Config, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrChainNotFound
	}
	return c, nil
}

// --- chain data ---

const gwei = 1_000_000_000

func allChains() []Config {
	return []Config{
		{
			ChainID: 1, Name: "ethereum", DisplayName: "Ethereum", Type: ChainTypeEVM,
			NativeSymbol:  "ETH",
			WrappedNative: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			RPCURLs:       []string{"https://eth.llamarpc.com", "https://ethereum-rpc.publicnode.com"},
			BackupRPCURLs: []string{"https://rpc.ankr.com/eth"},
			WSURLs:        []string{"wss://ethereum-rpc.publicnode.com"},
			// Uniswap V2
			RouterAddress:      "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			FactoryAddress:     "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f",
			BlockTimeMillis:    12_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   1 * gwei,
			MaxGasPriceWei:     500 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 2 * gwei,
			ExplorerTxURL:      "https://etherscan.io/tx/%s",
		},
		{
			ChainID: 56, Name: "bsc", DisplayName: "BNB Chain", Type: ChainTypeEVM,
			NativeSymbol:  "BNB",
			WrappedNative: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
			RPCURLs:       []string{"https://bsc-dataseed.binance.org", "https://bsc-rpc.publicnode.com"},
			BackupRPCURLs: []string{"https://bsc-dataseed1.defibit.io"},
			WSURLs:        []string{"wss://bsc-rpc.publicnode.com"},
			// PancakeSwap V2
			RouterAddress:      "0x10ED43C718714eb63d5aA57B78B54704E256024E",
			FactoryAddress:     "0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73",
			BlockTimeMillis:    3_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   3 * gwei,
			MaxGasPriceWei:     50 * gwei,
			SupportsEIP1559:    false,
			DefaultPriorityWei: 0,
			ExplorerTxURL:      "https://bscscan.com/tx/%s",
		},
		{
			ChainID: 43114, Name: "avalanche", DisplayName: "Avalanche", Type: ChainTypeEVM,
			NativeSymbol:  "AVAX",
			WrappedNative: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7",
			RPCURLs:       []string{"https://api.avax.network/ext/bc/C/rpc", "https://avalanche-c-chain-rpc.publicnode.com"},
			WSURLs:        []string{"wss://avalanche-c-chain-rpc.publicnode.com"},
			// Trader Joe
			RouterAddress:      "0x60aE616a2155Ee3d9A68541Ba4544862310933d4",
			FactoryAddress:     "0x9Ad6C38BE94206cA50bb0d90783181662f0Cfa10",
			BlockTimeMillis:    2_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   25 * gwei,
			MaxGasPriceWei:     300 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 1 * gwei,
			ExplorerTxURL:      "https://snowtrace.io/tx/%s",
		},
		{
			ChainID: 8453, Name: "base", DisplayName: "Base", Type: ChainTypeEVM,
			NativeSymbol:  "ETH",
			WrappedNative: "0x4200000000000000000000000000000000000006",
			RPCURLs:       []string{"https://mainnet.base.org", "https://base.llamarpc.com"},
			WSURLs:        []string{"wss://base-rpc.publicnode.com"},
			// Uniswap V2 (Base deployment)
			RouterAddress:      "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
			FactoryAddress:     "0x8909Dc15e40173Ff4699343b6eB8132c65e18eC6",
			BlockTimeMillis:    2_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   10_000_000, // 0.01 gwei
			MaxGasPriceWei:     10 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 100_000_000,
			ExplorerTxURL:      "https://basescan.org/tx/%s",
		},
		{
			ChainID: 42161, Name: "arbitrum", DisplayName: "Arbitrum", Type: ChainTypeEVM,
			NativeSymbol:  "ETH",
			WrappedNative: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
			RPCURLs:       []string{"https://arb1.arbitrum.io/rpc", "https://arbitrum.llamarpc.com"},
			WSURLs:        []string{"wss://arbitrum-one-rpc.publicnode.com"},
			// SushiSwap
			RouterAddress:      "0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24",
			FactoryAddress:     "0xf1D7CC64Fb4452F05c498126312eBE29f30Fbcf9",
			BlockTimeMillis:    250,
			DefaultGasLimit:    2_000_000, // Arbitrum gas accounting runs high
			GasPriceFloorWei:   10_000_000,
			MaxGasPriceWei:     10 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 0,
			ExplorerTxURL:      "https://arbiscan.io/tx/%s",
		},
		{
			ChainID: 10, Name: "optimism", DisplayName: "Optimism", Type: ChainTypeEVM,
			NativeSymbol:  "ETH",
			WrappedNative: "0x4200000000000000000000000000000000000006",
			RPCURLs:       []string{"https://mainnet.optimism.io", "https://optimism.llamarpc.com"},
			WSURLs:        []string{"wss://optimism-rpc.publicnode.com"},
			// Velodrome legacy V2 AMM
			RouterAddress:      "0x4A7Fa0e6a87eC697284Db2f7A737abb4d85a4a58",
			FactoryAddress:     "0x0c3c1c532F1e39EdF36BE9Fe0bE1410313E074Bf",
			BlockTimeMillis:    2_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   1_000_000, // 0.001 gwei
			MaxGasPriceWei:     10 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 1_000_000,
			ExplorerTxURL:      "https://optimistic.etherscan.io/tx/%s",
		},
		{
			ChainID: 137, Name: "polygon", DisplayName: "Polygon", Type: ChainTypeEVM,
			NativeSymbol:  "POL",
			WrappedNative: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270",
			RPCURLs:       []string{"https://polygon-bor-rpc.publicnode.com", "https://polygon-pokt.nodies.app"},
			WSURLs:        []string{"wss://polygon-bor-rpc.publicnode.com"},
			// QuickSwap
			RouterAddress:      "0xa5E0829CaCEd8fFDD4De3c43696c57F7D7A678ff",
			FactoryAddress:     "0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32",
			BlockTimeMillis:    2_000,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   30 * gwei,
			MaxGasPriceWei:     1_000 * gwei,
			SupportsEIP1559:    true,
			DefaultPriorityWei: 30 * gwei,
			ExplorerTxURL:      "https://polygonscan.com/tx/%s",
		},
		{
			ChainID: 10143, Name: "monad", DisplayName: "Monad Testnet", Type: ChainTypeEVM,
			NativeSymbol:  "MON",
			WrappedNative: "0x760AfE86e5de5fa0Ee542fc7B7B713e1c5425701",
			RPCURLs:       []string{"https://testnet-rpc.monad.xyz"},
			WSURLs:        []string{"wss://testnet-rpc.monad.xyz"},
			// Uniswap V2 testnet deployment
			RouterAddress:      "0xfB8e1C3b833f9E67a71C859a132cf783b645e436",
			FactoryAddress:     "0x733E88f248b742db6C14C0b1713Af5AD7fDd59D0",
			BlockTimeMillis:    500,
			DefaultGasLimit:    300_000,
			GasPriceFloorWei:   50 * gwei,
			MaxGasPriceWei:     0, // no cap published yet
			SupportsEIP1559:    true,
			DefaultPriorityWei: 1 * gwei,
			ExplorerTxURL:      "https://testnet.monadexplorer.com/tx/%s",
		},
		{
			// Non-EVM entry: resolvable by name, served by the stub adapter.
			Name: "near", DisplayName: "NEAR", Type: ChainTypeNEAR,
			NativeSymbol:    "NEAR",
			RPCURLs:         []string{"https://rpc.mainnet.near.org"},
			BlockTimeMillis: 1_100,
			ExplorerTxURL:   "https://nearblocks.io/txns/%s",
		},
	}
}
