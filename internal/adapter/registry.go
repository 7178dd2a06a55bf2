package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/chain"
)

// Registry maps chain ids and names to their adapters. Lookups vastly
// outnumber registrations, so it is guarded by a read-write lock.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint64]Adapter
	byName map[string]Adapter
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint64]Adapter),
		byName: make(map[string]Adapter),
	}
}

// Register installs (or replaces) the adapter for its chain.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[a.ChainID()] = a
	r.byName[name] = a
}

// Get returns the adapter for a chain id.
func (r *Registry) Get(chainID uint64) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[chainID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for chain %d: %w", chainID, chain.ErrChainNotFound)
	}
	return a, nil
}

// GetByName returns the adapter registered under a chain name.
func (r *Registry) GetByName(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for chain %q: %w", name, chain.ErrChainNotFound)
	}
	return a, nil
}

// Chains returns the registered chain ids.
func (r *Registry) Chains() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

// Unimplemented is the placeholder adapter for configured non-EVM chains.
// Every operation fails with NotImplemented.
type Unimplemented struct {
	cfg *chain.Config
}

// NewUnimplemented creates the stub for a chain descriptor.
func NewUnimplemented(cfg *chain.Config) *Unimplemented {
	return &Unimplemented{cfg: cfg}
}

func (u *Unimplemented) ChainID() uint64       { return u.cfg.ChainID }
func (u *Unimplemented) Config() *chain.Config { return u.cfg }

func (u *Unimplemented) err(op string) error {
	return chain.NewError(chain.KindNotImplemented,
		fmt.Sprintf("%s on %s (%s chains are not supported)", op, u.cfg.Name, u.cfg.Type))
}

func (u *Unimplemented) GetBlockNumber(context.Context) (uint64, error) {
	return 0, u.err("get_block_number")
}
func (u *Unimplemented) GetGasPrice(context.Context) (*big.Int, error) {
	return nil, u.err("get_gas_price")
}
func (u *Unimplemented) GetGasInfo(context.Context) (*GasInfo, error) {
	return nil, u.err("get_gas_info")
}
func (u *Unimplemented) GetBlock(context.Context, string) (*chain.BlockInfo, error) {
	return nil, u.err("get_block")
}
func (u *Unimplemented) GetTransaction(context.Context, string) (*chain.Transaction, error) {
	return nil, u.err("get_transaction")
}
func (u *Unimplemented) GetTransactionReceipt(context.Context, string) (*chain.TxReceipt, error) {
	return nil, u.err("get_transaction_receipt")
}
func (u *Unimplemented) GetBalance(context.Context, string) (*big.Int, error) {
	return nil, u.err("get_balance")
}
func (u *Unimplemented) GetCode(context.Context, string) (string, error) {
	return "", u.err("get_code")
}
func (u *Unimplemented) GetTokenBalance(context.Context, string, string) (*big.Int, error) {
	return nil, u.err("get_token_balance")
}
func (u *Unimplemented) GetTokenDetails(context.Context, string) (*TokenDetails, error) {
	return nil, u.err("get_token_details")
}
func (u *Unimplemented) GetTokenAllowance(context.Context, string, string, string) (*big.Int, error) {
	return nil, u.err("get_token_allowance")
}
func (u *Unimplemented) GetLogs(context.Context, chain.LogFilter) ([]chain.LogEntry, error) {
	return nil, u.err("get_logs")
}
func (u *Unimplemented) GetTransactionCount(context.Context, string, string) (uint64, error) {
	return 0, u.err("get_transaction_count")
}
func (u *Unimplemented) EstimateGas(context.Context, chain.CallMsg) (uint64, error) {
	return 0, u.err("estimate_gas")
}
func (u *Unimplemented) Call(context.Context, chain.CallMsg, string) (string, error) {
	return "", u.err("call")
}
func (u *Unimplemented) SendRawTransaction(context.Context, string) (string, error) {
	return "", u.err("send_raw_transaction")
}
func (u *Unimplemented) WaitForReceipt(context.Context, string, int, time.Duration) (*chain.TxReceipt, error) {
	return nil, u.err("wait_for_receipt")
}
