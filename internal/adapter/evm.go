// Package adapter provides the per-chain facade for all blockchain
// interaction. Every operation routes through the chain's connection pool and
// runs under the retry policy.
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/metrics"
	"github.com/crosnoe/evmsniper/internal/pool"
	"github.com/crosnoe/evmsniper/internal/retry"
)

// GasInfo carries the EIP-1559 fee pair; legacy chains set only GasPrice.
type GasInfo struct {
	GasPrice    *big.Int
	BaseFee     *big.Int
	PriorityFee *big.Int
	EIP1559     bool
}

// TokenDetails is best-effort ERC-20 metadata. Failed sub-reads fall back to
// "Unknown"/"UNK"/18/0 rather than failing the whole read.
type TokenDetails struct {
	Address     string
	Name        string
	Symbol      string
	Decimals    int
	TotalSupply *big.Int
}

// Adapter is the uniform chain capability surface.
type Adapter interface {
	ChainID() uint64
	Config() *chain.Config

	GetBlockNumber(ctx context.Context) (uint64, error)
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetGasInfo(ctx context.Context) (*GasInfo, error)
	GetBlock(ctx context.Context, num string) (*chain.BlockInfo, error)
	GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*chain.TxReceipt, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetCode(ctx context.Context, address string) (string, error)
	GetTokenBalance(ctx context.Context, token, holder string) (*big.Int, error)
	GetTokenDetails(ctx context.Context, token string) (*TokenDetails, error)
	GetTokenAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	GetLogs(ctx context.Context, f chain.LogFilter) ([]chain.LogEntry, error)
	GetTransactionCount(ctx context.Context, address, tag string) (uint64, error)
	EstimateGas(ctx context.Context, msg chain.CallMsg) (uint64, error)
	Call(ctx context.Context, msg chain.CallMsg, block string) (string, error)

	SendRawTransaction(ctx context.Context, rawTx string) (string, error)
	WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*chain.TxReceipt, error)
}

// EVMAdapter implements Adapter for any EVM chain.
type EVMAdapter struct {
	cfg     *chain.Config
	pool    *pool.Pool
	policy  *retry.Policy
	metrics *metrics.Metrics

	mu         sync.Mutex
	tokenCache map[string]tokenCacheEntry
	tokenTTL   time.Duration
}

type tokenCacheEntry struct {
	details  *TokenDetails
	cachedAt time.Time
}

// NewEVM builds an adapter over an existing pool and retry policy.
func NewEVM(cfg *chain.Config, p *pool.Pool, policy *retry.Policy) *EVMAdapter {
	return &EVMAdapter{
		cfg:        cfg,
		pool:       p,
		policy:     policy,
		tokenCache: make(map[string]tokenCacheEntry),
		tokenTTL:   5 * time.Minute,
	}
}

// ChainID returns the chain this adapter serves.
func (a *EVMAdapter) ChainID() uint64 { return a.cfg.ChainID }

// Config returns the immutable chain descriptor.
func (a *EVMAdapter) Config() *chain.Config { return a.cfg }

// Pool exposes the underlying pool for health reporting.
func (a *EVMAdapter) Pool() *pool.Pool { return a.pool }

// SetMetrics attaches a metrics sink for per-call instrumentation.
func (a *EVMAdapter) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// do runs one pooled, retried operation. The endpoint is re-acquired on each
// attempt, which is what makes retry-driven rotation effective.
func do[T any](ctx context.Context, a *EVMAdapter, op string, fn func(context.Context, *chain.EVMClient) (T, error)) (T, error) {
	rctx := retry.NewContext(op, a.cfg.ChainID)
	return retry.Do(ctx, a.policy, rctx, func(c context.Context) (T, error) {
		var zero T
		ep, err := a.pool.Acquire(c)
		if err != nil {
			return zero, err
		}
		rctx.Endpoint = ep.URL()
		start := time.Now()
		v, err := fn(c, ep.Client())
		a.metrics.ObserveRPC(a.cfg.ChainID, op, time.Since(start), err)
		if err != nil {
			a.pool.ReportFailure(ep, err)
			return zero, err
		}
		a.pool.ReportSuccess(ep)
		return v, nil
	})
}

func (a *EVMAdapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return do(ctx, a, "eth_blockNumber", func(c context.Context, cl *chain.EVMClient) (uint64, error) {
		return cl.BlockNumber(c)
	})
}

func (a *EVMAdapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return do(ctx, a, "eth_gasPrice", func(c context.Context, cl *chain.EVMClient) (*big.Int, error) {
		return cl.GasPrice(c)
	})
}

// GetGasInfo returns the fee pair for EIP-1559 chains, or just the legacy
// price elsewhere. A failed priority-fee read falls back to the chain default.
func (a *EVMAdapter) GetGasInfo(ctx context.Context) (*GasInfo, error) {
	price, err := a.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	info := &GasInfo{GasPrice: price, EIP1559: a.cfg.SupportsEIP1559}
	if !a.cfg.SupportsEIP1559 {
		return info, nil
	}
	tip, err := do(ctx, a, "eth_maxPriorityFeePerGas", func(c context.Context, cl *chain.EVMClient) (*big.Int, error) {
		return cl.MaxPriorityFeePerGas(c)
	})
	if err != nil || tip == nil {
		tip = new(big.Int).SetUint64(a.cfg.DefaultPriorityWei)
	}
	info.PriorityFee = tip
	if block, err := a.GetBlock(ctx, "latest"); err == nil && block.BaseFee != nil {
		info.BaseFee = block.BaseFee
	}
	return info, nil
}

func (a *EVMAdapter) GetBlock(ctx context.Context, num string) (*chain.BlockInfo, error) {
	return do(ctx, a, "eth_getBlockByNumber", func(c context.Context, cl *chain.EVMClient) (*chain.BlockInfo, error) {
		return cl.GetBlockInfo(c, num)
	})
}

func (a *EVMAdapter) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	return do(ctx, a, "eth_getTransactionByHash", func(c context.Context, cl *chain.EVMClient) (*chain.Transaction, error) {
		return cl.GetTransactionByHash(c, hash)
	})
}

func (a *EVMAdapter) GetTransactionReceipt(ctx context.Context, hash string) (*chain.TxReceipt, error) {
	return do(ctx, a, "eth_getTransactionReceipt", func(c context.Context, cl *chain.EVMClient) (*chain.TxReceipt, error) {
		return cl.GetTransactionReceipt(c, hash)
	})
}

func (a *EVMAdapter) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return do(ctx, a, "eth_getBalance", func(c context.Context, cl *chain.EVMClient) (*big.Int, error) {
		return cl.GetBalance(c, address)
	})
}

func (a *EVMAdapter) GetCode(ctx context.Context, address string) (string, error) {
	return do(ctx, a, "eth_getCode", func(c context.Context, cl *chain.EVMClient) (string, error) {
		return cl.GetCode(c, address)
	})
}

func (a *EVMAdapter) GetTransactionCount(ctx context.Context, address, tag string) (uint64, error) {
	return do(ctx, a, "eth_getTransactionCount", func(c context.Context, cl *chain.EVMClient) (uint64, error) {
		return cl.GetTransactionCount(c, address, tag)
	})
}

func (a *EVMAdapter) EstimateGas(ctx context.Context, msg chain.CallMsg) (uint64, error) {
	return do(ctx, a, "eth_estimateGas", func(c context.Context, cl *chain.EVMClient) (uint64, error) {
		return cl.EstimateGas(c, msg)
	})
}

func (a *EVMAdapter) Call(ctx context.Context, msg chain.CallMsg, block string) (string, error) {
	return do(ctx, a, "eth_call", func(c context.Context, cl *chain.EVMClient) (string, error) {
		return cl.Call(c, msg, block)
	})
}

func (a *EVMAdapter) GetLogs(ctx context.Context, f chain.LogFilter) ([]chain.LogEntry, error) {
	return do(ctx, a, "eth_getLogs", func(c context.Context, cl *chain.EVMClient) ([]chain.LogEntry, error) {
		return cl.GetLogs(c, f)
	})
}

// GetTokenBalance reads balanceOf(holder) on the token contract.
func (a *EVMAdapter) GetTokenBalance(ctx context.Context, token, holder string) (*big.Int, error) {
	ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selBalanceOf, holder)}, "latest")
	if err != nil {
		return nil, err
	}
	return decodeUint(ret)
}

// GetTokenAllowance reads allowance(owner, spender).
func (a *EVMAdapter) GetTokenAllowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selAllowance, owner, spender)}, "latest")
	if err != nil {
		return nil, err
	}
	return decodeUint(ret)
}

// GetTokenDetails reads ERC-20 metadata with per-field fallbacks. Results are
// cached; repeated reads within the TTL perform no chain calls.
func (a *EVMAdapter) GetTokenDetails(ctx context.Context, token string) (*TokenDetails, error) {
	key := strings.ToLower(token)
	a.mu.Lock()
	if e, ok := a.tokenCache[key]; ok && time.Since(e.cachedAt) < a.tokenTTL {
		a.mu.Unlock()
		return e.details, nil
	}
	a.mu.Unlock()

	d := &TokenDetails{
		Address:     token,
		Name:        "Unknown",
		Symbol:      "UNK",
		Decimals:    18,
		TotalSupply: big.NewInt(0),
	}

	if ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selName)}, "latest"); err == nil {
		if s, err := decodeString(ret); err == nil && s != "" {
			d.Name = s
		}
	}
	if ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selSymbol)}, "latest"); err == nil {
		if s, err := decodeString(ret); err == nil && s != "" {
			d.Symbol = s
		}
	}
	if ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selDecimals)}, "latest"); err == nil {
		if v, err := decodeUint(ret); err == nil && v.IsInt64() {
			d.Decimals = int(v.Int64())
		}
	}
	if ret, err := a.Call(ctx, chain.CallMsg{To: token, Data: erc20Call(selTotalSupply)}, "latest"); err == nil {
		if v, err := decodeUint(ret); err == nil {
			d.TotalSupply = v
		}
	}

	a.mu.Lock()
	a.tokenCache[key] = tokenCacheEntry{details: d, cachedAt: time.Now()}
	a.mu.Unlock()
	return d, nil
}

// InvalidateToken drops the cached details for one token.
func (a *EVMAdapter) InvalidateToken(token string) {
	a.mu.Lock()
	delete(a.tokenCache, strings.ToLower(token))
	a.mu.Unlock()
}

func (a *EVMAdapter) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	return do(ctx, a, "eth_sendRawTransaction", func(c context.Context, cl *chain.EVMClient) (string, error) {
		return cl.SendRawTransaction(c, rawTx)
	})
}

// WaitForReceipt polls until the transaction has the requested confirmations
// or the timeout passes. A timeout does not cancel the transaction; it may
// still confirm later.
func (a *EVMAdapter) WaitForReceipt(ctx context.Context, hash string, confirmations int, timeout time.Duration) (*chain.TxReceipt, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	deadline := time.Now().Add(timeout)
	interval := time.Duration(a.cfg.BlockTimeMillis) * time.Millisecond
	if interval <= 0 || interval > 5*time.Second {
		interval = 2 * time.Second
	}

	for {
		receipt, err := a.GetTransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			head, herr := a.GetBlockNumber(ctx)
			if herr == nil && head >= receipt.BlockNumber+uint64(confirmations)-1 {
				return receipt, nil
			}
		} else if err != nil && chain.KindOf(err) != chain.KindTxNotFound {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, chain.NewError(chain.KindTimeout,
				fmt.Sprintf("receipt for %s not confirmed within %s", hash, timeout))
		}
		select {
		case <-ctx.Done():
			return nil, chain.WrapError(chain.KindTimeout, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// PathNativeToToken returns the swap path wrapped-native -> token.
func (a *EVMAdapter) PathNativeToToken(token string) []string {
	return []string{a.cfg.WrappedNative, token}
}

// PathTokenToNative returns the swap path token -> wrapped-native.
func (a *EVMAdapter) PathTokenToNative(token string) []string {
	return []string{token, a.cfg.WrappedNative}
}

// PairFor asks the chain's factory for the token's pool against wrapped
// native. The zero address means no pool exists.
func (a *EVMAdapter) PairFor(ctx context.Context, token string) (string, error) {
	if a.cfg.FactoryAddress == "" {
		return "", nil
	}
	ret, err := a.Call(ctx, chain.CallMsg{
		To:   a.cfg.FactoryAddress,
		Data: EncodeGetPair(token, a.cfg.WrappedNative),
	}, "latest")
	if err != nil {
		return "", err
	}
	raw := strings.TrimPrefix(ret, "0x")
	if len(raw) < 40 {
		return "", nil
	}
	return "0x" + raw[len(raw)-40:], nil
}

// Gas optimizer Reader implementation.

func (a *EVMAdapter) GasPrice(ctx context.Context) (*big.Int, error) { return a.GetGasPrice(ctx) }

func (a *EVMAdapter) PriorityFee(ctx context.Context) (*big.Int, error) {
	return do(ctx, a, "eth_maxPriorityFeePerGas", func(c context.Context, cl *chain.EVMClient) (*big.Int, error) {
		return cl.MaxPriorityFeePerGas(c)
	})
}

func (a *EVMAdapter) LatestBlock(ctx context.Context) (*chain.BlockInfo, error) {
	return a.GetBlock(ctx, "latest")
}
