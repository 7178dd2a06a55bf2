// Package engine assembles the execution core and exposes the narrow surface
// the API layer calls: trade submission, token safety, wallet management,
// mempool subscriptions and RPC health.
package engine

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/gas"
	"github.com/crosnoe/evmsniper/internal/mempool"
	"github.com/crosnoe/evmsniper/internal/metrics"
	"github.com/crosnoe/evmsniper/internal/nonce"
	"github.com/crosnoe/evmsniper/internal/pipeline"
	"github.com/crosnoe/evmsniper/internal/pool"
	"github.com/crosnoe/evmsniper/internal/retry"
	"github.com/crosnoe/evmsniper/internal/risk"
	"github.com/crosnoe/evmsniper/internal/trade"
	"github.com/crosnoe/evmsniper/internal/wallet"
)

// Position is one open holding tracked by the engine.
type Position struct {
	ChainID    uint64
	Token      string
	Wallet     string
	EntryPrice float64
	SizeWei    *big.Int
	OpenedAt   time.Time
}

// Engine is the process-wide execution core. Constructed once at startup and
// passed by reference; there are no hidden globals.
type Engine struct {
	cfg      *config.Config
	chains   *chain.Registry
	adapters *adapter.Registry
	pools    map[uint64]*pool.Pool
	nonces   *nonce.Manager
	wallets  *wallet.Store
	fees     map[uint64]pipeline.Fees
	pipe     *pipeline.Pipeline
	watchers map[uint64]*mempool.Watcher
	risks    map[uint64]*risk.Analyzer
	decider  *trade.Engine
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry

	mu        sync.RWMutex
	positions map[string]*Position // key: chainID/token/wallet

	logger *log.Logger
}

// registryNonceReader resolves pending transaction counts through whichever
// adapter serves the chain.
type registryNonceReader struct {
	reg *adapter.Registry
}

func (r *registryNonceReader) PendingNonceAt(ctx context.Context, chainID uint64, address string) (uint64, error) {
	ad, err := r.reg.Get(chainID)
	if err != nil {
		return 0, err
	}
	return ad.GetTransactionCount(ctx, address, "pending")
}

// New wires the full core from configuration. Chains without a single RPC
// URL are skipped; a chain registry entry of a non-EVM type gets the
// NotImplemented stub so lookups still resolve.
func New(cfg *config.Config, chains *chain.Registry, store *wallet.Store) (*Engine, error) {
	m, reg := metrics.New("evmsniper")
	e := &Engine{
		cfg:       cfg,
		chains:    chains,
		adapters:  adapter.NewAdapterRegistry(),
		pools:     make(map[uint64]*pool.Pool),
		wallets:   store,
		fees:      make(map[uint64]pipeline.Fees),
		watchers:  make(map[uint64]*mempool.Watcher),
		risks:     make(map[uint64]*risk.Analyzer),
		decider:   trade.NewEngine(),
		metrics:   m,
		promReg:   reg,
		positions: make(map[string]*Position),
		logger:    log.New(log.Writer(), "[engine] ", log.LstdFlags),
	}

	policy := retry.NewPolicy(cfg.Retry)
	gasTTL := time.Duration(cfg.Gas.GasCacheSeconds) * time.Second

	for _, cc := range chains.All() {
		cc := cc
		if cc.Type != chain.ChainTypeEVM {
			e.adapters.Register(cc.Name, adapter.NewUnimplemented(&cc))
			continue
		}
		urls := append([]string(nil), cc.RPCURLs...)
		if custom, ok := cfg.CustomRPCs[cc.Name]; ok {
			urls = append(urls, custom...)
		}
		p, err := pool.New(cc.ChainID, urls, cc.BackupRPCURLs, cfg.Pool)
		if err != nil {
			return nil, fmt.Errorf("building pool for %s: %w", cc.Name, err)
		}
		p.SetMetrics(m)
		ad := adapter.NewEVM(&cc, p, policy)
		ad.SetMetrics(m)

		ws := cc.WSEndpoint()
		if custom := cfg.CustomWS[cc.Name]; len(custom) > 0 {
			ws = custom[0]
		}

		analyzer := risk.NewAnalyzer(ad, cfg.Risk)
		if cfg.Risk.ExplorerAPIURL != "" {
			analyzer.Prov = risk.NewExplorerProvenance(
				cfg.Risk.ExplorerAPIURL, cfg.Risk.ExplorerAPIKey, cc.ChainID)
		}

		e.pools[cc.ChainID] = p
		e.adapters.Register(cc.Name, ad)
		e.fees[cc.ChainID] = gas.New(&cc, ad, gasTTL)
		e.watchers[cc.ChainID] = mempool.NewWatcher(cc.ChainID, cc.RouterAddress, ws, ad)
		e.risks[cc.ChainID] = analyzer
	}

	e.nonces = nonce.NewManager(
		&registryNonceReader{reg: e.adapters},
		time.Duration(cfg.Nonce.CacheSeconds)*time.Second,
	)
	e.pipe = pipeline.New(e.adapters, e.nonces, store, e.fees, policy, cfg.Pipeline)
	e.pipe.SetMetrics(m)
	return e, nil
}

// MetricsRegistry exposes the Prometheus registry for scraping.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.promReg }

// Run starts pool health loops and mempool watchers, then drives the
// steady-state decision loop until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	for _, p := range e.pools {
		p.StartHealthLoop(ctx)
	}
	for id, w := range e.watchers {
		go w.Run(ctx)
		go e.watch(ctx, id, w.Subscribe())
	}
	<-ctx.Done()
}

// watch feeds swap events into the decision path.
func (e *Engine) watch(ctx context.Context, chainID uint64, events <-chan mempool.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.metrics.MempoolEvents.WithLabelValues(
				fmt.Sprintf("%d", chainID), string(ev.Type)).Inc()
			if ev.Swap == nil {
				continue
			}
			e.evaluate(ctx, chainID, ev)
		}
	}
}

// evaluate runs one decision round for the token a swap event touches.
// Decisions that call for an exit are executed; entries only log here, the
// API layer triggers actual buys with an explicit tier and wallet.
func (e *Engine) evaluate(ctx context.Context, chainID uint64, ev mempool.Event) {
	token := ev.Swap.TokenOut()
	if ev.Type == mempool.EventSwapSell {
		token = ev.Swap.TokenIn()
	}
	analysis, err := e.GetTokenSafety(ctx, chainID, token)
	if err != nil {
		e.logger.Printf("analysis failed for %s on %d: %v", token, chainID, err)
		return
	}
	e.metrics.TokensAnalyzed.WithLabelValues(
		fmt.Sprintf("%d", chainID), string(analysis.Safety)).Inc()

	pos := e.position(chainID, token)
	var tpos *trade.Position
	if pos != nil {
		tpos = &trade.Position{
			EntryPrice: pos.EntryPrice,
			Age:        time.Since(pos.OpenedAt),
		}
	}

	decision := e.decider.Decide(trade.Input{
		Token:     token,
		Analysis:  analysis,
		Position:  tpos,
		Activity:  e.watchers[chainID].Activity(token),
		Tier:      e.cfg.Tiers.Premium,
		OpenCount: e.openCount(),
	})
	e.metrics.Decisions.WithLabelValues(string(decision.Action)).Inc()

	if decision.Action == trade.ActionTakeProfit && pos != nil {
		e.logger.Printf("exiting %s on %d: %s", token, chainID, decision.Reasoning)
		if _, err := e.SubmitTrade(ctx, &TradeRequest{
			ChainID:  chainID,
			Token:    token,
			Side:     SideSell,
			Amount:   pos.SizeWei,
			Slippage: 3,
			Wallet:   pos.Wallet,
			Tier:     "premium",
		}); err != nil {
			e.logger.Printf("exit of %s failed: %v", token, err)
		}
	}
}

func (e *Engine) position(chainID uint64, token string) *Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.positions {
		if p.ChainID == chainID && strings.EqualFold(p.Token, token) {
			return p
		}
	}
	return nil
}

func (e *Engine) openCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// Adapters exposes the registry for callers composing on top of the engine.
func (e *Engine) Adapters() *adapter.Registry { return e.adapters }

// GetRPCHealth reports per-chain endpoint state.
func (e *Engine) GetRPCHealth() map[uint64][]pool.Info {
	out := make(map[uint64][]pool.Info, len(e.pools))
	for id, p := range e.pools {
		out[id] = p.Snapshot()
	}
	return out
}

// ChainsLost reports whether every configured pool has failed, the condition
// behind the unrecoverable-connectivity exit code.
func (e *Engine) ChainsLost() bool {
	if len(e.pools) == 0 {
		return false
	}
	for _, p := range e.pools {
		if p.State() != pool.StateFailed {
			return false
		}
	}
	return true
}

// GetTokenSafety analyzes (or serves the memoized analysis of) a token.
func (e *Engine) GetTokenSafety(ctx context.Context, chainID uint64, token string) (*risk.Analysis, error) {
	analyzer, ok := e.risks[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, chain.ErrChainNotFound)
	}
	start := time.Now()
	analysis, err := analyzer.Analyze(ctx, token)
	if err == nil {
		e.metrics.ObserveAnalysis(time.Since(start))
	}
	return analysis, err
}

// SubscribeMempool returns an event stream for one chain.
func (e *Engine) SubscribeMempool(chainID uint64) (<-chan mempool.Event, error) {
	w, ok := e.watchers[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, chain.ErrChainNotFound)
	}
	return w.Subscribe(), nil
}

// Wallet surface.

// ListWallets returns safe views only.
func (e *Engine) ListWallets() []wallet.SafeView { return e.wallets.List() }

// CreateWallet generates a new wallet for a chain.
func (e *Engine) CreateWallet(chainID uint64, name string) (string, error) {
	return e.wallets.CreateRandom(chainID, name)
}

// ImportWallet imports a hex private key.
func (e *Engine) ImportWallet(hexKey string, chainID uint64, name string) (string, error) {
	return e.wallets.ImportPrivateKey(hexKey, chainID, name)
}

// ImportMnemonicWallet imports a BIP-39 phrase.
func (e *Engine) ImportMnemonicWallet(phrase, passphrase, path string, chainID uint64, name string) (string, error) {
	return e.wallets.ImportMnemonic(phrase, passphrase, path, chainID, name)
}

// RemoveWallet erases a wallet record.
func (e *Engine) RemoveWallet(address string) error { return e.wallets.Remove(address) }
