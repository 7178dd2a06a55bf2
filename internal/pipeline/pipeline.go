// Package pipeline owns end-to-end transaction submission: fill in nonce and
// fees, sign, submit, recover from retryable failures, and wait for
// confirmations.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/gas"
	"github.com/crosnoe/evmsniper/internal/metrics"
	"github.com/crosnoe/evmsniper/internal/nonce"
	"github.com/crosnoe/evmsniper/internal/retry"
)

// Signer produces raw signed transaction bytes for a stored wallet.
type Signer interface {
	SignTransaction(address string, tx *types.Transaction, chainID uint64) ([]byte, error)
}

// Fees resolves and bumps gas prices for one chain.
type Fees interface {
	Current(ctx context.Context) (*gas.Quote, error)
	BumpPrice(price *big.Int, pct int64) (*big.Int, error)
	Invalidate()
}

// Request describes one transaction to send. Zero-value optional fields are
// filled in by the pipeline.
type Request struct {
	ChainID uint64
	From    string // wallet address
	To      string
	Value   *big.Int
	Data    string // 0x-hex calldata, empty for plain transfers

	GasLimit uint64   // 0: estimate with safety margin
	GasPrice *big.Int // nil: ask the optimizer
	Nonce    *uint64  // nil: ask the nonce manager

	Confirmations int           // 0: config default
	Timeout       time.Duration // 0: config default
}

// Result is the terminal outcome of a send. Receipt may carry a failed
// status; that is still a terminal success of the pipeline itself.
type Result struct {
	TxHash   string
	Receipt  *chain.TxReceipt
	Attempts int
	Nonce    uint64
}

// Pipeline coordinates the send path.
type Pipeline struct {
	registry *adapter.Registry
	nonces   *nonce.Manager
	signer   Signer
	fees     map[uint64]Fees
	policy   *retry.Policy
	cfg      config.PipelineConfig
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// SetMetrics attaches a metrics sink.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// New assembles a pipeline.
func New(registry *adapter.Registry, nonces *nonce.Manager, signer Signer,
	fees map[uint64]Fees, policy *retry.Policy, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		registry: registry,
		nonces:   nonces,
		signer:   signer,
		fees:     fees,
		policy:   policy,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
	}
}

// sendState is the mutable request the retry mutator adjusts between
// attempts.
type sendState struct {
	req      *Request
	gasLimit uint64
	gasPrice *big.Int
	tip      *big.Int
	eip1559  bool
	nonce    uint64
	raw      string // re-signed before each submit when dirty
	dirty    bool
}

// Send runs the full algorithm: resolve nonce and fees, sign, submit under
// retry, wait for confirmations. Terminal outcomes are always either a
// Result (whose receipt may report a revert) or a classified error.
func (p *Pipeline) Send(ctx context.Context, req *Request) (*Result, error) {
	ad, err := p.registry.Get(req.ChainID)
	if err != nil {
		return nil, err
	}

	st, err := p.prepare(ctx, ad, req)
	if err != nil {
		return nil, err
	}

	rctx := retry.NewContext("pipeline.send", req.ChainID)
	rctx.Mutate = func(kind chain.ErrorKind, m retry.Mutation, attempt int) error {
		return p.mutate(ctx, st, kind, m, attempt)
	}

	hash, err := retry.Do(ctx, p.policy, rctx, func(c context.Context) (string, error) {
		if st.dirty {
			if err := p.sign(st, req.ChainID); err != nil {
				return "", err
			}
		}
		p.metrics.AddSubmit(req.ChainID)
		return ad.SendRawTransaction(c, st.raw)
	})
	if err != nil {
		return nil, err
	}

	confirmations := req.Confirmations
	if confirmations <= 0 {
		confirmations = int(p.cfg.Confirmations)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(p.cfg.ReceiptTimeoutMS) * time.Millisecond
	}

	waitStart := time.Now()
	receipt, err := ad.WaitForReceipt(ctx, hash, confirmations, timeout)
	if err != nil {
		// The transaction is not cancelled; it may still confirm later.
		return &Result{TxHash: hash, Attempts: rctx.Attempt, Nonce: st.nonce}, err
	}
	p.metrics.ObserveReceiptWait(req.ChainID, time.Since(waitStart))
	if !receipt.Success() {
		p.logger.Printf("tx %s reverted on chain %d (gas used %d)", hash, req.ChainID, receipt.GasUsed)
	} else {
		p.nonces.Update(req.ChainID, req.From, st.nonce)
	}
	return &Result{TxHash: hash, Receipt: receipt, Attempts: rctx.Attempt, Nonce: st.nonce}, nil
}

// prepare fills in nonce, fees and gas limit, and signs the first attempt.
func (p *Pipeline) prepare(ctx context.Context, ad adapter.Adapter, req *Request) (*sendState, error) {
	st := &sendState{req: req, dirty: true}

	if req.Nonce != nil {
		st.nonce = *req.Nonce
	} else {
		n, err := p.nonces.GetNext(ctx, req.ChainID, req.From)
		if err != nil {
			return nil, err
		}
		st.nonce = n
	}

	if req.GasPrice != nil {
		st.gasPrice = new(big.Int).Set(req.GasPrice)
		st.eip1559 = false
	} else {
		fees, ok := p.fees[req.ChainID]
		if !ok {
			return nil, fmt.Errorf("no fee source for chain %d", req.ChainID)
		}
		quote, err := fees.Current(ctx)
		if err != nil {
			return nil, err
		}
		st.eip1559 = quote.EIP1559
		if quote.EIP1559 {
			st.gasPrice = quote.MaxFeePerGas
			st.tip = quote.MaxPriorityFee
		} else {
			st.gasPrice = quote.GasPrice
		}
	}

	st.gasLimit = req.GasLimit
	if st.gasLimit == 0 {
		msg := chain.CallMsg{From: req.From, To: req.To, Data: req.Data}
		if req.Value != nil {
			msg.Value = req.Value
		}
		est, err := ad.EstimateGas(ctx, msg)
		switch {
		case err == nil:
			st.gasLimit = est * 120 / 100 // safety margin
		case req.Data == "":
			st.gasLimit = config.GasLimitNativeTransfer
		default:
			st.gasLimit = config.GasLimitRouterSwap
		}
	}

	return st, nil
}

// mutate applies the retry policy's request change before the next attempt.
func (p *Pipeline) mutate(ctx context.Context, st *sendState,
	kind chain.ErrorKind, m retry.Mutation, attempt int) error {
	switch m {
	case retry.MutateBumpGasLimit:
		st.gasLimit = gas.BumpLimit(st.gasLimit, 30)
		p.metrics.AddRetry(st.req.ChainID, "bump_gas_limit")
		p.logger.Printf("attempt %d: raising gas limit to %d after %s", attempt, st.gasLimit, kind)

	case retry.MutateBumpGasPrice:
		fees, ok := p.fees[st.req.ChainID]
		if !ok {
			return chain.NewError(chain.KindGasCap, "no fee source to bump against")
		}
		bumped, err := fees.BumpPrice(st.gasPrice, 15)
		if err != nil {
			fees.Invalidate()
			var ce *chain.Error
			if errors.As(err, &ce) {
				ce.Attempts = attempt
			}
			return err
		}
		st.gasPrice = bumped
		p.metrics.AddRetry(st.req.ChainID, "bump_gas_price")
		p.logger.Printf("attempt %d: raising gas price to %s after %s", attempt, bumped, kind)

	case retry.MutateResyncNonce:
		p.nonces.Reset(st.req.ChainID, st.req.From)
		n, err := p.nonces.GetNext(ctx, st.req.ChainID, st.req.From)
		if err != nil {
			return err
		}
		st.nonce = n
		p.metrics.AddRetry(st.req.ChainID, "resync_nonce")
		p.metrics.AddNonceResync(st.req.ChainID)
		p.logger.Printf("attempt %d: re-synced nonce to %d after %s", attempt, n, kind)
	}
	st.dirty = true
	return nil
}

// sign rebuilds and re-signs the transaction from current state.
func (p *Pipeline) sign(st *sendState, chainID uint64) error {
	var data []byte
	if st.req.Data != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(st.req.Data, "0x"))
		if err != nil {
			return fmt.Errorf("bad calldata: %w", err)
		}
		data = b
	}
	value := big.NewInt(0)
	if st.req.Value != nil {
		value = st.req.Value
	}

	var to *common.Address
	if st.req.To != "" {
		a := common.HexToAddress(st.req.To)
		to = &a
	}

	var tx *types.Transaction
	if st.eip1559 {
		tip := st.tip
		if tip == nil {
			tip = big.NewInt(0)
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     st.nonce,
			GasTipCap: tip,
			GasFeeCap: st.gasPrice,
			Gas:       st.gasLimit,
			To:        to,
			Value:     value,
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    st.nonce,
			GasPrice: st.gasPrice,
			Gas:      st.gasLimit,
			To:       to,
			Value:    value,
			Data:     data,
		})
	}

	raw, err := p.signer.SignTransaction(st.req.From, tx, chainID)
	if err != nil {
		return err
	}
	st.raw = "0x" + hex.EncodeToString(raw)
	st.dirty = false
	return nil
}
