package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/pipeline"
	"github.com/crosnoe/evmsniper/internal/risk"
	"github.com/crosnoe/evmsniper/internal/trade"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeRequest is the inbound trade call.
type TradeRequest struct {
	ChainID  uint64
	Token    string
	Side     Side
	Amount   *big.Int // native wei for buys, token units for sells
	Slippage float64  // percent
	Wallet   string
	Tier     string
}

// TradeResult reports the submitted transaction.
type TradeResult struct {
	TxHash   string `json:"tx_hash"`
	Status   string `json:"status"`
	Nonce    uint64 `json:"nonce"`
	Attempts int    `json:"attempts"`
}

// SubmitTrade gates the trade on token safety, builds the router swap and
// hands it to the pipeline.
func (e *Engine) SubmitTrade(ctx context.Context, req *TradeRequest) (*TradeResult, error) {
	ad, err := e.adapters.Get(req.ChainID)
	if err != nil {
		return nil, err
	}
	cfg := ad.Config()
	if cfg.RouterAddress == "" {
		return nil, chain.NewError(chain.KindNotImplemented,
			fmt.Sprintf("chain %s has no router configured", cfg.Name))
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("trade amount must be positive")
	}

	tier := e.cfg.TierFor(req.Tier)

	// Buys are risk-gated; exits always go through.
	if req.Side == SideBuy {
		analysis, err := e.GetTokenSafety(ctx, req.ChainID, req.Token)
		if err != nil {
			return nil, err
		}
		switch analysis.Safety {
		case risk.LevelRed:
			return nil, fmt.Errorf("token %s is red (score %d): refusing buy", req.Token, analysis.RiskScore)
		case risk.LevelYellow:
			if !tier.AllowYellow {
				return nil, fmt.Errorf("token %s is yellow and tier %q does not allow yellow buys", req.Token, req.Tier)
			}
		}
		if e.openCount() >= tier.MaxPositions {
			return nil, fmt.Errorf("position cap reached (%d)", tier.MaxPositions)
		}
	}

	evm, ok := ad.(*adapter.EVMAdapter)
	if !ok {
		return nil, chain.NewError(chain.KindNotImplemented, "trading requires an EVM adapter")
	}

	preq, err := e.buildSwap(ctx, evm, req)
	if err != nil {
		return nil, err
	}

	res, err := e.pipe.Send(ctx, preq)
	if err != nil {
		return nil, err
	}

	status := "pending"
	if res.Receipt != nil {
		if res.Receipt.Success() {
			status = "success"
			e.recordPosition(req, res.Nonce)
		} else {
			status = "failed"
		}
	}
	e.metrics.TxConfirmed.WithLabelValues(fmt.Sprintf("%d", req.ChainID), status).Inc()
	return &TradeResult{
		TxHash:   res.TxHash,
		Status:   status,
		Nonce:    res.Nonce,
		Attempts: res.Attempts,
	}, nil
}

// buildSwap quotes the expected output, applies slippage, and encodes the
// router call.
func (e *Engine) buildSwap(ctx context.Context, evm *adapter.EVMAdapter, req *TradeRequest) (*pipeline.Request, error) {
	cfg := evm.Config()
	deadline := uint64(time.Now().Add(10 * time.Minute).Unix())

	var path []string
	if req.Side == SideBuy {
		path = evm.PathNativeToToken(req.Token)
	} else {
		path = evm.PathTokenToNative(req.Token)
	}

	minOut := big.NewInt(0)
	quote, err := evm.Call(ctx, chain.CallMsg{
		To:   cfg.RouterAddress,
		Data: adapter.EncodeGetAmountsOut(req.Amount, path),
	}, "latest")
	if err == nil {
		if out := lastWord(quote); out != nil && out.Sign() > 0 {
			slip := big.NewInt(int64((100 - req.Slippage) * 100))
			minOut = new(big.Int).Mul(out, slip)
			minOut.Div(minOut, big.NewInt(10_000))
		}
	}
	// A failed quote leaves minOut at zero; the swap still executes at market.

	preq := &pipeline.Request{
		ChainID: req.ChainID,
		From:    req.Wallet,
		To:      cfg.RouterAddress,
	}
	if req.Side == SideBuy {
		preq.Value = req.Amount
		preq.Data = adapter.EncodeSwapExactNativeForTokens(minOut, path, req.Wallet, deadline)
	} else {
		preq.Data = adapter.EncodeSwapExactTokensForNative(req.Amount, minOut, path, req.Wallet, deadline)
	}
	return preq, nil
}

func (e *Engine) recordPosition(req *TradeRequest, nonce uint64) {
	key := fmt.Sprintf("%d/%s/%s", req.ChainID, strings.ToLower(req.Token), strings.ToLower(req.Wallet))
	e.mu.Lock()
	defer e.mu.Unlock()
	if req.Side == SideBuy {
		e.positions[key] = &Position{
			ChainID:  req.ChainID,
			Token:    req.Token,
			Wallet:   req.Wallet,
			SizeWei:  new(big.Int).Set(req.Amount),
			OpenedAt: time.Now(),
		}
	} else {
		delete(e.positions, key)
	}
}

// Decide exposes the decision engine for callers that gathered their own
// inputs (used by the API layer's advisory endpoint).
func (e *Engine) Decide(in trade.Input) trade.Decision {
	return e.decider.Decide(in)
}

func lastWord(ret string) *big.Int {
	raw := strings.TrimPrefix(ret, "0x")
	if len(raw) < 64 || len(raw)%64 != 0 {
		return nil
	}
	v, ok := new(big.Int).SetString(raw[len(raw)-64:], 16)
	if !ok {
		return nil
	}
	return v
}
