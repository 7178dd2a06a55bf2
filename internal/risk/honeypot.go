package risk

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
)

// probeBuyWei is the simulated buy size: 0.01 native.
var probeBuyWei = big.NewInt(10_000_000_000_000_000)

// checkHoneypot simulates a buy and a sell through the router with eth_call.
// A token that lets the buy through but reverts the sell is a honeypot.
// Simulation uses the wrapped-native contract as the buyer (it always holds
// native) and the pool as the seller (it always holds tokens).
func (an *Analyzer) checkHoneypot(ctx context.Context, token string, a *Analysis) {
	cfg := an.reader.Config()
	if cfg.RouterAddress == "" {
		a.add(infoIssue("honeypot_check_skipped", fmt.Errorf("no router configured")))
		return
	}
	deadline := uint64(time.Now().Add(10 * time.Minute).Unix())

	buyData := adapter.EncodeSwapExactNativeForTokens(
		big.NewInt(0),
		[]string{cfg.WrappedNative, token},
		cfg.WrappedNative,
		deadline,
	)
	_, buyErr := an.reader.Call(ctx, chain.CallMsg{
		From:  cfg.WrappedNative,
		To:    cfg.RouterAddress,
		Value: probeBuyWei,
		Data:  buyData,
	}, "latest")

	if buyErr != nil {
		if chain.KindOf(buyErr) == chain.KindReverted {
			// Can't buy at all; thin_liquidity or no_liquidity covers this.
			return
		}
		a.add(infoIssue("honeypot_buy_sim_failed", buyErr))
		return
	}

	pair, err := an.reader.PairFor(ctx, token)
	if err != nil || pair == "" || isZeroAddress(pair) {
		return // no pool to sell into; liquidity rules already fired
	}
	sellAmount, err := an.reader.GetTokenBalance(ctx, token, pair)
	if err != nil || sellAmount.Sign() == 0 {
		a.add(infoIssue("honeypot_sell_sim_skipped", fmt.Errorf("no sellable probe balance")))
		return
	}
	// Sell 1% of pool holdings to stay within reserves.
	sellAmount = new(big.Int).Div(sellAmount, big.NewInt(100))

	sellData := adapter.EncodeSwapExactTokensForNative(
		sellAmount,
		big.NewInt(0),
		[]string{token, cfg.WrappedNative},
		pair,
		deadline,
	)
	_, sellErr := an.reader.Call(ctx, chain.CallMsg{
		From: pair,
		To:   cfg.RouterAddress,
		Data: sellData,
	}, "latest")

	if sellErr != nil && chain.KindOf(sellErr) == chain.KindReverted {
		a.add(Issue{
			Type:        "honeypot",
			Severity:    SeverityCritical,
			Description: "honeypot simulation: buy succeeds, sell reverts",
			Details:     sellErr.Error(),
		})
	}
}

// checkFees measures the sell-side transfer loss when a fee control is
// present: quote the expected output, simulate the swap, compare.
func (an *Analyzer) checkFees(ctx context.Context, token string, report *codeReport, a *Analysis) {
	if !report.hasFeeSetter && !report.hasExcludeFromFee {
		return
	}
	cfg := an.reader.Config()
	if cfg.RouterAddress == "" {
		a.add(infoIssue("fee_check_skipped", fmt.Errorf("no router configured")))
		return
	}

	pair, err := an.reader.PairFor(ctx, token)
	if err != nil || pair == "" || isZeroAddress(pair) {
		a.add(infoIssue("fee_measure_unavailable", fmt.Errorf("no pool to measure against")))
		return
	}
	poolBal, err := an.reader.GetTokenBalance(ctx, token, pair)
	if err != nil || poolBal.Sign() == 0 {
		a.add(infoIssue("fee_measure_unavailable", fmt.Errorf("pool balance unreadable")))
		return
	}
	amountIn := new(big.Int).Div(poolBal, big.NewInt(100))

	quoted, err := an.quoteOut(ctx, amountIn, token)
	if err != nil || quoted.Sign() == 0 {
		a.add(infoIssue("fee_quote_failed", err))
		return
	}

	deadline := uint64(time.Now().Add(10 * time.Minute).Unix())
	sellData := adapter.EncodeSwapExactTokensForNative(
		amountIn, big.NewInt(0), []string{token, cfg.WrappedNative}, pair, deadline)
	ret, err := an.reader.Call(ctx, chain.CallMsg{
		From: pair,
		To:   cfg.RouterAddress,
		Data: sellData,
	}, "latest")
	if err != nil {
		// A reverting sell is the honeypot check's finding, not a fee.
		if chain.KindOf(err) != chain.KindReverted {
			a.add(infoIssue("fee_sim_failed", err))
		}
		return
	}
	actual := lastAmountOf(ret)
	if actual == nil {
		a.add(infoIssue("fee_sim_unparseable", fmt.Errorf("bad swap return")))
		return
	}

	loss := 100 * (1 - ratio(actual, quoted))
	if loss < 0 {
		loss = 0
	}
	a.SellFeePct = loss

	redFee := an.cfg.SellFeeRedPct
	if redFee <= 0 {
		redFee = 30
	}
	switch {
	case loss > redFee:
		a.add(Issue{
			Type:        "transfer_fee",
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("sell-side transfer loss %.1f%%", loss),
		})
	case loss >= 10:
		a.add(Issue{
			Type:        "transfer_fee",
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("sell-side transfer loss %.1f%%", loss),
		})
	}
}

// quoteOut asks the router's getAmountsOut for the fee-free expected output.
func (an *Analyzer) quoteOut(ctx context.Context, amountIn *big.Int, token string) (*big.Int, error) {
	cfg := an.reader.Config()
	data := adapter.EncodeGetAmountsOut(amountIn, []string{token, cfg.WrappedNative})
	ret, err := an.reader.Call(ctx, chain.CallMsg{To: cfg.RouterAddress, Data: data}, "latest")
	if err != nil {
		return nil, err
	}
	out := lastAmountOf(ret)
	if out == nil {
		return nil, fmt.Errorf("bad getAmountsOut return")
	}
	return out, nil
}

// lastAmountOf pulls the final element of an ABI-encoded uint256[] return.
func lastAmountOf(ret string) *big.Int {
	raw := strings.TrimPrefix(ret, "0x")
	if len(raw) < 64 || len(raw)%64 != 0 {
		return nil
	}
	last := raw[len(raw)-64:]
	v, ok := new(big.Int).SetString(last, 16)
	if !ok {
		return nil
	}
	return v
}

func ratio(a, b *big.Int) float64 {
	if b.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(a), new(big.Float).SetInt(b)).Float64()
	return f
}
