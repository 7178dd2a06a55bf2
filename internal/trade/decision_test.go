package trade

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/mempool"
	"github.com/crosnoe/evmsniper/internal/risk"
)

const tokenAddr = "0x1234567890abcdef1234567890abcdef12345678"

func baseTier() config.TierPolicy {
	return config.TierPolicy{
		AllowYellow:    false,
		MaxPositions:   3,
		StopLossPct:    10,
		TakeProfitPct:  20,
		AllowSandwich:  false,
		ExtendedTPPct:  15,
		HoldWindowMins: 30,
	}
}

func analysisAt(level risk.Level) *risk.Analysis {
	return &risk.Analysis{Token: tokenAddr, Safety: level}
}

func activity(buys, sells int, largestSell *big.Int) *mempool.TokenActivity {
	if largestSell == nil {
		largestSell = big.NewInt(0)
	}
	return &mempool.TokenActivity{
		Token:          tokenAddr,
		PendingBuys:    buys,
		PendingSells:   sells,
		LargestSellWei: largestSell,
		WindowStart:    time.Now(),
	}
}

func openPosition(pnl float64, age time.Duration) *Position {
	return &Position{EntryPrice: 1.0, Size: 100, UnrealizedPnLPct: pnl, Age: age}
}

func input(pos *Position, level risk.Level, act *mempool.TokenActivity) Input {
	return Input{
		Token:    tokenAddr,
		Analysis: analysisAt(level),
		Position: pos,
		Activity: act,
		Tier:     baseTier(),
	}
}

// ---------------------------------------------------------------------------
// open position ladder
// ---------------------------------------------------------------------------

func TestDecideRedDowngradeExitsImmediately(t *testing.T) {
	// Deep in profit with heavy buy flow; the downgrade still wins.
	in := input(openPosition(50, time.Minute), risk.LevelRed, activity(10, 0, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
	assert.Contains(t, d.Reasoning, "safety downgrade")
}

func TestDecideStopLoss(t *testing.T) {
	in := input(openPosition(-12, time.Minute), risk.LevelGreen, nil)

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
	assert.Contains(t, d.Reasoning, "stop loss")
}

func TestDecideTakeProfitIntoSellPressure(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen, activity(0, 6, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
	assert.Contains(t, d.Reasoning, "pending sell pressure")
}

func TestDecideSingleLargeSellCountsAsPressure(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen,
		activity(0, 1, big.NewInt(2e18)))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
	assert.Contains(t, d.Reasoning, "pending sell pressure")
}

func TestDecideSellPressureBeatsBuyPressure(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen, activity(10, 6, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
}

func TestDecideSandwichContinuationForAllowedTier(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen, activity(5, 0, nil))
	in.Tier.AllowSandwich = true

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionContinueSandwich, d.Action)
	assert.Equal(t, 3, d.MaxBuys)
	assert.Equal(t, 5*time.Minute, d.MaxTime)
	assert.Len(t, d.Scenarios, 2)
}

func TestDecideExtendedHoldWhenSandwichNotAllowed(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen, activity(5, 0, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "extended target")
	// Entry 1.0, take profit 20% plus extension 15%.
	assert.InDelta(t, 1.35, d.TargetPrice, 0.0001)
	assert.Equal(t, 10*time.Minute, d.TimeLimit)
}

func TestDecidePlainTakeProfit(t *testing.T) {
	in := input(openPosition(25, time.Minute), risk.LevelGreen, nil)

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionTakeProfit, d.Action)
	assert.Equal(t, "take profit target reached", d.Reasoning)
}

func TestDecideYoungShallowGreenHolds(t *testing.T) {
	in := input(openPosition(-3, time.Minute), risk.LevelGreen, nil)

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "position young")
}

func TestDecideAgedPositionFallsToDefaultHold(t *testing.T) {
	in := input(openPosition(-3, time.Hour), risk.LevelGreen, nil)

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "no exit condition met", d.Reasoning)
}

func TestDecideYoungButYellowDoesNotGetGraceHold(t *testing.T) {
	in := input(openPosition(-3, time.Minute), risk.LevelYellow, nil)

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, "no exit condition met", d.Reasoning)
}

// ---------------------------------------------------------------------------
// entry ladder
// ---------------------------------------------------------------------------

func TestDecideNoAnalysisNoEntry(t *testing.T) {
	in := input(nil, risk.LevelGreen, activity(5, 0, nil))
	in.Analysis = nil

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "no analysis")
}

func TestDecideRedTokenNoEntry(t *testing.T) {
	in := input(nil, risk.LevelRed, activity(5, 0, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "red")
}

func TestDecideYellowNeedsTierPermission(t *testing.T) {
	in := input(nil, risk.LevelYellow, activity(5, 0, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "yellow")

	in.Tier.AllowYellow = true
	d = NewEngine().Decide(in)
	assert.Equal(t, ActionDCABuy, d.Action)
}

func TestDecidePositionCapBlocksEntry(t *testing.T) {
	in := input(nil, risk.LevelGreen, activity(5, 0, nil))
	in.OpenCount = 3

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "position cap")
}

func TestDecideNoBuyPressureNoEntry(t *testing.T) {
	in := input(nil, risk.LevelGreen, activity(1, 0, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionHold, d.Action)
	assert.Contains(t, d.Reasoning, "no favorable entry pressure")
}

func TestDecideDCAEntry(t *testing.T) {
	in := input(nil, risk.LevelGreen, activity(5, 1, nil))

	d := NewEngine().Decide(in)
	assert.Equal(t, ActionDCABuy, d.Action)
	assert.Equal(t, 25.0, d.BuyPct)
	assert.Equal(t, 4, d.Intervals)
	assert.Equal(t, 8*time.Minute, d.Window)
	assert.Len(t, d.Scenarios, 3)
	// momentum_entry: 15*0.45 - 6 dominates the other scenarios.
	assert.InDelta(t, 0.75, d.ExpectedProfit, 0.0001)
}

// ---------------------------------------------------------------------------
// pressure helpers
// ---------------------------------------------------------------------------

func TestBuyPressureRules(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.buyPressure(nil))
	assert.False(t, e.buyPressure(activity(2, 0, nil)), "below count threshold")
	assert.False(t, e.buyPressure(activity(4, 4, nil)), "buys must outnumber sells")
	assert.True(t, e.buyPressure(activity(4, 3, nil)))
}

func TestLargeSellPressureRules(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.largeSellPressure(nil))
	assert.False(t, e.largeSellPressure(activity(0, 4, nil)))
	assert.True(t, e.largeSellPressure(activity(0, 5, nil)))
	assert.True(t, e.largeSellPressure(activity(0, 1, big.NewInt(1e18))), "at threshold counts")
	assert.False(t, e.largeSellPressure(activity(0, 1, big.NewInt(1e17))))
}

// ---------------------------------------------------------------------------
// scoring
// ---------------------------------------------------------------------------

func TestScenarioScore(t *testing.T) {
	s := scenario("x", 10, 0.5, 2, time.Minute)
	assert.InDelta(t, 3, s.Score, 0.0001)
}

func TestBestScorePicksMaximumEvenWhenNegative(t *testing.T) {
	got := bestScore([]Scenario{
		scenario("a", -10, 0.5, 1, time.Minute), // -6
		scenario("b", -2, 0.5, 1, time.Minute),  // -2
	})
	assert.InDelta(t, -2, got, 0.0001)
}

func TestEveryDecisionCarriesReasoningAndScenarios(t *testing.T) {
	e := NewEngine()
	inputs := []Input{
		input(openPosition(25, time.Minute), risk.LevelGreen, nil),
		input(openPosition(-12, time.Minute), risk.LevelGreen, nil),
		input(nil, risk.LevelGreen, activity(5, 0, nil)),
		input(nil, risk.LevelRed, nil),
	}
	for _, in := range inputs {
		d := e.Decide(in)
		assert.NotEmpty(t, d.Reasoning)
		assert.NotEmpty(t, d.Scenarios)
		assert.Equal(t, tokenAddr, d.Token)
	}
}
