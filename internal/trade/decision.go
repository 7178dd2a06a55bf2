// Package trade combines risk analysis, position state and mempool pressure
// into a single recommended action.
package trade

import (
	"fmt"
	"math/big"
	"time"

	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/mempool"
	"github.com/crosnoe/evmsniper/internal/risk"
)

// ActionType enumerates the recommendations the engine can emit.
type ActionType string

const (
	ActionTakeProfit       ActionType = "take_profit"
	ActionHold             ActionType = "hold"
	ActionContinueSandwich ActionType = "continue_sandwich"
	ActionDCABuy           ActionType = "dca_buy"
)

// Position describes an open holding in the token under decision.
type Position struct {
	EntryPrice       float64
	Size             float64
	UnrealizedPnLPct float64
	Age              time.Duration
}

// Scenario is one weighted outcome the engine considered.
type Scenario struct {
	Name               string        `json:"name"`
	ExpectedProfit     float64       `json:"expected_profit"`
	ProbabilitySuccess float64       `json:"probability_success"`
	RiskFactor         float64       `json:"risk_factor"`
	TimeHorizon        time.Duration `json:"time_horizon"`
	Score              float64       `json:"score"`
}

func scenario(name string, profit, prob, riskFactor float64, horizon time.Duration) Scenario {
	return Scenario{
		Name:               name,
		ExpectedProfit:     profit,
		ProbabilitySuccess: prob,
		RiskFactor:         riskFactor,
		TimeHorizon:        horizon,
		Score:              profit*prob - riskFactor,
	}
}

// Decision is the engine's output. Only the fields relevant to Action are
// populated.
type Decision struct {
	Token          string     `json:"token"`
	Action         ActionType `json:"action"`
	ExpectedProfit float64    `json:"expected_profit"`
	Reasoning      string     `json:"reasoning"`
	Scenarios      []Scenario `json:"scenarios"`

	// Hold
	TargetPrice float64       `json:"target_price,omitempty"`
	TimeLimit   time.Duration `json:"time_limit,omitempty"`
	// ContinueSandwich
	MaxBuys int           `json:"max_buys,omitempty"`
	MaxTime time.Duration `json:"max_time,omitempty"`
	// DCABuy
	BuyPct    float64       `json:"buy_pct,omitempty"`
	Intervals int           `json:"intervals,omitempty"`
	Window    time.Duration `json:"window,omitempty"`
}

// Input is everything one decision is based on.
type Input struct {
	Token        string
	Analysis     *risk.Analysis
	Position     *Position // nil when no position is open
	Activity     *mempool.TokenActivity
	Tier         config.TierPolicy
	CurrentPrice float64
	OpenCount    int // positions currently held across tokens
}

// Engine applies the priority rules.
type Engine struct {
	// SellCountThreshold and LargeSellWei define "large pending sells".
	SellCountThreshold int
	LargeSellWei       *big.Int
	// BuyCountThreshold defines "continuing buy pressure".
	BuyCountThreshold int
}

// NewEngine returns an engine with default pressure thresholds.
func NewEngine() *Engine {
	return &Engine{
		SellCountThreshold: 5,
		LargeSellWei:       big.NewInt(1e18),
		BuyCountThreshold:  3,
	}
}

// Decide walks the priority ladder and returns the first matching action.
// Every branch carries populated reasoning and scenarios.
func (e *Engine) Decide(in Input) Decision {
	if in.Position != nil {
		if d, ok := e.decideOpenPosition(in); ok {
			return d
		}
		return e.hold(in, "no exit condition met")
	}
	return e.decideEntry(in)
}

func (e *Engine) decideOpenPosition(in Input) (Decision, bool) {
	pos := in.Position
	pnl := pos.UnrealizedPnLPct

	// 1. Safety downgrade overrides everything.
	if in.Analysis != nil && in.Analysis.Safety == risk.LevelRed {
		return e.takeProfit(in, "safety downgrade to red, exiting position"), true
	}

	// 2. Stop loss.
	if pnl <= -in.Tier.StopLossPct {
		return e.takeProfit(in, fmt.Sprintf("stop loss hit at %.1f%%", pnl)), true
	}

	tpHit := pnl >= in.Tier.TakeProfitPct
	sellPressure := e.largeSellPressure(in.Activity)
	buyPressure := e.buyPressure(in.Activity)

	// 3. Take profit into adverse flow.
	if tpHit && sellPressure {
		return e.takeProfit(in, "take profit target reached with pending sell pressure building"), true
	}

	// 4. Ride continuing demand past the target.
	if tpHit && buyPressure {
		if in.Tier.AllowSandwich {
			d := Decision{
				Token:     in.Token,
				Action:    ActionContinueSandwich,
				Reasoning: "take profit reached but buy pressure continues, extending with sandwich entries",
				MaxBuys:   3,
				MaxTime:   5 * time.Minute,
				Scenarios: []Scenario{
					scenario("sandwich_continuation", pnl+8, 0.55, 4, 5*time.Minute),
					scenario("immediate_exit", pnl, 0.95, 1, time.Minute),
				},
			}
			d.ExpectedProfit = bestScore(d.Scenarios)
			return d, true
		}
		target := pos.EntryPrice * (1 + (in.Tier.TakeProfitPct+in.Tier.ExtendedTPPct)/100)
		d := Decision{
			Token:       in.Token,
			Action:      ActionHold,
			Reasoning:   "take profit reached but buy pressure continues, holding for extended target",
			TargetPrice: target,
			TimeLimit:   10 * time.Minute,
			Scenarios: []Scenario{
				scenario("extended_target", pnl+in.Tier.ExtendedTPPct, 0.5, 5, 10*time.Minute),
				scenario("immediate_exit", pnl, 0.95, 1, time.Minute),
			},
		}
		d.ExpectedProfit = bestScore(d.Scenarios)
		return d, true
	}

	// Plain take profit with no flow signal either way.
	if tpHit {
		return e.takeProfit(in, "take profit target reached"), true
	}

	// 5. Young position with a shallow drawdown on a green token.
	holdWindow := time.Duration(in.Tier.HoldWindowMins) * time.Minute
	green := in.Analysis != nil && in.Analysis.Safety == risk.LevelGreen
	if pos.Age < holdWindow && pnl > -in.Tier.StopLossPct/2 && green {
		return e.hold(in, "position young, drawdown shallow, token still green"), true
	}

	return Decision{}, false
}

func (e *Engine) decideEntry(in Input) Decision {
	if in.Analysis == nil {
		return e.hold(in, "no analysis available, not entering")
	}
	switch in.Analysis.Safety {
	case risk.LevelRed:
		return e.hold(in, "token is red, no entry")
	case risk.LevelYellow:
		if !in.Tier.AllowYellow {
			return e.hold(in, "token is yellow and tier does not allow yellow entries")
		}
	}
	if in.OpenCount >= in.Tier.MaxPositions {
		return e.hold(in, fmt.Sprintf("position cap reached (%d)", in.Tier.MaxPositions))
	}
	if !e.buyPressure(in.Activity) {
		return e.hold(in, "mempool shows no favorable entry pressure")
	}

	// 6. Enter via staged buys.
	d := Decision{
		Token:     in.Token,
		Action:    ActionDCABuy,
		Reasoning: "token tradable, mempool favorable, entering with staged buys",
		BuyPct:    25,
		Intervals: 4,
		Window:    8 * time.Minute,
		Scenarios: []Scenario{
			scenario("momentum_entry", 15, 0.45, 6, 8*time.Minute),
			scenario("flat_entry", 2, 0.35, 3, 8*time.Minute),
			scenario("stop_out", -in.Tier.StopLossPct, 0.2, 0, 8*time.Minute),
		},
	}
	d.ExpectedProfit = bestScore(d.Scenarios)
	return d
}

func (e *Engine) takeProfit(in Input, reason string) Decision {
	pnl := 0.0
	if in.Position != nil {
		pnl = in.Position.UnrealizedPnLPct
	}
	d := Decision{
		Token:     in.Token,
		Action:    ActionTakeProfit,
		Reasoning: reason,
		Scenarios: []Scenario{
			scenario("exit_now", pnl, 0.95, 1, time.Minute),
		},
	}
	d.ExpectedProfit = bestScore(d.Scenarios)
	return d
}

// hold is the explicit no-op decision. Priority 7.
func (e *Engine) hold(in Input, reason string) Decision {
	pnl := 0.0
	if in.Position != nil {
		pnl = in.Position.UnrealizedPnLPct
	}
	d := Decision{
		Token:     in.Token,
		Action:    ActionHold,
		Reasoning: reason,
		TimeLimit: 5 * time.Minute,
		Scenarios: []Scenario{
			scenario("reassess_later", pnl, 0.9, 1, 5*time.Minute),
		},
	}
	d.ExpectedProfit = bestScore(d.Scenarios)
	return d
}

// largeSellPressure is true when the window shows many pending sells or a
// single sell above the large-sell size.
func (e *Engine) largeSellPressure(act *mempool.TokenActivity) bool {
	if act == nil {
		return false
	}
	if act.PendingSells >= e.SellCountThreshold {
		return true
	}
	return act.LargestSellWei != nil && act.LargestSellWei.Cmp(e.LargeSellWei) >= 0
}

// buyPressure is true when pending buys outnumber the threshold and outweigh
// pending sells.
func (e *Engine) buyPressure(act *mempool.TokenActivity) bool {
	if act == nil {
		return false
	}
	if act.PendingBuys < e.BuyCountThreshold {
		return false
	}
	return act.PendingBuys > act.PendingSells
}

func bestScore(scenarios []Scenario) float64 {
	best := 0.0
	for i, s := range scenarios {
		if i == 0 || s.Score > best {
			best = s.Score
		}
	}
	return best
}
