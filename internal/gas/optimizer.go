// Package gas turns current chain conditions into concrete fee choices.
package gas

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/chain"
)

// Congestion buckets the latest block's gas utilization.
type Congestion string

const (
	CongestionLow     Congestion = "low"      // < 50% full
	CongestionMedium  Congestion = "medium"   // 50-80%
	CongestionHigh    Congestion = "high"     // 80-95%
	CongestionExtreme Congestion = "extreme"  // > 95%
)

// multiplier is the congestion premium applied on top of the node's quote,
// in percent.
func (c Congestion) multiplier() int64 {
	switch c {
	case CongestionMedium:
		return 110
	case CongestionHigh:
		return 125
	case CongestionExtreme:
		return 150
	default:
		return 100
	}
}

// Reader is the slice of chain access the optimizer needs.
type Reader interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	PriorityFee(ctx context.Context) (*big.Int, error)
	LatestBlock(ctx context.Context) (*chain.BlockInfo, error)
}

// Quote is one fee recommendation. For legacy chains only GasPrice is set;
// EIP-1559 chains also carry MaxFeePerGas and MaxPriorityFee.
type Quote struct {
	GasPrice       *big.Int
	MaxFeePerGas   *big.Int
	MaxPriorityFee *big.Int
	Congestion     Congestion
	EIP1559        bool
	QuotedAt       time.Time
}

// Optimizer computes fees for one chain, caching quotes briefly so bursts of
// sends do not hammer eth_gasPrice.
type Optimizer struct {
	cfg    *chain.Config
	reader Reader
	ttl    time.Duration

	mu     sync.Mutex
	cached *Quote
}

// New creates an optimizer. cacheTTL <= 0 uses the 30 second default.
func New(cfg *chain.Config, reader Reader, cacheTTL time.Duration) *Optimizer {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Optimizer{cfg: cfg, reader: reader, ttl: cacheTTL}
}

// Current returns a fee quote, from cache when fresh.
func (o *Optimizer) Current(ctx context.Context) (*Quote, error) {
	o.mu.Lock()
	if o.cached != nil && time.Since(o.cached.QuotedAt) < o.ttl {
		q := *o.cached
		o.mu.Unlock()
		return &q, nil
	}
	o.mu.Unlock()

	q, err := o.fetch(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cached = q
	o.mu.Unlock()
	out := *q
	return &out, nil
}

func (o *Optimizer) fetch(ctx context.Context) (*Quote, error) {
	price, err := o.reader.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading gas price: %w", err)
	}

	congestion := CongestionLow
	if block, err := o.reader.LatestBlock(ctx); err == nil && block != nil {
		congestion = classify(block.Utilization())
	}
	// A block read failure degrades to the low bucket rather than failing the quote.

	price = scale(price, congestion.multiplier())
	if floor := o.cfg.GasPriceFloor(); floor != nil && price.Cmp(floor) < 0 {
		price = new(big.Int).Set(floor)
	}
	if max := o.cfg.MaxGasPrice(); max != nil && price.Cmp(max) > 0 {
		price = new(big.Int).Set(max)
	}

	q := &Quote{
		GasPrice:   price,
		Congestion: congestion,
		EIP1559:    o.cfg.SupportsEIP1559,
		QuotedAt:   time.Now(),
	}

	if o.cfg.SupportsEIP1559 {
		tip, err := o.reader.PriorityFee(ctx)
		if err != nil || tip == nil || tip.Sign() == 0 {
			tip = new(big.Int).SetUint64(o.cfg.DefaultPriorityWei)
		}
		tip = scale(tip, congestion.multiplier())
		q.MaxPriorityFee = tip
		q.MaxFeePerGas = new(big.Int).Add(price, tip)
		if max := o.cfg.MaxGasPrice(); max != nil && q.MaxFeePerGas.Cmp(max) > 0 {
			q.MaxFeePerGas = new(big.Int).Set(max)
		}
	}
	return q, nil
}

// BumpPrice raises price by pct percent, enforcing the chain's gas cap.
// Exceeding the cap is terminal; callers surface it without further retries.
func (o *Optimizer) BumpPrice(price *big.Int, pct int64) (*big.Int, error) {
	bumped := scale(price, 100+pct)
	if max := o.cfg.MaxGasPrice(); max != nil && bumped.Cmp(max) > 0 {
		return nil, chain.NewError(chain.KindGasCap,
			fmt.Sprintf("bumped gas price %s exceeds chain cap %s", bumped, max))
	}
	return bumped, nil
}

// BumpLimit raises a gas limit by pct percent.
func BumpLimit(limit uint64, pct uint64) uint64 {
	return limit * (100 + pct) / 100
}

// Invalidate drops the cached quote. Used after a GasCap or Underpriced error
// so the next send re-reads the market.
func (o *Optimizer) Invalidate() {
	o.mu.Lock()
	o.cached = nil
	o.mu.Unlock()
}

func classify(utilization float64) Congestion {
	switch {
	case utilization > 0.95:
		return CongestionExtreme
	case utilization > 0.80:
		return CongestionHigh
	case utilization >= 0.50:
		return CongestionMedium
	default:
		return CongestionLow
	}
}

func scale(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}
