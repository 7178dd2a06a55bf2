// Package mempool observes pending transactions and turns router swaps into
// normalized events for the decision engine.
package mempool

import (
	"context"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
)

// EventType classifies a pending transaction.
type EventType string

const (
	EventSwapBuy  EventType = "swap_buy"  // native/token in, watched token out
	EventSwapSell EventType = "swap_sell" // watched token in
	EventTransfer EventType = "transfer"
	EventOther    EventType = "other"
)

// Event is one normalized pending-transaction observation. Short-lived:
// consumers drop it once the transaction mines or evicts.
type Event struct {
	ChainID    uint64
	TxHash     string
	From       string
	To         string
	Type       EventType
	Swap       *adapter.RouterCall // nil for non-swap events
	Value      *big.Int
	GasPrice   *big.Int
	ObservedAt time.Time
}

// TokenActivity aggregates pending pressure on one token over the
// observation window.
type TokenActivity struct {
	Token          string
	PendingBuys    int
	PendingSells   int
	BuyVolumeWei   *big.Int
	SellVolumeWei  *big.Int
	LargestSellWei *big.Int
	WindowStart    time.Time
}

// Watcher streams mempool events for one chain. It prefers a WebSocket
// pending-transaction subscription and falls back to HTTP polling when no
// WS URL is configured or the subscription drops.
type Watcher struct {
	chainID uint64
	router  string
	adapter adapter.Adapter
	wsURL   string

	mu       sync.Mutex
	subs     []chan Event
	seen     map[string]time.Time
	activity map[string]*TokenActivity
	window   time.Duration

	logger *log.Logger
}

// NewWatcher creates a watcher over an adapter. wsURL may be empty; polling
// is used then.
func NewWatcher(chainID uint64, routerAddress, wsURL string, ad adapter.Adapter) *Watcher {
	return &Watcher{
		chainID:  chainID,
		router:   strings.ToLower(routerAddress),
		adapter:  ad,
		wsURL:    wsURL,
		seen:     make(map[string]time.Time),
		activity: make(map[string]*TokenActivity),
		window:   2 * time.Minute,
		logger:   log.New(log.Writer(), "[mempool] ", log.LstdFlags),
	}
}

// WSEndpoint returns the configured WebSocket URL, or "" when the watcher
// polls.
func (w *Watcher) WSEndpoint() string { return w.wsURL }

// Subscribe returns a channel of events. Slow consumers drop events rather
// than stall the watcher.
func (w *Watcher) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Run streams until ctx ends. The WebSocket path re-dials with backoff; each
// failure falls back to one polling round so observation never fully stops.
func (w *Watcher) Run(ctx context.Context) {
	backoff := time.Second
	for {
		var err error
		if w.wsURL != "" {
			err = w.runWS(ctx)
		} else {
			err = w.runPolling(ctx)
		}
		if ctx.Err() != nil {
			w.closeSubs()
			return
		}
		if err != nil {
			w.logger.Printf("chain %d stream interrupted, retrying in %s: %v", w.chainID, backoff, err)
		}
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			w.closeSubs()
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// runPolling repeatedly drains eth_pendingTransactions.
func (w *Watcher) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	evm, ok := w.adapter.(*adapter.EVMAdapter)
	if !ok {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ep, err := evm.Pool().Acquire(pollCtx)
	if err != nil {
		return
	}
	txs, err := ep.Client().PendingTransactions(pollCtx)
	if err != nil {
		evm.Pool().ReportFailure(ep, err)
		return
	}
	evm.Pool().ReportSuccess(ep)

	for _, tx := range txs {
		w.observe(tx)
	}
}

// observe normalizes one pending transaction and fans it out. Duplicate
// hashes within the window are ignored; delivery is in observation order.
func (w *Watcher) observe(tx *chain.Transaction) {
	now := time.Now()

	w.mu.Lock()
	if _, dup := w.seen[tx.Hash]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[tx.Hash] = now
	w.gcLocked(now)
	w.mu.Unlock()

	ev := Event{
		ChainID:    w.chainID,
		TxHash:     tx.Hash,
		From:       tx.From,
		To:         tx.To,
		Type:       EventOther,
		Value:      tx.Value,
		GasPrice:   tx.GasPrice,
		ObservedAt: now,
	}

	if strings.EqualFold(tx.To, w.router) && tx.Input != "" {
		if rc, err := adapter.DecodeRouterInput(tx.Input); err == nil && rc != nil {
			ev.Swap = rc
			if rc.AmountIn == nil {
				ev.Type = EventSwapBuy // native in
			} else {
				ev.Type = EventSwapSell
			}
			w.record(ev, rc)
		}
	} else if tx.Input == "" || tx.Input == "0x" {
		ev.Type = EventTransfer
	}

	w.mu.Lock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default: // slow consumer, drop
		}
	}
	w.mu.Unlock()
}

// record updates the per-token pressure aggregate.
func (w *Watcher) record(ev Event, rc *adapter.RouterCall) {
	var token string
	var sell bool
	switch ev.Type {
	case EventSwapBuy:
		token = strings.ToLower(rc.TokenOut())
	case EventSwapSell:
		token = strings.ToLower(rc.TokenIn())
		sell = true
	default:
		return
	}
	if token == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	act, ok := w.activity[token]
	if !ok || time.Since(act.WindowStart) > w.window {
		act = &TokenActivity{
			Token:          token,
			BuyVolumeWei:   big.NewInt(0),
			SellVolumeWei:  big.NewInt(0),
			LargestSellWei: big.NewInt(0),
			WindowStart:    ev.ObservedAt,
		}
		w.activity[token] = act
	}

	if sell {
		act.PendingSells++
		amount := rc.AmountIn
		if amount == nil {
			amount = big.NewInt(0)
		}
		act.SellVolumeWei.Add(act.SellVolumeWei, amount)
		if amount.Cmp(act.LargestSellWei) > 0 {
			act.LargestSellWei = new(big.Int).Set(amount)
		}
	} else {
		act.PendingBuys++
		if ev.Value != nil {
			act.BuyVolumeWei.Add(act.BuyVolumeWei, ev.Value)
		}
	}
}

// Activity returns the current pressure snapshot for a token, or nil when
// nothing is pending in the window.
func (w *Watcher) Activity(token string) *TokenActivity {
	w.mu.Lock()
	defer w.mu.Unlock()
	act, ok := w.activity[strings.ToLower(token)]
	if !ok || time.Since(act.WindowStart) > w.window {
		return nil
	}
	out := *act
	out.BuyVolumeWei = new(big.Int).Set(act.BuyVolumeWei)
	out.SellVolumeWei = new(big.Int).Set(act.SellVolumeWei)
	out.LargestSellWei = new(big.Int).Set(act.LargestSellWei)
	return &out
}

// gcLocked evicts seen-hashes older than twice the window. Caller holds mu.
func (w *Watcher) gcLocked(now time.Time) {
	if len(w.seen) < 4096 {
		return
	}
	cutoff := now.Add(-2 * w.window)
	for h, ts := range w.seen {
		if ts.Before(cutoff) {
			delete(w.seen, h)
		}
	}
}

func (w *Watcher) closeSubs() {
	w.mu.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.mu.Unlock()
}
