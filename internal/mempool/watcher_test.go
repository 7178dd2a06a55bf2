package mempool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
)

const (
	routerAddr = "0x10ED43C718714eb63d5aA57B78B54704E256024E"
	tokenAddr  = "0x1234567890abcdef1234567890abcdef12345678"
	wbnbAddr   = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	traderAddr = "0x00000000000000000000000000000000000dead0"
)

func newTestWatcher() *Watcher {
	stub := adapter.NewUnimplemented(&chain.Config{ChainID: 56, Name: "bsc", Type: chain.ChainTypeEVM})
	return NewWatcher(56, routerAddr, "", stub)
}

var hashSeq int

func pendingTx(to, input string, value *big.Int) *chain.Transaction {
	hashSeq++
	return &chain.Transaction{
		Hash:     fmt.Sprintf("0x%064x", hashSeq),
		From:     traderAddr,
		To:       to,
		Value:    value,
		GasPrice: big.NewInt(5_000_000_000),
		Input:    input,
	}
}

func buyTx(value *big.Int) *chain.Transaction {
	data := adapter.EncodeSwapExactNativeForTokens(big.NewInt(1), []string{wbnbAddr, tokenAddr}, traderAddr, 1_900_000_000)
	return pendingTx(routerAddr, data, value)
}

func sellTx(amountIn *big.Int) *chain.Transaction {
	data := adapter.EncodeSwapExactTokensForNative(amountIn, big.NewInt(1), []string{tokenAddr, wbnbAddr}, traderAddr, 1_900_000_000)
	return pendingTx(routerAddr, data, big.NewInt(0))
}

// ---------------------------------------------------------------------------
// classification
// ---------------------------------------------------------------------------

func TestObserveClassifiesRouterBuy(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	w.observe(buyTx(big.NewInt(1_000_000_000_000_000_000)))

	ev := <-ch
	assert.Equal(t, EventSwapBuy, ev.Type)
	require.NotNil(t, ev.Swap)
	assert.Nil(t, ev.Swap.AmountIn)
	assert.Equal(t, tokenAddr, ev.Swap.TokenOut())
	assert.Equal(t, uint64(56), ev.ChainID)
}

func TestObserveClassifiesRouterSell(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	w.observe(sellTx(big.NewInt(500)))

	ev := <-ch
	assert.Equal(t, EventSwapSell, ev.Type)
	require.NotNil(t, ev.Swap)
	assert.Equal(t, tokenAddr, ev.Swap.TokenIn())
}

func TestObserveRouterAddressCaseInsensitive(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	tx := buyTx(big.NewInt(1))
	tx.To = strings.ToLower(routerAddr)
	w.observe(tx)

	ev := <-ch
	assert.Equal(t, EventSwapBuy, ev.Type)
}

func TestObserveClassifiesPlainTransfer(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	w.observe(pendingTx(traderAddr, "", big.NewInt(100)))

	ev := <-ch
	assert.Equal(t, EventTransfer, ev.Type)
	assert.Nil(t, ev.Swap)
}

func TestObserveNonRouterContractCallIsOther(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	// approve() against some token contract, not the router.
	w.observe(pendingTx(tokenAddr, "0x095ea7b3"+strings.Repeat("00", 64), big.NewInt(0)))

	ev := <-ch
	assert.Equal(t, EventOther, ev.Type)
	assert.Nil(t, ev.Swap)
}

func TestObserveNonSwapRouterCallIsOther(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	// addLiquidity-style selector on the router decodes to no swap.
	w.observe(pendingTx(routerAddr, "0xe8e33700"+strings.Repeat("00", 64), big.NewInt(0)))

	ev := <-ch
	assert.Equal(t, EventOther, ev.Type)
	assert.Nil(t, ev.Swap)
}

// ---------------------------------------------------------------------------
// delivery
// ---------------------------------------------------------------------------

func TestObserveIgnoresDuplicateHash(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	tx := buyTx(big.NewInt(1))
	w.observe(tx)
	w.observe(tx)

	<-ch
	assert.Empty(t, ch)
}

func TestObserveFansOutToAllSubscribers(t *testing.T) {
	w := newTestWatcher()
	a := w.Subscribe()
	b := w.Subscribe()

	w.observe(buyTx(big.NewInt(1)))

	assert.Equal(t, (<-a).TxHash, (<-b).TxHash)
}

func TestObserveDropsForSlowConsumer(t *testing.T) {
	w := newTestWatcher()
	ch := w.Subscribe()

	// Nobody drains; the watcher must not block once the buffer fills.
	for i := 0; i < 300; i++ {
		w.observe(pendingTx(traderAddr, "", big.NewInt(1)))
	}
	assert.Equal(t, 256, len(ch))
}

// ---------------------------------------------------------------------------
// activity aggregation
// ---------------------------------------------------------------------------

func TestActivityAggregatesPendingPressure(t *testing.T) {
	w := newTestWatcher()

	w.observe(buyTx(big.NewInt(1_000)))
	w.observe(buyTx(big.NewInt(2_000)))
	w.observe(sellTx(big.NewInt(700)))
	w.observe(sellTx(big.NewInt(300)))

	act := w.Activity(tokenAddr)
	require.NotNil(t, act)
	assert.Equal(t, 2, act.PendingBuys)
	assert.Equal(t, 2, act.PendingSells)
	assert.Equal(t, big.NewInt(3_000), act.BuyVolumeWei)
	assert.Equal(t, big.NewInt(1_000), act.SellVolumeWei)
	assert.Equal(t, big.NewInt(700), act.LargestSellWei)
}

func TestActivityTokenLookupCaseInsensitive(t *testing.T) {
	w := newTestWatcher()
	w.observe(buyTx(big.NewInt(5)))

	act := w.Activity("0x" + strings.ToUpper(tokenAddr[2:]))
	require.NotNil(t, act)
	assert.Equal(t, 1, act.PendingBuys)
}

func TestActivityUnknownTokenIsNil(t *testing.T) {
	w := newTestWatcher()
	assert.Nil(t, w.Activity(tokenAddr))
}

func TestActivityReturnsCopy(t *testing.T) {
	w := newTestWatcher()
	w.observe(buyTx(big.NewInt(100)))

	w.Activity(tokenAddr).BuyVolumeWei.SetInt64(0)
	assert.Equal(t, big.NewInt(100), w.Activity(tokenAddr).BuyVolumeWei)
}

func TestActivityExpiresAfterWindow(t *testing.T) {
	w := newTestWatcher()
	w.window = time.Millisecond

	w.observe(buyTx(big.NewInt(100)))
	time.Sleep(5 * time.Millisecond)

	assert.Nil(t, w.Activity(tokenAddr))
}

func TestActivityWindowRestartsAfterExpiry(t *testing.T) {
	w := newTestWatcher()
	w.window = 10 * time.Millisecond

	w.observe(buyTx(big.NewInt(100)))
	time.Sleep(20 * time.Millisecond)
	w.observe(buyTx(big.NewInt(7)))

	act := w.Activity(tokenAddr)
	require.NotNil(t, act)
	assert.Equal(t, 1, act.PendingBuys)
	assert.Equal(t, big.NewInt(7), act.BuyVolumeWei)
}

// ---------------------------------------------------------------------------
// websocket stream
// ---------------------------------------------------------------------------

// wsAdapter resolves announced hashes from a fixed set.
type wsAdapter struct {
	*adapter.Unimplemented
	mu  sync.Mutex
	txs map[string]*chain.Transaction
}

func (a *wsAdapter) GetTransaction(_ context.Context, hash string) (*chain.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txs[hash], nil
}

// wsServer accepts one subscription and pushes the given hashes, then keeps
// the connection open until the client goes away.
func wsServer(t *testing.T, hashes []string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" {
			t.Errorf("unexpected method %q", req.Method)
			return
		}
		conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub1"})

		for _, h := range hashes {
			note := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params":  map[string]interface{}{"subscription": "0xsub1", "result": h},
			}
			if err := conn.WriteJSON(note); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestRunWSResolvesAnnouncedHashes(t *testing.T) {
	pending := buyTx(big.NewInt(42))
	mined := buyTx(big.NewInt(43))
	mined.BlockNum = 123

	srv := wsServer(t, []string{pending.Hash, mined.Hash, "0xunknown"})
	defer srv.Close()

	ad := &wsAdapter{
		Unimplemented: adapter.NewUnimplemented(&chain.Config{ChainID: 56, Name: "bsc", Type: chain.ChainTypeEVM}),
		txs:           map[string]*chain.Transaction{pending.Hash: pending, mined.Hash: mined},
	}
	w := NewWatcher(56, routerAddr, "ws"+strings.TrimPrefix(srv.URL, "http"), ad)
	ch := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.runWS(ctx)

	select {
	case ev := <-ch:
		assert.Equal(t, pending.Hash, ev.TxHash)
		assert.Equal(t, EventSwapBuy, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event from websocket stream")
	}
	// Mined and unknown hashes produce nothing.
	assert.Empty(t, ch)
}

func TestRunWSSubscriptionRefused(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]interface{}{"code": -32601, "message": "method not supported"},
		})
	}))
	defer srv.Close()

	w := newTestWatcher()
	w.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	err := w.runWS(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription refused")
}

func TestRunWSDialFailure(t *testing.T) {
	w := newTestWatcher()
	w.wsURL = "ws://127.0.0.1:1"

	err := w.runWS(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket dial")
}

func TestJSONDecodeIgnoresNonStringPayload(t *testing.T) {
	// Guard against panics if a provider pushes an object instead of a hash.
	var msg wsMessage
	raw := `{"method":"eth_subscription","params":{"subscription":"0x1","result":{"odd":true}}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	var hash string
	assert.Error(t, json.Unmarshal(msg.Params.Result, &hash))
}
