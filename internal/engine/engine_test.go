package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosnoe/evmsniper/internal/adapter"
	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/wallet"
)

const (
	devChainID = uint64(31337)
	devKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	tokenAddr   = "0x1234567890abcdef1234567890abcdef12345678"
	wbnbAddr    = "0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c"
	routerAddr  = "0x10ed43c718714eb63d5aa57b78b54704e256024e"
	factoryAddr = "0xca143ce32fe78f1f7019d7d551a6402fc5350c73"

	testTxHash = "0xabababababababababababababababababababababababababababababababab"
)

var zeroWord = "0x" + strings.Repeat("0", 64)

// rpcServer answers JSON-RPC by method name; overrides shadow the defaults
// that script a healthy devnet with one confirmed transaction.
func rpcServer(t *testing.T, overrides map[string]interface{}) *httptest.Server {
	t.Helper()
	results := map[string]interface{}{
		"eth_getCode":             "0x6001",
		"eth_call":                zeroWord,
		"eth_gasPrice":            "0x12a05f200", // 5 gwei
		"eth_estimateGas":         "0x30d40",     // 200k
		"eth_getTransactionCount": "0x5",
		"eth_sendRawTransaction":  testTxHash,
		"eth_blockNumber":         "0x65",
		"eth_getBlockByNumber": map[string]interface{}{
			"number": "0x64", "gasUsed": "0x1", "gasLimit": "0x10",
			"transactions": []interface{}{},
		},
		"eth_getTransactionReceipt": map[string]interface{}{
			"status": "0x1", "blockNumber": "0x64", "gasUsed": "0x5208",
		},
	}
	for m, r := range overrides {
		results[m] = r
	}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			t.Errorf("unscripted RPC method %s", req.Method)
		}
		json.NewEncoder(rw).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}))
}

func devnetConfig(url string) chain.Config {
	return chain.Config{
		ChainID:          devChainID,
		Name:             "devnet",
		Type:             chain.ChainTypeEVM,
		NativeSymbol:     "ETH",
		WrappedNative:    wbnbAddr,
		RPCURLs:          []string{url},
		RouterAddress:    routerAddr,
		FactoryAddress:   factoryAddr,
		BlockTimeMillis:  10,
		GasPriceFloorWei: 1,
	}
}

func newTestEngine(t *testing.T, chains ...chain.Config) *Engine {
	t.Helper()
	store, err := openTestStore(t)
	require.NoError(t, err)

	cfg := config.Defaults(t.TempDir())
	cfg.Pool.MaxRequestsPerSecond = 1_000 // tests burst well past the production budget
	cfg.Retry.BaseMS, cfg.Retry.JitterMS = 1, 0
	cfg.Risk.ExplorerAPIURL = "" // no outbound explorer traffic from tests

	eng, err := New(cfg, chain.NewRegistryWith(chains), store)
	require.NoError(t, err)
	return eng
}

func openTestStore(t *testing.T) (*wallet.Store, error) {
	t.Helper()
	s, err := wallet.Open(filepath.Join(t.TempDir(), "wallets.bin"), "test-seed")
	if err != nil {
		return nil, err
	}
	if _, err := s.ImportPrivateKey(devKeyHex, devChainID, "dev"); err != nil {
		return nil, err
	}
	return s, nil
}

func buyRequest() *TradeRequest {
	return &TradeRequest{
		ChainID:  devChainID,
		Token:    tokenAddr,
		Side:     SideBuy,
		Amount:   big.NewInt(1_000_000_000_000_000),
		Slippage: 3,
		Wallet:   devAddress,
		Tier:     "premium",
	}
}

// ---------------------------------------------------------------------------
// trade submission
// ---------------------------------------------------------------------------

func TestSubmitTradeBuyConfirms(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	res, err := eng.SubmitTrade(context.Background(), buyRequest())
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, testTxHash, res.TxHash)
	assert.Equal(t, uint64(5), res.Nonce)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, eng.openCount())
}

func TestSubmitTradeSellClosesPosition(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	_, err := eng.SubmitTrade(context.Background(), buyRequest())
	require.NoError(t, err)
	require.Equal(t, 1, eng.openCount())

	sell := buyRequest()
	sell.Side = SideSell
	res, err := eng.SubmitTrade(context.Background(), sell)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 0, eng.openCount())
}

func TestSubmitTradeRefusesRedToken(t *testing.T) {
	// No code at the token address: critical finding, red classification.
	srv := rpcServer(t, map[string]interface{}{"eth_getCode": "0x"})
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	_, err := eng.SubmitTrade(context.Background(), buyRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing buy")
}

func TestSubmitTradeSellSkipsRiskGate(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{"eth_getCode": "0x"})
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	// Exits must go through even when the token turned red after entry.
	sell := buyRequest()
	sell.Side = SideSell
	res, err := eng.SubmitTrade(context.Background(), sell)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
}

func TestSubmitTradePositionCap(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	limit := eng.cfg.TierFor("free").MaxPositions
	for i := 0; i < limit; i++ {
		eng.positions[fmt.Sprintf("held-%d", i)] = &Position{ChainID: devChainID}
	}

	req := buyRequest()
	req.Tier = "free"
	_, err := eng.SubmitTrade(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position cap")
}

func TestSubmitTradeUnknownChain(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	req := buyRequest()
	req.ChainID = 999
	_, err := eng.SubmitTrade(context.Background(), req)
	assert.ErrorIs(t, err, chain.ErrChainNotFound)
}

func TestSubmitTradeRequiresPositiveAmount(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	req := buyRequest()
	req.Amount = nil
	_, err := eng.SubmitTrade(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	req.Amount = big.NewInt(0)
	_, err = eng.SubmitTrade(context.Background(), req)
	require.Error(t, err)
}

func TestSubmitTradeNoRouterConfigured(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	bare := devnetConfig(srv.URL)
	bare.ChainID, bare.Name, bare.RouterAddress = 777, "bare", ""
	eng := newTestEngine(t, devnetConfig(srv.URL), bare)

	req := buyRequest()
	req.ChainID = 777
	_, err := eng.SubmitTrade(context.Background(), req)
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindNotImplemented))
}

// ---------------------------------------------------------------------------
// swap construction
// ---------------------------------------------------------------------------

func TestBuildSwapAppliesSlippageToQuote(t *testing.T) {
	quote := "0x" + fmt.Sprintf("%064x", 32) + fmt.Sprintf("%064x", 2) +
		fmt.Sprintf("%064x", 1) + fmt.Sprintf("%064x", 10_000)
	srv := rpcServer(t, map[string]interface{}{"eth_call": quote})
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	ad, err := eng.adapters.Get(devChainID)
	require.NoError(t, err)
	evm := ad.(*adapter.EVMAdapter)

	preq, err := eng.buildSwap(context.Background(), evm, buyRequest())
	require.NoError(t, err)
	assert.Equal(t, routerAddr, preq.To)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), preq.Value)

	rc, err := adapter.DecodeRouterInput(preq.Data)
	require.NoError(t, err)
	require.NotNil(t, rc)
	// 10000 quoted minus 3% slippage.
	assert.Equal(t, big.NewInt(9_700), rc.AmountOutMin)
	assert.Equal(t, []string{wbnbAddr, tokenAddr}, rc.Path)
}

func TestBuildSwapFailedQuoteFallsBackToMarket(t *testing.T) {
	srv := rpcServer(t, nil) // eth_call answers a zero word
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	ad, err := eng.adapters.Get(devChainID)
	require.NoError(t, err)

	preq, err := eng.buildSwap(context.Background(), ad.(*adapter.EVMAdapter), buyRequest())
	require.NoError(t, err)
	rc, err := adapter.DecodeRouterInput(preq.Data)
	require.NoError(t, err)
	assert.Zero(t, rc.AmountOutMin.Sign())
}

func TestBuildSwapSellPath(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	ad, err := eng.adapters.Get(devChainID)
	require.NoError(t, err)
	sell := buyRequest()
	sell.Side = SideSell

	preq, err := eng.buildSwap(context.Background(), ad.(*adapter.EVMAdapter), sell)
	require.NoError(t, err)
	assert.Nil(t, preq.Value)

	rc, err := adapter.DecodeRouterInput(preq.Data)
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, []string{tokenAddr, wbnbAddr}, rc.Path)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), rc.AmountIn)
}

// ---------------------------------------------------------------------------
// position tracking
// ---------------------------------------------------------------------------

func TestPositionLookupCaseInsensitive(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	_, err := eng.SubmitTrade(context.Background(), buyRequest())
	require.NoError(t, err)

	assert.NotNil(t, eng.position(devChainID, "0x"+strings.ToUpper(tokenAddr[2:])))
	assert.Nil(t, eng.position(devChainID, wbnbAddr))
	assert.Nil(t, eng.position(1, tokenAddr))
}

// ---------------------------------------------------------------------------
// engine surface
// ---------------------------------------------------------------------------

func TestGetRPCHealthReportsEndpoints(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	health := eng.GetRPCHealth()
	require.Contains(t, health, devChainID)
	require.Len(t, health[devChainID], 1)
	assert.Equal(t, srv.URL, health[devChainID][0].URL)
}

func TestChainsLostFalseWhileHealthy(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))
	assert.False(t, eng.ChainsLost())
}

func TestChainsLostFalseWithoutEVMPools(t *testing.T) {
	near := chain.Config{ChainID: 397, Name: "near", Type: chain.ChainTypeNEAR}
	eng := newTestEngine(t, near)
	assert.False(t, eng.ChainsLost())
}

func TestNonEVMChainGetsStubAdapter(t *testing.T) {
	near := chain.Config{ChainID: 397, Name: "near", Type: chain.ChainTypeNEAR}
	eng := newTestEngine(t, near)

	ad, err := eng.adapters.Get(397)
	require.NoError(t, err)
	_, err = ad.GetBlockNumber(context.Background())
	assert.True(t, chain.IsKind(err, chain.KindNotImplemented))
}

func TestGetTokenSafetyUnknownChain(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	_, err := eng.GetTokenSafety(context.Background(), 999, tokenAddr)
	assert.ErrorIs(t, err, chain.ErrChainNotFound)
}

func TestSubscribeMempool(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	ch, err := eng.SubscribeMempool(devChainID)
	require.NoError(t, err)
	assert.NotNil(t, ch)

	_, err = eng.SubscribeMempool(999)
	assert.ErrorIs(t, err, chain.ErrChainNotFound)
}

func TestWalletSurface(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	addr, err := eng.CreateWallet(devChainID, "fresh")
	require.NoError(t, err)
	require.NotEmpty(t, addr)

	views := eng.ListWallets()
	assert.Len(t, views, 2) // dev import plus the new one

	require.NoError(t, eng.RemoveWallet(addr))
	assert.Len(t, eng.ListWallets(), 1)
}

// ---------------------------------------------------------------------------
// construction wiring
// ---------------------------------------------------------------------------

func TestNewThreadsWSEndpointToWatcher(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()

	cc := devnetConfig(srv.URL)
	cc.WSURLs = []string{"wss://devnet.example/ws"}
	eng := newTestEngine(t, cc)

	assert.Equal(t, "wss://devnet.example/ws", eng.watchers[devChainID].WSEndpoint())
}

func TestNewCustomWSOverridesRegistry(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	store, err := openTestStore(t)
	require.NoError(t, err)

	cfg := config.Defaults(t.TempDir())
	cfg.Risk.ExplorerAPIURL = ""
	cfg.CustomWS = map[string][]string{"devnet": {"wss://operator.example/ws"}}

	cc := devnetConfig(srv.URL)
	cc.WSURLs = []string{"wss://public.example/ws"}
	eng, err := New(cfg, chain.NewRegistryWith([]chain.Config{cc}), store)
	require.NoError(t, err)

	assert.Equal(t, "wss://operator.example/ws", eng.watchers[devChainID].WSEndpoint())
}

func TestNewWiresExplorerProvenance(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	store, err := openTestStore(t)
	require.NoError(t, err)

	cfg := config.Defaults(t.TempDir())
	cfg.Risk.ExplorerAPIURL = "http://127.0.0.1:9/api"

	eng, err := New(cfg, chain.NewRegistryWith([]chain.Config{devnetConfig(srv.URL)}), store)
	require.NoError(t, err)
	assert.NotNil(t, eng.risks[devChainID].Prov)

	// The fixture disables the explorer; those analyzers run without one.
	assert.Nil(t, newTestEngine(t, devnetConfig(srv.URL)).risks[devChainID].Prov)
}

func TestMetricsRegistryScrapesSubmissions(t *testing.T) {
	srv := rpcServer(t, nil)
	defer srv.Close()
	eng := newTestEngine(t, devnetConfig(srv.URL))

	_, err := eng.SubmitTrade(context.Background(), buyRequest())
	require.NoError(t, err)

	families, err := eng.MetricsRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["evmsniper_tx_submitted_total"])
	assert.True(t, names["evmsniper_rpc_calls_total"])
	assert.True(t, names["evmsniper_tx_confirmed_total"])
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestLastWord(t *testing.T) {
	assert.Equal(t, big.NewInt(255), lastWord("0x"+fmt.Sprintf("%064x", 255)))
	assert.Nil(t, lastWord("0x"))
	assert.Nil(t, lastWord("0x123"))
}
