package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// EVMClient is a minimal JSON-RPC 2.0 client bound to a single endpoint.
// Endpoint selection, rotation and retry live above this type; the client
// only speaks the wire protocol and classifies failures.
type EVMClient struct {
	url    string
	client *http.Client
}

// NewEVMClient creates a client pointed at url.
func NewEVMClient(url string) *EVMClient {
	return &EVMClient{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// URL returns the endpoint this client talks to.
func (c *EVMClient) URL() string { return c.url }

// BlockNumber returns the latest block number.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eth_blockNumber")
}

// ChainID returns the chain's numeric ID.
func (c *EVMClient) ChainID(ctx context.Context) (uint64, error) {
	return c.callUint64(ctx, "eth_chainId")
}

// GasPrice returns the current legacy gas price in wei.
func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_gasPrice")
}

// MaxPriorityFeePerGas returns the node's suggested priority fee. Not every
// node exposes eth_maxPriorityFeePerGas; callers fall back to a configured
// default on error.
func (c *EVMClient) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, "eth_maxPriorityFeePerGas")
}

// GetBalance returns the native balance of address in wei.
func (c *EVMClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	return c.callBig(ctx, "eth_getBalance", address, "latest")
}

// GetCode returns the bytecode at address. "0x" means no code (EOA).
func (c *EVMClient) GetCode(ctx context.Context, address string) (string, error) {
	return c.callString(ctx, "eth_getCode", address, "latest")
}

// GetTransactionCount returns the account nonce at the given block tag
// ("latest" or "pending").
func (c *EVMClient) GetTransactionCount(ctx context.Context, address, tag string) (uint64, error) {
	return c.callUint64(ctx, "eth_getTransactionCount", address, tag)
}

// CallMsg describes an eth_call / eth_estimateGas request.
type CallMsg struct {
	From  string
	To    string
	Data  string
	Value *big.Int
}

func (m CallMsg) params() map[string]string {
	p := map[string]string{"to": m.To}
	if m.From != "" {
		p["from"] = m.From
	}
	if m.Data != "" {
		p["data"] = m.Data
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		p["value"] = "0x" + m.Value.Text(16)
	}
	return p
}

// Call executes a read-only contract call at the given block tag.
func (c *EVMClient) Call(ctx context.Context, msg CallMsg, block string) (string, error) {
	if block == "" {
		block = "latest"
	}
	return c.callString(ctx, "eth_call", msg.params(), block)
}

// EstimateGas estimates gas for the call.
func (c *EVMClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	return c.callUint64(ctx, "eth_estimateGas", msg.params(), "latest")
}

// SendRawTransaction broadcasts a signed raw transaction and returns its hash.
func (c *EVMClient) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	return c.callString(ctx, "eth_sendRawTransaction", rawTx)
}

// Transaction is a simplified transaction record as reported by the node.
type Transaction struct {
	Hash     string
	From     string
	To       string
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Nonce    uint64
	Input    string
	BlockNum uint64 // 0 while pending
}

// GetTransactionByHash returns a transaction by hash, or nil when unknown.
func (c *EVMClient) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	result, err := c.call(ctx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var rt rawTx
	if err := json.Unmarshal(result, &rt); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing transaction: %w", err))
	}
	return rt.toTx(), nil
}

// TxReceipt is the normalized on-chain receipt of a mined transaction.
type TxReceipt struct {
	Hash              string
	From              string
	BlockNumber       uint64
	Status            uint64 // 1 = success, 0 = reverted
	GasUsed           uint64
	CumulativeGasUsed uint64
	Logs              []LogEntry
}

// Success reports whether the transaction executed without reverting.
func (r *TxReceipt) Success() bool { return r.Status == 1 }

// GetTransactionReceipt fetches the receipt for hash.
// Returns nil, nil while the transaction is still pending.
func (c *EVMClient) GetTransactionReceipt(ctx context.Context, hash string) (*TxReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var r struct {
		From              string     `json:"from"`
		Status            string     `json:"status"`
		BlockNumber       string     `json:"blockNumber"`
		GasUsed           string     `json:"gasUsed"`
		CumulativeGasUsed string     `json:"cumulativeGasUsed"`
		Logs              []LogEntry `json:"logs"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing receipt: %w", err))
	}

	receipt := &TxReceipt{Hash: hash, From: r.From, Logs: r.Logs}
	if s, ok := parseBigHex(r.Status); ok {
		receipt.Status = s.Uint64()
	}
	if bn, ok := parseBigHex(r.BlockNumber); ok {
		receipt.BlockNumber = bn.Uint64()
	}
	if gu, ok := parseBigHex(r.GasUsed); ok {
		receipt.GasUsed = gu.Uint64()
	}
	if cu, ok := parseBigHex(r.CumulativeGasUsed); ok {
		receipt.CumulativeGasUsed = cu.Uint64()
	}
	return receipt, nil
}

// BlockInfo holds summary data for a block header.
type BlockInfo struct {
	Number    uint64
	Hash      string
	Timestamp uint64
	TxCount   int
	GasUsed   uint64
	GasLimit  uint64
	BaseFee   *big.Int // nil on pre-EIP-1559 chains
}

// Utilization returns gasUsed/gasLimit in [0,1], or 0 when unknown.
func (b *BlockInfo) Utilization() float64 {
	if b.GasLimit == 0 {
		return 0
	}
	return float64(b.GasUsed) / float64(b.GasLimit)
}

// GetBlockInfo fetches a block header by number tag ("latest" or 0x-hex).
func (c *EVMClient) GetBlockInfo(ctx context.Context, num string) (*BlockInfo, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", num, false)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, NewError(KindBlockNotFound, "block "+num)
	}
	var rb struct {
		Number        string        `json:"number"`
		Hash          string        `json:"hash"`
		Timestamp     string        `json:"timestamp"`
		Transactions  []interface{} `json:"transactions"`
		GasUsed       string        `json:"gasUsed"`
		GasLimit      string        `json:"gasLimit"`
		BaseFeePerGas string        `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &rb); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing block: %w", err))
	}
	info := &BlockInfo{Hash: rb.Hash, TxCount: len(rb.Transactions)}
	if n, ok := parseBigHex(rb.Number); ok {
		info.Number = n.Uint64()
	}
	if ts, ok := parseBigHex(rb.Timestamp); ok {
		info.Timestamp = ts.Uint64()
	}
	if gu, ok := parseBigHex(rb.GasUsed); ok {
		info.GasUsed = gu.Uint64()
	}
	if gl, ok := parseBigHex(rb.GasLimit); ok {
		info.GasLimit = gl.Uint64()
	}
	if rb.BaseFeePerGas != "" {
		if bf, ok := parseBigHex(rb.BaseFeePerGas); ok {
			info.BaseFee = bf
		}
	}
	return info, nil
}

// GetBlockTransactions returns all transactions of the given block.
func (c *EVMClient) GetBlockTransactions(ctx context.Context, num uint64) ([]*Transaction, error) {
	result, err := c.call(ctx, "eth_getBlockByNumber", fmt.Sprintf("0x%x", num), true)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, NewError(KindBlockNotFound, fmt.Sprintf("block %d", num))
	}
	var block struct {
		Transactions []rawTx `json:"transactions"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing block txs: %w", err))
	}
	txs := make([]*Transaction, 0, len(block.Transactions))
	for i := range block.Transactions {
		txs = append(txs, block.Transactions[i].toTx())
	}
	return txs, nil
}

// PendingTransactions returns the node's current pending transaction set.
// Not every public node exposes eth_pendingTransactions; callers fall back
// to the websocket subscription when this fails.
func (c *EVMClient) PendingTransactions(ctx context.Context) ([]*Transaction, error) {
	result, err := c.call(ctx, "eth_pendingTransactions")
	if err != nil {
		return nil, err
	}
	var raws []rawTx
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing pending txs: %w", err))
	}
	txs := make([]*Transaction, 0, len(raws))
	for i := range raws {
		txs = append(txs, raws[i].toTx())
	}
	return txs, nil
}

// LogEntry holds one event log.
type LogEntry struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
}

// LogFilter describes an eth_getLogs query.
type LogFilter struct {
	Address   string
	Topics    []string
	FromBlock string
	ToBlock   string
}

// GetLogs queries event logs matching the filter.
func (c *EVMClient) GetLogs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	filter := map[string]interface{}{}
	if f.Address != "" {
		filter["address"] = f.Address
	}
	if f.FromBlock != "" {
		filter["fromBlock"] = f.FromBlock
	}
	if f.ToBlock != "" {
		filter["toBlock"] = f.ToBlock
	}
	if len(f.Topics) > 0 {
		filter["topics"] = f.Topics
	}

	result, err := c.call(ctx, "eth_getLogs", filter)
	if err != nil {
		return nil, err
	}
	var logs []LogEntry
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, WrapError(KindUnknown, fmt.Errorf("parsing logs: %w", err))
	}
	return logs, nil
}

// Ping probes the endpoint and returns latency plus the reported block number.
func (c *EVMClient) Ping(ctx context.Context) (latency time.Duration, blockNum uint64, err error) {
	start := time.Now()
	blockNum, err = c.BlockNumber(ctx)
	return time.Since(start), blockNum, err
}

// --- internal JSON-RPC plumbing ---

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func (c *EVMClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, WrapError(KindUnknown, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, WrapError(KindConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, WrapError(KindTimeout, err)
		}
		return nil, WrapError(KindConnection, fmt.Errorf("RPC request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewError(KindRateLimited, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return nil, NewError(KindConnection, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(KindConnection, fmt.Errorf("reading response: %w", err))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, WrapError(KindConnection, fmt.Errorf("parsing response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, WrapError(Classify(rpcResp.Error), rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *EVMClient) callString(ctx context.Context, method string, params ...interface{}) (string, error) {
	result, err := c.call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return "", WrapError(KindUnknown, fmt.Errorf("unexpected result for %s: %s", method, result))
	}
	return s, nil
}

func (c *EVMClient) callBig(ctx context.Context, method string, params ...interface{}) (*big.Int, error) {
	s, err := c.callString(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	n, ok := parseBigHex(s)
	if !ok {
		return nil, WrapError(KindUnknown, fmt.Errorf("could not parse %s result: %s", method, s))
	}
	return n, nil
}

func (c *EVMClient) callUint64(ctx context.Context, method string, params ...interface{}) (uint64, error) {
	n, err := c.callBig(ctx, method, params...)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

type rawTx struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Nonce    string `json:"nonce"`
	Input    string `json:"input"`
	BlockNum string `json:"blockNumber"`
}

func (rt *rawTx) toTx() *Transaction {
	tx := &Transaction{
		Hash:  rt.Hash,
		From:  rt.From,
		To:    rt.To,
		Input: rt.Input,
	}
	if v, ok := parseBigHex(rt.Value); ok {
		tx.Value = v
	}
	if g, ok := parseBigHex(rt.Gas); ok {
		tx.Gas = g.Uint64()
	}
	if gp, ok := parseBigHex(rt.GasPrice); ok {
		tx.GasPrice = gp
	}
	if n, ok := parseBigHex(rt.Nonce); ok {
		tx.Nonce = n.Uint64()
	}
	if bn, ok := parseBigHex(rt.BlockNum); ok {
		tx.BlockNum = bn.Uint64()
	}
	return tx
}

// --- math helpers ---

var wei1 = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// WeiToNative converts a wei amount to a native-unit decimal string.
func WeiToNative(wei *big.Int) string {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, wei1)
	return f.Text('f', 18)
}

// WeiToGwei converts a wei value to gwei as float64.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		new(big.Float).SetFloat64(1e9),
	).Float64()
	return f
}

// FormatUnits renders raw token units with the given decimals.
func FormatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	if decimals <= 0 {
		return raw.String()
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f := new(big.Float).SetInt(raw)
	f.Quo(f, new(big.Float).SetInt(div))
	return f.Text('f', decimals)
}

func parseBigHex(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	return n, ok
}
