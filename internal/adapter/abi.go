package adapter

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Router and ERC-20 selectors, first 4 bytes of keccak256 of the signature.
const (
	selName        = "06fdde03" // name()
	selSymbol      = "95d89b41" // symbol()
	selDecimals    = "313ce567" // decimals()
	selTotalSupply = "18160ddd" // totalSupply()
	selBalanceOf   = "70a08231" // balanceOf(address)
	selAllowance   = "dd62ed3e" // allowance(address,address)
	selOwner       = "8da5cb5b" // owner()

	selSwapExactNativeForTokens = "7ff36ab5" // swapExactETHForTokens(uint256,address[],address,uint256)
	selSwapExactTokensForNative = "18cbafe5" // swapExactTokensForETH(uint256,uint256,address[],address,uint256)
	selSwapExactTokensForTokens = "38ed1739" // swapExactTokensForTokens(uint256,uint256,address[],address,uint256)
	selSwapNativeForExactTokens = "fb3bdb41" // swapETHForExactTokens(uint256,address[],address,uint256)
	selGetPair                  = "e6a43905" // getPair(address,address)
	selGetAmountsOut            = "d06ca61f" // getAmountsOut(uint256,address[])
)

// Selector returns the 4-byte selector for a canonical function signature.
func Selector(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func encodeAddress(addr string) string {
	a := strings.TrimPrefix(strings.ToLower(addr), "0x")
	return strings.Repeat("0", 64-len(a)) + a
}

func encodeUint(v *big.Int) string {
	s := v.Text(16)
	return strings.Repeat("0", 64-len(s)) + s
}

func encodeUint64(v uint64) string {
	return encodeUint(new(big.Int).SetUint64(v))
}

// erc20Call builds eth_call data for a zero- or one-address-argument view.
func erc20Call(selector string, args ...string) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(selector)
	for _, a := range args {
		b.WriteString(encodeAddress(a))
	}
	return b.String()
}

// decodeUint parses a 32-byte ABI word (or raw hex quantity) into a big.Int.
func decodeUint(ret string) (*big.Int, error) {
	s := strings.TrimPrefix(ret, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("bad uint return %q", ret)
	}
	return v, nil
}

// decodeString parses an ABI-encoded dynamic string return. Some old tokens
// return bytes32 instead; both shapes are handled.
func decodeString(ret string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(ret, "0x"))
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty string return")
	}
	if len(raw) == 32 {
		// bytes32 token, right-padded with NULs.
		return strings.TrimRight(string(raw), "\x00"), nil
	}
	if len(raw) < 64 {
		return "", fmt.Errorf("short string return (%d bytes)", len(raw))
	}
	offset := new(big.Int).SetBytes(raw[:32]).Uint64()
	if offset+32 > uint64(len(raw)) {
		return "", fmt.Errorf("string offset out of range")
	}
	length := new(big.Int).SetBytes(raw[offset : offset+32]).Uint64()
	if offset+32+length > uint64(len(raw)) {
		return "", fmt.Errorf("string length out of range")
	}
	return string(raw[offset+32 : offset+32+length]), nil
}

// EncodeSwapExactNativeForTokens builds router calldata for a native-to-token
// swap. The native amount travels in the transaction value.
func EncodeSwapExactNativeForTokens(minOut *big.Int, path []string, recipient string, deadline uint64) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(selSwapExactNativeForTokens)
	b.WriteString(encodeUint(minOut))
	b.WriteString(encodeUint64(4 * 32)) // offset of path array
	b.WriteString(encodeAddress(recipient))
	b.WriteString(encodeUint64(deadline))
	b.WriteString(encodeUint64(uint64(len(path))))
	for _, p := range path {
		b.WriteString(encodeAddress(p))
	}
	return b.String()
}

// EncodeSwapExactTokensForNative builds router calldata for a token-to-native
// swap. Requires a prior approve on the router.
func EncodeSwapExactTokensForNative(amountIn, minOut *big.Int, path []string, recipient string, deadline uint64) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(selSwapExactTokensForNative)
	b.WriteString(encodeUint(amountIn))
	b.WriteString(encodeUint(minOut))
	b.WriteString(encodeUint64(5 * 32))
	b.WriteString(encodeAddress(recipient))
	b.WriteString(encodeUint64(deadline))
	b.WriteString(encodeUint64(uint64(len(path))))
	for _, p := range path {
		b.WriteString(encodeAddress(p))
	}
	return b.String()
}

// EncodeGetAmountsOut builds router calldata for a swap output quote.
func EncodeGetAmountsOut(amountIn *big.Int, path []string) string {
	var b strings.Builder
	b.WriteString("0x")
	b.WriteString(selGetAmountsOut)
	b.WriteString(encodeUint(amountIn))
	b.WriteString(encodeUint64(2 * 32))
	b.WriteString(encodeUint64(uint64(len(path))))
	for _, p := range path {
		b.WriteString(encodeAddress(p))
	}
	return b.String()
}

// EncodeGetPair builds factory calldata for pool discovery.
func EncodeGetPair(tokenA, tokenB string) string {
	return erc20Call(selGetPair, tokenA, tokenB)
}

// RouterCall is a decoded router swap input.
type RouterCall struct {
	Method       string
	AmountIn     *big.Int // nil for native-input swaps; the tx value carries it
	AmountOutMin *big.Int
	Path         []string
	Recipient    string
	Deadline     uint64
}

// TokenIn returns the first hop of the path.
func (rc *RouterCall) TokenIn() string {
	if len(rc.Path) == 0 {
		return ""
	}
	return rc.Path[0]
}

// TokenOut returns the last hop of the path.
func (rc *RouterCall) TokenOut() string {
	if len(rc.Path) == 0 {
		return ""
	}
	return rc.Path[len(rc.Path)-1]
}

// DecodeRouterInput parses V2-router swap calldata. Unrecognized selectors
// return (nil, nil); malformed payloads for a known selector return an error.
func DecodeRouterInput(input string) (*RouterCall, error) {
	data := strings.TrimPrefix(strings.ToLower(input), "0x")
	if len(data) < 8 {
		return nil, nil
	}
	sel := data[:8]
	body, err := hex.DecodeString(data[8:])
	if err != nil {
		return nil, fmt.Errorf("bad calldata hex: %w", err)
	}

	switch sel {
	case selSwapExactNativeForTokens:
		return decodeSwap(body, "swapExactETHForTokens", false)
	case selSwapExactTokensForNative:
		return decodeSwap(body, "swapExactTokensForETH", true)
	case selSwapExactTokensForTokens:
		return decodeSwap(body, "swapExactTokensForTokens", true)
	case selSwapNativeForExactTokens:
		// Exact-out variant; the requested output doubles as the floor.
		return decodeSwap(body, "swapETHForExactTokens", false)
	default:
		return nil, nil
	}
}

func decodeSwap(body []byte, method string, hasAmountIn bool) (*RouterCall, error) {
	word := func(i int) []byte {
		if (i+1)*32 > len(body) {
			return nil
		}
		return body[i*32 : (i+1)*32]
	}

	rc := &RouterCall{Method: method}
	idx := 0
	if hasAmountIn {
		w := word(idx)
		if w == nil {
			return nil, fmt.Errorf("%s: truncated calldata", method)
		}
		rc.AmountIn = new(big.Int).SetBytes(w)
		idx++
	}
	minW := word(idx)
	if minW == nil {
		return nil, fmt.Errorf("%s: truncated calldata", method)
	}
	rc.AmountOutMin = new(big.Int).SetBytes(minW)
	idx++
	offW := word(idx)
	if offW == nil {
		return nil, fmt.Errorf("%s: truncated calldata", method)
	}
	pathOffset := int(new(big.Int).SetBytes(offW).Uint64())
	idx++

	toW := word(idx)
	if toW == nil {
		return nil, fmt.Errorf("%s: truncated calldata", method)
	}
	rc.Recipient = "0x" + hex.EncodeToString(toW[12:])
	idx++

	dlW := word(idx)
	if dlW == nil {
		return nil, fmt.Errorf("%s: truncated calldata", method)
	}
	rc.Deadline = new(big.Int).SetBytes(dlW).Uint64()

	if pathOffset%32 != 0 || pathOffset/32 >= len(body)/32 {
		return nil, fmt.Errorf("%s: bad path offset", method)
	}
	lenW := word(pathOffset / 32)
	if lenW == nil {
		return nil, fmt.Errorf("%s: truncated path", method)
	}
	n := int(new(big.Int).SetBytes(lenW).Uint64())
	for i := 0; i < n; i++ {
		w := word(pathOffset/32 + 1 + i)
		if w == nil {
			return nil, fmt.Errorf("%s: truncated path element %d", method, i)
		}
		rc.Path = append(rc.Path, "0x"+hex.EncodeToString(w[12:]))
	}
	return rc, nil
}
