package config

import "time"

// Exit codes for the CLI harness.
const (
	ExitOK            = 0
	ExitConfigError   = 1
	ExitChainLost     = 2
	ExitWalletCorrupt = 3
)

// Timeout defaults shared across packages. Callers may override per call.
const (
	ConnectionAcquireTimeout = 5 * time.Second
	RPCCallTimeout           = 30 * time.Second
	ReceiptWaitTimeout       = 120 * time.Second
	RetryWallClockCap        = 300 * time.Second
)

// Fallback gas limits used when the node cannot simulate the transaction.
const (
	GasLimitNativeTransfer = uint64(21_000)
	GasLimitERC20Transfer  = uint64(60_000)
	GasLimitRouterSwap     = uint64(250_000)
)
