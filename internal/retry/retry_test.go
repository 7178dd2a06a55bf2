package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
)

func testPolicy(maxAttempts int) *Policy {
	return NewPolicy(config.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseMS:      1,
		MaxMS:       2,
	})
}

// ---------------------------------------------------------------------------
// non-retryable classes
// ---------------------------------------------------------------------------

func TestDoRevertedNotRetried(t *testing.T) {
	calls := 0
	rctx := NewContext("send_raw", 56)
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindReverted, "execution reverted")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, chain.IsKind(err, chain.KindReverted))
}

func TestDoGasCapNotRetried(t *testing.T) {
	calls := 0
	rctx := NewContext("send_raw", 1)
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindGasCap, "over the cap")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWalletNotFoundNotRetried(t *testing.T) {
	calls := 0
	rctx := NewContext("sign", 1)
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindWalletNotFound, "0xdead")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// ---------------------------------------------------------------------------
// retryable classes
// ---------------------------------------------------------------------------

func TestDoConnectionRetriedUntilSuccess(t *testing.T) {
	calls := 0
	rctx := NewContext("get_balance", 1)
	got, err := Do(context.Background(), testPolicy(5), rctx, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", chain.NewError(chain.KindConnection, "connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	// Connection failures rotate to the next endpoint before each retry.
	assert.Equal(t, 2, rctx.Rotations)
}

func TestDoExhaustionReturnsMaxRetryReached(t *testing.T) {
	calls := 0
	rctx := NewContext("get_block", 1)
	err := testPolicy(3).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindTimeout, "slow node")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ce *chain.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, chain.KindMaxRetryReached, ce.Kind)
	assert.Equal(t, 3, ce.Attempts)
	// The last underlying error stays reachable.
	assert.True(t, errors.Is(err, chain.NewError(chain.KindTimeout, "")))
}

func TestDoBlockNotFoundCappedRetries(t *testing.T) {
	calls := 0
	rctx := NewContext("get_block", 1)
	err := testPolicy(10).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindBlockNotFound, "header not found")
	})
	require.Error(t, err)
	// Initial attempt plus three short retries, well under the attempt budget.
	assert.Equal(t, 4, calls)
}

func TestDoRawErrorClassifiedByMessage(t *testing.T) {
	calls := 0
	rctx := NewContext("eth_call", 1)
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return errors.New("execution reverted: no liquidity")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

// ---------------------------------------------------------------------------
// mutations
// ---------------------------------------------------------------------------

func TestDoMutationWithoutMutatorSurfacesImmediately(t *testing.T) {
	// Read-path retries have no way to change the request, so classes that
	// demand a mutation must bubble up to the pipeline untouched.
	calls := 0
	rctx := NewContext("send_raw", 1)
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindUnderpriced, "transaction underpriced")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, chain.IsKind(err, chain.KindUnderpriced))
}

func TestDoUnderpricedInvokesGasPriceBump(t *testing.T) {
	calls := 0
	var mutations []Mutation
	rctx := NewContext("send_raw", 1)
	rctx.Mutate = func(kind chain.ErrorKind, m Mutation, attempt int) error {
		assert.Equal(t, chain.KindUnderpriced, kind)
		mutations = append(mutations, m)
		return nil
	}
	err := testPolicy(5).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		if calls < 3 {
			return chain.NewError(chain.KindUnderpriced, "underpriced")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []Mutation{MutateBumpGasPrice, MutateBumpGasPrice}, mutations)
}

func TestDoNonceErrorRetriedOnceWithResync(t *testing.T) {
	calls, resyncs := 0, 0
	rctx := NewContext("send_raw", 1)
	rctx.Mutate = func(_ chain.ErrorKind, m Mutation, _ int) error {
		require.Equal(t, MutateResyncNonce, m)
		resyncs++
		return nil
	}
	err := testPolicy(10).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindNonce, "nonce too low")
	})
	require.Error(t, err)
	// One initial attempt plus exactly one resync-and-retry.
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, resyncs)
}

func TestDoMutatorErrorAbortsLoop(t *testing.T) {
	// A bump that would cross the chain gas cap aborts with the cap error
	// rather than burning the remaining attempts.
	capErr := chain.NewError(chain.KindGasCap, "bump exceeds max_gas_price")
	calls := 0
	rctx := NewContext("send_raw", 1)
	rctx.Mutate = func(_ chain.ErrorKind, _ Mutation, _ int) error {
		if calls >= 2 {
			return capErr
		}
		return nil
	}
	err := testPolicy(10).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindUnderpriced, "underpriced")
	})
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindGasCap))
	assert.Equal(t, 2, calls)
}

// ---------------------------------------------------------------------------
// budgets
// ---------------------------------------------------------------------------

func TestDoContextCancellationStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rctx := NewContext("get_balance", 1)
	p := NewPolicy(config.RetryConfig{MaxAttempts: 5, BaseMS: 10_000})
	err := p.Do(ctx, rctx, func(context.Context) error {
		cancel()
		return chain.NewError(chain.KindConnection, "connection reset")
	})
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindTimeout))
}

func TestDoSingleAttemptPolicy(t *testing.T) {
	calls := 0
	rctx := NewContext("get_balance", 1)
	err := testPolicy(1).Do(context.Background(), rctx, func(context.Context) error {
		calls++
		return chain.NewError(chain.KindConnection, "eof")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, chain.IsKind(err, chain.KindMaxRetryReached))
}

func TestNewPolicyClampsMaxAttempts(t *testing.T) {
	calls := 0
	p := NewPolicy(config.RetryConfig{MaxAttempts: 0})
	err := p.Do(context.Background(), NewContext("x", 1), func(context.Context) error {
		calls++
		return chain.NewError(chain.KindConnection, "eof")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
