// Package retry provides uniform, classification-driven retry for all chain
// operations. Each failure is classified into a chain.ErrorKind and looked up
// in a per-class behavior table that decides whether to retry, how long to
// back off, whether to rotate endpoints, and whether the caller should mutate
// the request before the next attempt.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
)

// Mutation tells the caller how to change the request before the next attempt.
type Mutation int

const (
	MutateNone Mutation = iota
	// MutateBumpGasLimit raises the gas limit by 30%.
	MutateBumpGasLimit
	// MutateBumpGasPrice raises the gas price by 15%.
	MutateBumpGasPrice
	// MutateResyncNonce re-syncs the nonce and re-signs.
	MutateResyncNonce
)

// Mutator is the caller hook invoked before a retry that requires a request
// change. Returning an error aborts the retry loop with that error.
type Mutator func(kind chain.ErrorKind, mutation Mutation, attempt int) error

// Context tracks one retried operation.
type Context struct {
	Operation string
	Endpoint  string
	ChainID   uint64
	Attempt   int
	Rotations int
	Start     time.Time

	// Mutate is optional; operations without mutable requests leave it nil.
	Mutate Mutator
}

// NewContext creates a retry context for an operation.
func NewContext(operation string, chainID uint64) *Context {
	return &Context{Operation: operation, ChainID: chainID, Start: time.Now()}
}

type behavior struct {
	retry    bool
	maxTries int // 0 means the policy-wide cap applies
	backoff  backoffKind
	rotate   bool
	mutation Mutation
}

type backoffKind int

const (
	backoffNone backoffKind = iota
	backoffShort
	backoffExpo
)

// behaviorFor implements the per-class contract table.
func behaviorFor(kind chain.ErrorKind) behavior {
	switch kind {
	case chain.KindConnection, chain.KindTimeout, chain.KindRateLimited,
		chain.KindCircuitBreaker:
		return behavior{retry: true, backoff: backoffExpo, rotate: true}
	case chain.KindInsufficientGas:
		return behavior{retry: true, maxTries: 1, mutation: MutateBumpGasLimit}
	case chain.KindUnderpriced:
		return behavior{retry: true, backoff: backoffShort, mutation: MutateBumpGasPrice}
	case chain.KindNonce:
		return behavior{retry: true, maxTries: 1, mutation: MutateResyncNonce}
	case chain.KindReverted, chain.KindGasCap, chain.KindInvalidKeyMaterial,
		chain.KindWalletNotFound, chain.KindNotImplemented, chain.KindMaxRetryReached:
		return behavior{retry: false}
	case chain.KindBlockNotFound, chain.KindTxNotFound:
		return behavior{retry: true, maxTries: 3, backoff: backoffShort}
	default:
		return behavior{retry: true, backoff: backoffExpo, rotate: true}
	}
}

// Policy executes operations under the retry contract.
type Policy struct {
	cfg config.RetryConfig
}

// NewPolicy creates a policy from config.
func NewPolicy(cfg config.RetryConfig) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Policy{cfg: cfg}
}

// Do runs op until it succeeds, a non-retryable error occurs, or the attempt
// or wall-clock budget is exhausted. op receives the attempt context and is
// expected to acquire a fresh endpoint on each call, which is what makes
// rotation effective.
func (p *Policy) Do(ctx context.Context, rctx *Context, op func(context.Context) error) error {
	_, err := Do(ctx, p, rctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, op(c)
	})
	return err
}

// Do runs op and returns its value under the policy. The free function form
// exists because methods cannot have type parameters.
func Do[T any](ctx context.Context, p *Policy, rctx *Context, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	perKind := map[chain.ErrorKind]int{}
	cap := time.Duration(p.cfg.TotalCapMS) * time.Millisecond

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		rctx.Attempt = attempt + 1

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		kind := chain.KindOf(err)
		b := behaviorFor(kind)
		if !b.retry {
			return zero, err
		}
		perKind[kind]++
		if b.maxTries > 0 && perKind[kind] > b.maxTries {
			break
		}
		if cap > 0 && time.Since(rctx.Start) > cap {
			break
		}
		if attempt == p.cfg.MaxAttempts-1 {
			break
		}

		if b.mutation != MutateNone {
			// Re-submitting the identical request cannot fix these; without a
			// mutator installed the error surfaces to a layer that has one.
			if rctx.Mutate == nil {
				return zero, err
			}
			if merr := rctx.Mutate(kind, b.mutation, rctx.Attempt); merr != nil {
				return zero, merr
			}
		}
		if b.rotate {
			rctx.Rotations++
		}

		if d := p.backoff(b.backoff, attempt); d > 0 {
			select {
			case <-ctx.Done():
				return zero, chain.WrapError(chain.KindTimeout, ctx.Err())
			case <-time.After(d):
			}
		}
	}

	return zero, &chain.Error{
		Kind:     chain.KindMaxRetryReached,
		Msg:      rctx.Operation,
		Attempts: rctx.Attempt,
		Err:      lastErr,
	}
}

func (p *Policy) backoff(kind backoffKind, attempt int) time.Duration {
	base := time.Duration(p.cfg.BaseMS) * time.Millisecond
	switch kind {
	case backoffNone:
		return 0
	case backoffShort:
		return base
	default:
		d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		if max := time.Duration(p.cfg.MaxMS) * time.Millisecond; max > 0 && d > max {
			d = max
		}
		if p.cfg.JitterMS > 0 {
			d += time.Duration(rand.Int63n(int64(p.cfg.JitterMS))) * time.Millisecond
		}
		return d
	}
}
