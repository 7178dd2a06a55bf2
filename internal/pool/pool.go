// Package pool treats each chain as a fleet of interchangeable RPC endpoints
// and hides endpoint selection, rotation, rate limits and circuit breaking
// from callers.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/metrics"
)

// Status is the health state of a single endpoint.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// State is the aggregate health of the pool.
type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// Endpoint is one RPC URL with its mutable health and rate-limit state.
type Endpoint struct {
	url    string
	client *chain.EVMClient

	mu               sync.Mutex
	status           Status
	consecutiveFails int
	lastSuccess      time.Time
	requests         uint64
	failures         uint64
	openedUntil      time.Time     // circuit breaker window end
	breakerWindow    time.Duration // doubles on each trip, resets on success

	// token bucket
	tokens     float64
	lastRefill time.Time
}

// URL returns the endpoint's RPC URL.
func (e *Endpoint) URL() string { return e.url }

// Client returns the JSON-RPC client bound to this endpoint.
func (e *Endpoint) Client() *chain.EVMClient { return e.client }

// Info is a read-only snapshot of endpoint state, served by get_rpc_health.
type Info struct {
	URL                 string    `json:"url"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	Requests            uint64    `json:"requests"`
	Failures            uint64    `json:"failures"`
	OpenedUntil         time.Time `json:"opened_until,omitempty"`
}

// Pool is a per-chain collection of endpoints with round-robin selection.
type Pool struct {
	chainID uint64
	cfg     config.PoolConfig

	mu          sync.Mutex
	endpoints   []*Endpoint
	cursor      int
	lastHealthy time.Time

	metrics *metrics.Metrics
	logger  *log.Logger
}

// SetMetrics attaches a metrics sink. Call before the pool serves traffic.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// New builds a pool from primary and backup URLs.
// An empty URL list is a configuration error.
func New(chainID uint64, urls, backups []string, cfg config.PoolConfig) (*Pool, error) {
	all := make([]string, 0, len(urls)+len(backups))
	all = append(all, urls...)
	all = append(all, backups...)
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: chain %d has no RPC endpoints", config.ErrInvalid, chainID)
	}
	if cfg.MaxConnections > 0 && len(all) > cfg.MaxConnections {
		all = all[:cfg.MaxConnections]
	}

	p := &Pool{
		chainID:     chainID,
		cfg:         cfg,
		lastHealthy: time.Now(),
		logger:      log.New(log.Writer(), fmt.Sprintf("[pool %d] ", chainID), log.LstdFlags),
	}
	now := time.Now()
	for _, u := range all {
		p.endpoints = append(p.endpoints, &Endpoint{
			url:           u,
			client:        chain.NewEVMClient(u),
			status:        StatusHealthy,
			breakerWindow: time.Duration(cfg.BreakerBaseMS) * time.Millisecond,
			tokens:        cfg.MaxRequestsPerSecond,
			lastRefill:    now,
		})
	}
	return p, nil
}

// ChainID returns the chain this pool serves.
func (p *Pool) ChainID() uint64 { return p.chainID }

// Acquire returns a healthy, rate-limit-admitted endpoint.
// When the pool has had no healthy endpoint for longer than the grace window
// the error is terminal; otherwise callers may retry.
func (p *Pool) Acquire(ctx context.Context) (*Endpoint, error) {
	deadline := time.Now().Add(time.Duration(p.cfg.ConnectionTimeoutMS) * time.Millisecond)

	for {
		ep, err := p.pick()
		if err != nil {
			return nil, err
		}
		wait := ep.admit(p.cfg.MaxRequestsPerSecond)
		if wait <= 0 {
			return ep, nil
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, chain.NewError(chain.KindTimeout,
				fmt.Sprintf("rate budget exhausted on %s", ep.url))
		}
		select {
		case <-ctx.Done():
			return nil, chain.WrapError(chain.KindTimeout, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// pick selects the next eligible endpoint round-robin. Healthy endpoints are
// preferred; with none available one degraded endpoint is promoted to trial,
// and an unhealthy endpoint whose breaker window elapsed gets a probe.
func (p *Pool) pick() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	now := time.Now()

	var degraded, expired *Endpoint
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.cursor+i)%n]
		ep.mu.Lock()
		st, opened := ep.status, ep.openedUntil
		ep.mu.Unlock()
		switch {
		case st == StatusHealthy:
			p.cursor = (p.cursor + i + 1) % n
			p.lastHealthy = now
			if i > 0 {
				p.metrics.AddRotation(p.chainID)
			}
			return ep, nil
		case st == StatusDegraded && degraded == nil:
			degraded = ep
		case st == StatusUnhealthy && now.After(opened) && expired == nil:
			expired = ep
		}
	}

	if degraded != nil {
		p.lastHealthy = now
		p.metrics.AddRotation(p.chainID)
		return degraded, nil
	}
	if expired != nil {
		p.metrics.AddRotation(p.chainID)
		return expired, nil
	}

	grace := time.Duration(p.cfg.GraceMS) * time.Millisecond
	if now.Sub(p.lastHealthy) > grace {
		return nil, chain.NewError(chain.KindConnection,
			fmt.Sprintf("no healthy endpoints for chain %d beyond grace window", p.chainID))
	}
	return nil, chain.NewError(chain.KindCircuitBreaker,
		fmt.Sprintf("all endpoints for chain %d are cooling down", p.chainID))
}

// ReportSuccess records a successful call against the endpoint.
func (p *Pool) ReportSuccess(ep *Endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.requests++
	ep.consecutiveFails = 0
	ep.lastSuccess = time.Now()
	if ep.status != StatusHealthy {
		if ep.status == StatusUnhealthy {
			p.metrics.AddBreakerOpen(p.chainID, -1)
		}
		ep.status = StatusHealthy
		ep.breakerWindow = time.Duration(p.cfg.BreakerBaseMS) * time.Millisecond
		ep.openedUntil = time.Time{}
	}
}

// ReportFailure records a failed call; after the configured threshold of
// consecutive failures the endpoint's breaker opens for a doubling window.
func (p *Pool) ReportFailure(ep *Endpoint, err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.requests++
	ep.failures++
	ep.consecutiveFails++

	threshold := p.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	switch {
	case ep.consecutiveFails >= threshold:
		if ep.status != StatusUnhealthy {
			p.metrics.AddBreakerOpen(p.chainID, 1)
		}
		ep.status = StatusUnhealthy
		ep.openedUntil = time.Now().Add(ep.breakerWindow)
		p.logger.Printf("breaker open on %s for %s (%d consecutive failures): %v",
			ep.url, ep.breakerWindow, ep.consecutiveFails, err)
		next := ep.breakerWindow * 2
		if max := time.Duration(p.cfg.BreakerMaxMS) * time.Millisecond; max > 0 && next > max {
			next = max
		}
		ep.breakerWindow = next
	case ep.consecutiveFails >= threshold/2+1:
		ep.status = StatusDegraded
	}
}

// State reports the aggregate pool state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0
	for _, ep := range p.endpoints {
		ep.mu.Lock()
		if ep.status == StatusHealthy {
			healthy++
		}
		ep.mu.Unlock()
	}
	grace := time.Duration(p.cfg.GraceMS) * time.Millisecond
	switch {
	case healthy == 0 && time.Since(p.lastHealthy) > grace:
		return StateFailed
	case healthy < p.cfg.MinConnections:
		return StateDegraded
	default:
		return StateOK
	}
}

// Snapshot returns per-endpoint health for monitoring.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	eps := make([]*Endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	p.mu.Unlock()

	out := make([]Info, 0, len(eps))
	for _, ep := range eps {
		ep.mu.Lock()
		out = append(out, Info{
			URL:                 ep.url,
			Status:              ep.status,
			ConsecutiveFailures: ep.consecutiveFails,
			LastSuccess:         ep.lastSuccess,
			Requests:            ep.requests,
			Failures:            ep.failures,
			OpenedUntil:         ep.openedUntil,
		})
		ep.mu.Unlock()
	}
	return out
}

// HealthCheck pings every endpoint once and updates its state.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	eps := make([]*Endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	p.mu.Unlock()

	for _, ep := range eps {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, _, err := ep.client.Ping(pingCtx)
		cancel()
		if err != nil {
			p.ReportFailure(ep, err)
		} else {
			p.ReportSuccess(ep)
		}
	}
}

// StartHealthLoop runs HealthCheck on the configured interval until ctx ends.
func (p *Pool) StartHealthLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.HealthCheckIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.HealthCheck(ctx)
			}
		}
	}()
}

// admit takes one token from the endpoint's bucket, returning 0 when the call
// is admitted or the duration to wait before the next token is available.
func (e *Endpoint) admit(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.tokens += now.Sub(e.lastRefill).Seconds() * rps
	if e.tokens > rps {
		e.tokens = rps
	}
	e.lastRefill = now

	if e.tokens >= 1 {
		e.tokens--
		return 0
	}
	deficit := 1 - e.tokens
	return time.Duration(deficit / rps * float64(time.Second))
}
