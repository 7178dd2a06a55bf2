package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crosnoe/evmsniper/internal/chain"
	"github.com/crosnoe/evmsniper/internal/config"
	"github.com/crosnoe/evmsniper/internal/metrics"
)

func testCfg() config.PoolConfig {
	return config.PoolConfig{
		MaxRequestsPerSecond: 1000,
		MinConnections:       1,
		MaxConnections:       8,
		ConnectionTimeoutMS:  50,
		FailureThreshold:     3,
		BreakerBaseMS:        60_000,
		BreakerMaxMS:         300_000,
		GraceMS:              60_000,
	}
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNewNoEndpointsIsConfigError(t *testing.T) {
	_, err := New(56, nil, nil, testCfg())
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestNewMergesBackups(t *testing.T) {
	p, err := New(56, []string{"http://a", "http://b"}, []string{"http://c"}, testCfg())
	require.NoError(t, err)
	assert.Len(t, p.Snapshot(), 3)
}

func TestNewCapsAtMaxConnections(t *testing.T) {
	cfg := testCfg()
	cfg.MaxConnections = 2
	p, err := New(56, []string{"http://a", "http://b", "http://c"}, nil, cfg)
	require.NoError(t, err)
	assert.Len(t, p.Snapshot(), 2)
}

// ---------------------------------------------------------------------------
// Acquire: rotation and failover
// ---------------------------------------------------------------------------

func TestAcquireRoundRobins(t *testing.T) {
	p, err := New(56, []string{"http://a", "http://b"}, nil, testCfg())
	require.NoError(t, err)

	e1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	e2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, e1.URL(), e2.URL())
}

func TestAcquireSkipsTrippedEndpoint(t *testing.T) {
	p, err := New(56, []string{"http://a", "http://b"}, nil, testCfg())
	require.NoError(t, err)

	var a *Endpoint
	for i := 0; i < 2; i++ {
		e, err := p.Acquire(context.Background())
		require.NoError(t, err)
		if e.URL() == "http://a" {
			a = e
		}
	}
	require.NotNil(t, a)

	for i := 0; i < testCfg().FailureThreshold; i++ {
		p.ReportFailure(a, errors.New("connection refused"))
	}

	for i := 0; i < 4; i++ {
		e, err := p.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://b", e.URL())
	}
}

func TestAcquireAllTrippedWithinGraceIsBreakerError(t *testing.T) {
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < testCfg().FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindCircuitBreaker))
}

func TestAcquireAllTrippedBeyondGraceIsConnectionError(t *testing.T) {
	cfg := testCfg()
	cfg.GraceMS = 1
	p, err := New(56, []string{"http://a"}, nil, cfg)
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < cfg.FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	time.Sleep(10 * time.Millisecond)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindConnection))
}

func TestAcquireProbesEndpointAfterBreakerWindow(t *testing.T) {
	cfg := testCfg()
	cfg.BreakerBaseMS = 1
	p, err := New(56, []string{"http://a"}, nil, cfg)
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < cfg.FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	time.Sleep(5 * time.Millisecond)

	probe, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://a", probe.URL())
}

// ---------------------------------------------------------------------------
// health accounting
// ---------------------------------------------------------------------------

func TestReportFailureDegradesBeforeTripping(t *testing.T) {
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.ReportFailure(ep, errors.New("eof"))
	p.ReportFailure(ep, errors.New("eof"))

	info := p.Snapshot()[0]
	assert.Equal(t, StatusDegraded, info.Status)
	assert.Equal(t, 2, info.ConsecutiveFailures)
}

func TestReportSuccessRestoresHealth(t *testing.T) {
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < testCfg().FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	require.Equal(t, StatusUnhealthy, p.Snapshot()[0].Status)

	p.ReportSuccess(ep)
	info := p.Snapshot()[0]
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Equal(t, 0, info.ConsecutiveFailures)
	assert.True(t, info.OpenedUntil.IsZero())
}

func TestBreakerWindowDoublesAcrossTrips(t *testing.T) {
	cfg := testCfg()
	cfg.BreakerBaseMS = 50_000
	cfg.FailureThreshold = 1
	p, err := New(56, []string{"http://a"}, nil, cfg)
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.ReportFailure(ep, errors.New("eof"))
	first := p.Snapshot()[0].OpenedUntil

	p.ReportFailure(ep, errors.New("eof"))
	second := p.Snapshot()[0].OpenedUntil

	// The second trip opens a window roughly twice as long.
	assert.Greater(t, second.Sub(first), 40*time.Second)
}

// ---------------------------------------------------------------------------
// aggregate state
// ---------------------------------------------------------------------------

func TestStateOKOnFreshPool(t *testing.T) {
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)
	assert.Equal(t, StateOK, p.State())
}

func TestStateDegradedBelowMinConnections(t *testing.T) {
	cfg := testCfg()
	cfg.MinConnections = 2
	p, err := New(56, []string{"http://a", "http://b"}, nil, cfg)
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < cfg.FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	assert.Equal(t, StateDegraded, p.State())
}

func TestStateFailedAfterGrace(t *testing.T) {
	cfg := testCfg()
	cfg.GraceMS = 1
	p, err := New(56, []string{"http://a"}, nil, cfg)
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < cfg.FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateFailed, p.State())
}

// ---------------------------------------------------------------------------
// rate limiting
// ---------------------------------------------------------------------------

func TestAcquireRespectsRateBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRequestsPerSecond = 1
	cfg.ConnectionTimeoutMS = 1
	p, err := New(56, []string{"http://a"}, nil, cfg)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	// The bucket holds one token per second; a second immediate call cannot
	// be admitted before the 1ms acquire deadline.
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, chain.IsKind(err, chain.KindTimeout))
}

func TestSnapshotCountsRequests(t *testing.T) {
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.ReportSuccess(ep)
	p.ReportFailure(ep, errors.New("eof"))

	info := p.Snapshot()[0]
	assert.Equal(t, uint64(2), info.Requests)
	assert.Equal(t, uint64(1), info.Failures)
}

// ---------------------------------------------------------------------------
// metrics
// ---------------------------------------------------------------------------

func TestBreakerGaugeTracksOpenEndpoints(t *testing.T) {
	m, _ := metrics.New("test_pool_breaker")
	p, err := New(56, []string{"http://a"}, nil, testCfg())
	require.NoError(t, err)
	p.SetMetrics(m)

	ep, err := p.Acquire(context.Background())
	require.NoError(t, err)
	for i := 0; i < testCfg().FailureThreshold; i++ {
		p.ReportFailure(ep, errors.New("eof"))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointsOpen.WithLabelValues("56")))

	// Failures while already open must not inflate the gauge.
	p.ReportFailure(ep, errors.New("eof"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointsOpen.WithLabelValues("56")))

	p.ReportSuccess(ep)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EndpointsOpen.WithLabelValues("56")))
}

func TestRotationCountedOnFailover(t *testing.T) {
	m, _ := metrics.New("test_pool_rotation")
	p, err := New(56, []string{"http://a", "http://b"}, nil, testCfg())
	require.NoError(t, err)
	p.SetMetrics(m)

	// Advance the cursor past both endpoints so it points back at "a",
	// then trip "a". The next pick has to skip over it.
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://a", a.URL())
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	for i := 0; i < testCfg().FailureThreshold; i++ {
		p.ReportFailure(a, errors.New("eof"))
	}

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://b", e.URL())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rotations.WithLabelValues("56")))
}
