// Package nonce issues per-wallet, per-chain transaction nonces. Concurrent
// senders from the same wallet receive strictly increasing values; nonces are
// re-synced against the chain's pending transaction count when the cache
// expires.
package nonce

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reader is the slice of chain access the manager needs.
type Reader interface {
	PendingNonceAt(ctx context.Context, chainID uint64, address string) (uint64, error)
}

type key struct {
	chainID uint64
	address string
}

type entry struct {
	mu          sync.Mutex
	next        uint64
	refreshedAt time.Time
	synced      bool
}

// Manager hands out nonces. The top-level mutex guards only the entry map;
// each (chain, address) pair has its own lock so independent wallets do not
// contend.
type Manager struct {
	mu      sync.Mutex
	entries map[key]*entry
	reader  Reader
	ttl     time.Duration
}

// NewManager creates a manager with the given cache TTL.
func NewManager(reader Reader, cacheTTL time.Duration) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Manager{
		entries: make(map[key]*entry),
		reader:  reader,
		ttl:     cacheTTL,
	}
}

func (m *Manager) entry(chainID uint64, address string) *entry {
	k := key{chainID, normalize(address)}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e
}

// GetNext atomically reserves and returns the next nonce for the address.
// On first use, or once the cache window elapses, the value is re-synced
// from the chain's pending transaction count; the maximum of the cached and
// chain value is retained so locally pending transactions are not clobbered.
// A failed chain read propagates; a guessed nonce is never returned.
func (m *Manager) GetNext(ctx context.Context, chainID uint64, address string) (uint64, error) {
	e := m.entry(chainID, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.synced || time.Since(e.refreshedAt) > m.ttl {
		onChain, err := m.reader.PendingNonceAt(ctx, chainID, address)
		if err != nil {
			return 0, fmt.Errorf("refreshing nonce for %s: %w", address, err)
		}
		if onChain > e.next {
			e.next = onChain
		}
		e.refreshedAt = time.Now()
		e.synced = true
	}

	n := e.next
	e.next++
	return n, nil
}

// Reset forces a re-sync on the next GetNext. Called after a NonceError, or
// by callers that confirmed a reserved nonce was never submitted.
func (m *Manager) Reset(chainID uint64, address string) {
	e := m.entry(chainID, address)
	e.mu.Lock()
	e.synced = false
	e.mu.Unlock()
}

// Update records a confirmed nonce so the cache is at least observed+1.
func (m *Manager) Update(chainID uint64, address string, observed uint64) {
	e := m.entry(chainID, address)
	e.mu.Lock()
	if observed+1 > e.next {
		e.next = observed + 1
	}
	e.mu.Unlock()
}

func normalize(address string) string {
	// Addresses compare case-insensitively; EIP-55 checksums differ per source.
	b := []byte(address)
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
