package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
)

const (
	keychainService = "evmsniper"
	seedKey         = "evmsniper.master-seed"
)

// SeedSource resolves the operator seed that keys the wallet store. The OS
// keychain holds the seed; a config override wins when set.
type SeedSource struct {
	ring keyring.Keyring
}

// DefaultSeedSource returns a source backed by the OS keychain.
func DefaultSeedSource() *SeedSource {
	cfg := keyring.Config{
		ServiceName:              keychainService,
		KeychainTrustApplication: true,
	}

	// On Linux without a GUI, fall back to file-based storage.
	if runtime.GOOS == "linux" {
		cfg.AllowedBackends = []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.FileBackend,
		}
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		ring, _ = keyring.Open(keyring.Config{
			ServiceName:     keychainService,
			AllowedBackends: []keyring.BackendType{keyring.FileBackend},
		})
	}

	return &SeedSource{ring: ring}
}

// NewSeedSource wraps an already-open keyring. Tests use the file backend.
func NewSeedSource(ring keyring.Keyring) *SeedSource {
	return &SeedSource{ring: ring}
}

// Resolve returns the seed to key the store with. A non-empty override (from
// config) is used as-is; otherwise the keychain entry is returned, generated
// on first use.
func (s *SeedSource) Resolve(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if s.ring == nil {
		return "", fmt.Errorf("no keychain backend available and no seed configured")
	}

	item, err := s.ring.Get(seedKey)
	if err == nil && len(item.Data) > 0 {
		return string(item.Data), nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating seed: %w", err)
	}
	seed := hex.EncodeToString(raw)
	if err := s.ring.Set(keyring.Item{Key: seedKey, Data: []byte(seed)}); err != nil {
		return "", fmt.Errorf("keychain store: %w", err)
	}
	return seed, nil
}
