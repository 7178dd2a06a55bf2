package wallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/crosnoe/evmsniper/internal/chain"
)

// DefaultDerivationPath is the standard Ethereum account path.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// ImportMnemonic validates a BIP-39 phrase, derives the key at path and
// persists it like any other import. A malformed phrase or path fails with
// InvalidKeyMaterial and nothing is persisted.
func (s *Store) ImportMnemonic(phrase, passphrase, path string, chainID uint64, name string) (string, error) {
	phrase = strings.TrimSpace(phrase)
	if !bip39.IsMnemonicValid(phrase) {
		return "", chain.NewError(chain.KindInvalidKeyMaterial, "invalid mnemonic phrase")
	}
	if path == "" {
		path = DefaultDerivationPath
	}
	indices, err := parseDerivationPath(path)
	if err != nil {
		return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}

	seed := bip39.NewSeed(phrase, passphrase)
	defer zeroize(seed)

	node, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}
	for _, idx := range indices {
		node, err = node.Derive(idx)
		if err != nil {
			return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
		}
	}
	ecPriv, err := node.ECPrivKey()
	if err != nil {
		return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}
	raw := ecPriv.Serialize()
	defer zeroize(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return addr, s.add(addr, name, chainID, raw)
}

// parseDerivationPath turns "m/44'/60'/0'/0/0" into hdkeychain child indices.
func parseDerivationPath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, fmt.Errorf("derivation path must start with m/: %q", path)
	}
	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		if hardened {
			p = p[:len(p)-1]
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad path component %q: %w", p, err)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}
