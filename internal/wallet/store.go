// Package wallet persists signing keys encrypted at rest and produces
// signatures on demand. Plaintext key material never leaves the signing call
// and is zeroized before it returns.
package wallet

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"

	"github.com/crosnoe/evmsniper/internal/chain"
)

// Wallet file format:
//
//	magic  [4]byte  "WLT1"
//	version byte    1
//	salt   [32]byte scrypt salt
//	logN   byte     scrypt N = 1 << logN
//	r, p   byte     scrypt r and p
//	nonce  [12]byte AES-GCM nonce for the payload
//	mac    [32]byte HMAC-SHA256 over the ciphertext
//	ciphertext ...  AES-256-GCM sealed JSON array of entries
const (
	fileMagic   = "WLT1"
	fileVersion = 1

	saltLen  = 32
	nonceLen = 12
	macLen   = 32

	defaultLogN = 15
	defaultR    = 8
	defaultP    = 1
)

// Errors mirrored from the chain taxonomy for callers that match sentinels.
var (
	ErrWalletNotFound = chain.NewError(chain.KindWalletNotFound, "")
	ErrInvalidKey     = chain.NewError(chain.KindInvalidKeyMaterial, "")
	ErrWalletExists   = errors.New("wallet already exists")
)

// encryptedKey is a per-wallet sealed private key.
type encryptedKey struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// entry is the persisted wallet record. Plaintext keys are never stored.
type entry struct {
	Address             string       `json:"address"`
	Name                string       `json:"name"`
	ChainID             uint64       `json:"chain_id"`
	EncryptedPrivateKey encryptedKey `json:"encrypted_private_key"`
	CreatedAt           string       `json:"created_at"`
}

// SafeView is the only wallet representation handed to callers. It carries
// no key material by construction.
type SafeView struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	ChainID   uint64 `json:"chain_id"`
	CreatedAt string `json:"created_at"`
}

// Store is the encrypted wallet store.
type Store struct {
	path string

	mu      sync.RWMutex
	entries map[string]*entry // keyed by lowercase address

	encKey []byte // AES-256 key
	macKey []byte // HMAC key
	salt   []byte
	logN   byte
	r, p   byte
}

// Open loads (or initializes) the store at path, deriving the master key from
// seed via scrypt. A corrupted or truncated file fails with
// InvalidKeyMaterial and leaves no partial state behind.
func Open(path, seed string) (*Store, error) {
	if seed == "" {
		return nil, chain.NewError(chain.KindInvalidKeyMaterial, "empty encryption seed")
	}

	s := &Store{
		path:    path,
		entries: make(map[string]*entry),
		logN:    defaultLogN,
		r:       defaultR,
		p:       defaultP,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.salt = make([]byte, saltLen)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, fmt.Errorf("generating salt: %w", err)
		}
		if err := s.deriveKeys(seed); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading wallet store: %w", err)
	}

	if err := s.decode(data, seed); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) deriveKeys(seed string) error {
	derived, err := scrypt.Key([]byte(seed), s.salt, 1<<uint(s.logN), int(s.r), int(s.p), 64)
	if err != nil {
		return fmt.Errorf("deriving master key: %w", err)
	}
	s.encKey = derived[:32]
	s.macKey = derived[32:]
	return nil
}

func (s *Store) decode(data []byte, seed string) error {
	header := 4 + 1 + saltLen + 3 + nonceLen + macLen
	if len(data) < header || string(data[:4]) != fileMagic {
		return chain.NewError(chain.KindInvalidKeyMaterial, "not a wallet store file")
	}
	if data[4] != fileVersion {
		return chain.NewError(chain.KindInvalidKeyMaterial,
			fmt.Sprintf("unsupported wallet store version %d", data[4]))
	}
	off := 5
	s.salt = append([]byte(nil), data[off:off+saltLen]...)
	off += saltLen
	s.logN, s.r, s.p = data[off], data[off+1], data[off+2]
	off += 3
	nonce := data[off : off+nonceLen]
	off += nonceLen
	mac := data[off : off+macLen]
	off += macLen
	ciphertext := data[off:]

	if err := s.deriveKeys(seed); err != nil {
		return err
	}

	h := hmac.New(sha256.New, s.macKey)
	h.Write(ciphertext)
	if !hmac.Equal(h.Sum(nil), mac) {
		return chain.NewError(chain.KindInvalidKeyMaterial, "wallet store MAC mismatch")
	}

	payload, err := s.open(nonce, ciphertext)
	if err != nil {
		return chain.NewError(chain.KindInvalidKeyMaterial, "wallet store payload corrupt")
	}
	defer zeroize(payload)

	var entries []*entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return chain.NewError(chain.KindInvalidKeyMaterial, "wallet store payload unparseable")
	}
	for _, e := range entries {
		s.entries[lower(e.Address)] = e
	}
	return nil
}

// persist writes the whole store atomically (write temp file, rename).
func (s *Store) persist() error {
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	defer zeroize(payload)

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext, err := s.seal(nonce, payload)
	if err != nil {
		return err
	}

	h := hmac.New(sha256.New, s.macKey)
	h.Write(ciphertext)
	mac := h.Sum(nil)

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	buf.WriteByte(fileVersion)
	buf.Write(s.salt)
	buf.WriteByte(s.logN)
	buf.WriteByte(s.r)
	buf.WriteByte(s.p)
	buf.Write(nonce)
	buf.Write(mac)
	buf.Write(ciphertext)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) seal(nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func (s *Store) open(nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// sealKey encrypts one private key with a fresh nonce.
func (s *Store) sealKey(raw []byte) (encryptedKey, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return encryptedKey{}, err
	}
	ct, err := s.seal(nonce, raw)
	if err != nil {
		return encryptedKey{}, err
	}
	return encryptedKey{
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ct),
	}, nil
}

func (s *Store) openKey(ek encryptedKey) ([]byte, error) {
	nonce, err := hex.DecodeString(ek.Nonce)
	if err != nil {
		return nil, chain.NewError(chain.KindInvalidKeyMaterial, "bad key nonce")
	}
	ct, err := hex.DecodeString(ek.Ciphertext)
	if err != nil {
		return nil, chain.NewError(chain.KindInvalidKeyMaterial, "bad key ciphertext")
	}
	raw, err := s.open(nonce, ct)
	if err != nil {
		return nil, chain.NewError(chain.KindInvalidKeyMaterial, "key decryption failed")
	}
	return raw, nil
}

// CreateRandom generates a new key, encrypts and persists it, and returns
// the derived address.
func (s *Store) CreateRandom(chainID uint64, name string) (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	raw := crypto.FromECDSA(key)
	defer zeroize(raw)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return addr, s.add(addr, name, chainID, raw)
}

// ImportPrivateKey validates, encrypts and persists a hex private key.
// Nothing is persisted when the key is malformed.
func (s *Store) ImportPrivateKey(hexKey string, chainID uint64, name string) (string, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(hexKey))
	if err != nil {
		return "", chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}
	raw := crypto.FromECDSA(key)
	defer zeroize(raw)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	return addr, s.add(addr, name, chainID, raw)
}

func (s *Store) add(addr, name string, chainID uint64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[lower(addr)]; exists {
		return ErrWalletExists
	}
	ek, err := s.sealKey(raw)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	s.entries[lower(addr)] = &entry{
		Address:             addr,
		Name:                name,
		ChainID:             chainID,
		EncryptedPrivateKey: ek,
		CreatedAt:           time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.persist(); err != nil {
		delete(s.entries, lower(addr))
		return fmt.Errorf("persisting wallet store: %w", err)
	}
	return nil
}

// List returns safe views of all wallets. No key material is exposed.
func (s *Store) List() []SafeView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SafeView, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, SafeView{
			Address:   e.Address,
			Name:      e.Name,
			ChainID:   e.ChainID,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

// Get returns the safe view for one address.
func (s *Store) Get(address string) (SafeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[lower(address)]
	if !ok {
		return SafeView{}, chain.NewError(chain.KindWalletNotFound, address)
	}
	return SafeView{Address: e.Address, Name: e.Name, ChainID: e.ChainID, CreatedAt: e.CreatedAt}, nil
}

// SignTransaction decrypts the wallet key just-in-time, signs the transaction
// with the chain's London signer, zeroizes the plaintext and returns the raw
// signed bytes.
func (s *Store) SignTransaction(address string, tx *types.Transaction, chainID uint64) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[lower(address)]
	s.mu.RUnlock()
	if !ok {
		return nil, chain.NewError(chain.KindWalletNotFound, address)
	}

	raw, err := s.openKey(e.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	defer zeroize(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, chain.WrapError(chain.KindInvalidKeyMaterial, err)
	}
	defer func() {
		if key.D != nil {
			key.D.SetInt64(0)
		}
	}()

	signer := types.NewLondonSigner(new(big.Int).SetUint64(chainID))
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed.MarshalBinary()
}

// Remove erases the wallet record.
func (s *Store) Remove(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[lower(address)]; !ok {
		return chain.NewError(chain.KindWalletNotFound, address)
	}
	delete(s.entries, lower(address))
	return s.persist()
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[:2] == "0x" {
		return s[2:]
	}
	return s
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
