package custodian

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// wrapInfo is the HKDF domain separator for the at-rest key-wrapping key.
const wrapInfo = "verisnap:keystore:wrap:v1"

// keystoreFile is the on-disk JSON format. Each entry is the AES-GCM
// ciphertext (nonce-prefixed, base64) of the PKCS#8 private key.
type keystoreFile struct {
	Version int               `json:"version"`
	Keys    map[string]string `json:"keys"`
}

// SoftKeystore is the software-only fallback backing. Private keys are
// secp256r1, encrypted at rest with AES-256-GCM under a key derived from a
// device secret via HKDF-SHA256, and stored in a 0600 JSON file.
//
// Keys provisioned here report TierSoftware and carry no attestation chain.
type SoftKeystore struct {
	mu     sync.Mutex
	path   string
	secret []byte
}

// NewSoftKeystore returns a keystore persisting to path, wrapping keys under
// deviceSecret. The file is created lazily on first Generate.
func NewSoftKeystore(path string, deviceSecret []byte) (*SoftKeystore, error) {
	if len(deviceSecret) == 0 {
		return nil, errors.New("custodian: device secret must not be empty")
	}
	return &SoftKeystore{
		path:   path,
		secret: append([]byte(nil), deviceSecret...),
	}, nil
}

// Load returns the key stored under alias, if any.
func (s *SoftKeystore) Load(alias string) (Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, err := s.read()
	if err != nil {
		return Key{}, false, err
	}

	encoded, ok := store.Keys[alias]
	if !ok {
		return Key{}, false, nil
	}

	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Key{}, false, fmt.Errorf("custodian: decode key %q: %w", alias, err)
	}

	der, err := s.unwrap(alias, ct)
	if err != nil {
		return Key{}, false, err
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return Key{}, false, fmt.Errorf("custodian: parse key %q: %w", alias, err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return Key{}, false, fmt.Errorf("custodian: key %q is not an EC key", alias)
	}

	return Key{Signer: priv, Tier: TierSoftware}, true, nil
}

// Generate creates a fresh P-256 key under alias and persists it. The
// attestation challenge is ignored: software keys cannot commit to one.
func (s *SoftKeystore) Generate(alias string, _ []byte) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, err := s.read()
	if err != nil {
		return Key{}, err
	}
	if _, exists := store.Keys[alias]; exists {
		return Key{}, fmt.Errorf("custodian: key %q already exists", alias)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("custodian: generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Key{}, fmt.Errorf("custodian: marshal key: %w", err)
	}

	ct, err := s.wrap(alias, der)
	if err != nil {
		return Key{}, err
	}

	store.Keys[alias] = base64.StdEncoding.EncodeToString(ct)
	if err := s.persist(store); err != nil {
		return Key{}, err
	}

	return Key{Signer: priv, Tier: TierSoftware}, nil
}

func (s *SoftKeystore) read() (*keystoreFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &keystoreFile{Version: 1, Keys: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("custodian: read keystore: %w", err)
	}

	var store keystoreFile
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("custodian: parse keystore: %w", err)
	}
	if store.Keys == nil {
		store.Keys = map[string]string{}
	}
	return &store, nil
}

func (s *SoftKeystore) persist(store *keystoreFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("custodian: create keystore dir: %w", err)
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("custodian: marshal keystore: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("custodian: write keystore: %w", err)
	}
	return nil
}

// wrappingKey derives the per-alias AES-256 key from the device secret.
func (s *SoftKeystore) wrappingKey(alias string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, s.secret, []byte(alias), []byte(wrapInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("custodian: derive wrapping key: %w", err)
	}
	return key, nil
}

func (s *SoftKeystore) wrap(alias string, plaintext []byte) ([]byte, error) {
	gcm, err := s.aead(alias)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("custodian: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *SoftKeystore) unwrap(alias string, ciphertext []byte) ([]byte, error) {
	gcm, err := s.aead(alias)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("custodian: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("custodian: unwrap key: %w", err)
	}
	return pt, nil
}

func (s *SoftKeystore) aead(alias string) (cipher.AEAD, error) {
	key, err := s.wrappingKey(alias)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("custodian: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("custodian: gcm: %w", err)
	}
	return gcm, nil
}
