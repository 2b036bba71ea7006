package custodian

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"
)

// StaticKeystore is an in-memory backing that reports a configured isolation
// tier and attestation chain. It stands in for hardware providers in tests
// and for integrations whose attestation chain is produced out of band.
type StaticKeystore struct {
	// Tier reported for every generated key.
	Tier Tier
	// Chain returned for generated keys, leaf first.
	Chain [][]byte
	// FailGenerate makes Generate fail, exercising ladder fallback.
	FailGenerate bool

	mu        sync.Mutex
	keys      map[string]Key
	challenge []byte
	generates int
}

// Load returns a previously generated key.
func (s *StaticKeystore) Load(alias string) (Key, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[alias]
	return key, ok, nil
}

// Generate creates an in-memory P-256 key tagged with the configured tier
// and chain, recording the attestation challenge it was asked to commit to.
func (s *StaticKeystore) Generate(alias string, challenge []byte) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailGenerate {
		return Key{}, fmt.Errorf("custodian: backing unavailable for %q", alias)
	}
	if _, exists := s.keys[alias]; exists {
		return Key{}, fmt.Errorf("custodian: key %q already exists", alias)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("custodian: generate key: %w", err)
	}

	key := Key{Signer: priv, Tier: s.Tier, Chain: s.Chain}
	if s.keys == nil {
		s.keys = make(map[string]Key)
	}
	s.keys[alias] = key
	s.challenge = append([]byte(nil), challenge...)
	s.generates++
	return key, nil
}

// Challenge returns the attestation challenge passed to the last Generate.
func (s *StaticKeystore) Challenge() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// Generates returns how many keys this backing has created.
func (s *StaticKeystore) Generates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generates
}
