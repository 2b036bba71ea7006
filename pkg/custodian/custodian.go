// Package custodian owns the device signing key.
//
// The key lives behind a Keystore provider (secure element, hardware-backed
// store, or the software fallback in this package) and is provisioned at
// most once per installation. Only the public half and, for hardware-backed
// keys, the attestation certificate chain ever leave the provider.
package custodian

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Tier is the isolation level achieved for the signing key, weakest first.
type Tier int

const (
	TierSoftware Tier = iota
	TierHardware
	TierSecureElement
)

func (t Tier) String() string {
	switch t {
	case TierSoftware:
		return "software"
	case TierHardware:
		return "hardware"
	case TierSecureElement:
		return "secure-element"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// HardwareIsolated reports whether the key material is confined outside the
// application process.
func (t Tier) HardwareIsolated() bool { return t > TierSoftware }

// Key is a provisioned signing key as surfaced by a Keystore. Chain holds
// the attestation certificates (leaf first) for hardware-backed keys and is
// nil otherwise.
type Key struct {
	Signer crypto.Signer
	Tier   Tier
	Chain  [][]byte
}

// Keystore abstracts the concrete key backing. Implementations must never
// expose raw private key material.
type Keystore interface {
	// Load returns the key stored under alias, reporting false if none exists.
	Load(alias string) (Key, bool, error)

	// Generate creates a new sign/verify P-256 key under alias. A non-nil
	// challenge is embedded as the attestation challenge so the resulting
	// certificate commits to it; software backings may ignore it.
	Generate(alias string, challenge []byte) (Key, error)
}

// ErrKeyUnavailable is returned by Sign before any key has been provisioned.
var ErrKeyUnavailable = errors.New("custodian: no provisioned signing key")

// SigningError reports a failure inside the cryptographic provider.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("custodian: sign: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// DefaultAlias is the fixed alias of the device signing key.
const DefaultAlias = "verisnap.capture.signing"

// Custodian provisions and uses the device signing key. The zero value is
// not usable; construct with New.
type Custodian struct {
	alias  string
	ladder []Keystore
	logger *slog.Logger

	mu  sync.Mutex
	key *Key
}

// Option configures a Custodian.
type Option func(*Custodian)

// WithAlias overrides the key alias.
func WithAlias(alias string) Option {
	return func(c *Custodian) { c.alias = alias }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Custodian) { c.logger = l }
}

// New returns a Custodian over the given keystore ladder, ordered strongest
// isolation first. Provisioning walks the ladder and settles on the first
// backing that succeeds.
func New(ladder []Keystore, opts ...Option) *Custodian {
	c := &Custodian{
		alias:  DefaultAlias,
		ladder: ladder,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureKey provisions the signing key if it does not exist yet. It is
// idempotent and safe for concurrent use: exactly one generation occurs and
// every caller observes the same key. A non-nil challenge is forwarded to
// the keystore as the attestation challenge.
func (c *Custodian) EnsureKey(ctx context.Context, challenge []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("custodian: ensure key: %w", err)
	}

	// An existing key always wins over generating a fresh one.
	for _, ks := range c.ladder {
		key, ok, err := ks.Load(c.alias)
		if err != nil {
			return fmt.Errorf("custodian: load key %q: %w", c.alias, err)
		}
		if ok {
			c.key = &key
			c.logger.Info("signing key loaded", "alias", c.alias, "tier", key.Tier)
			return nil
		}
	}

	var lastErr error
	for _, ks := range c.ladder {
		key, err := ks.Generate(c.alias, challenge)
		if err != nil {
			// Fall back to the next weaker tier rather than failing.
			c.logger.Warn("keystore rejected key generation, falling back",
				"alias", c.alias, "error", err)
			lastErr = err
			continue
		}
		c.key = &key
		c.logger.Info("signing key generated", "alias", c.alias, "tier", key.Tier,
			"attested", len(key.Chain) > 0)
		return nil
	}

	return fmt.Errorf("custodian: all keystores failed for %q: %w", c.alias, lastErr)
}

// Sign signs message with SHA256withECDSA and returns the signature, the
// DER-encoded public key, and the isolation tier of the key.
func (c *Custodian) Sign(message []byte) (sig, pubDER []byte, tier Tier, err error) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	if key == nil {
		return nil, nil, 0, ErrKeyUnavailable
	}

	digest := sha256.Sum256(message)
	sig, err = key.Signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, nil, 0, &SigningError{Err: err}
	}

	pubDER, err = x509.MarshalPKIXPublicKey(key.Signer.Public())
	if err != nil {
		return nil, nil, 0, &SigningError{Err: err}
	}

	return sig, pubDER, key.Tier, nil
}

// AttestationChain returns a copy of the attestation certificate chain, leaf
// first, or nil when the key is not hardware-isolated. Absence is not an
// error.
func (c *Custodian) AttestationChain() [][]byte {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	if key == nil || !key.Tier.HardwareIsolated() || len(key.Chain) == 0 {
		return nil
	}

	chain := make([][]byte, len(key.Chain))
	for i, cert := range key.Chain {
		chain[i] = append([]byte(nil), cert...)
	}
	return chain
}

// Tier returns the isolation tier of the provisioned key and whether a key
// exists.
func (c *Custodian) Tier() (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return 0, false
	}
	return c.key.Tier, true
}
