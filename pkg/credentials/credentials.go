// Package credentials holds the bearer credential presented on uploads and
// the renewal signal that unblocks uploads waiting on a fresh credential.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source supplies the current bearer token for upload authentication.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// DeviceTokenSource issues and renews short-lived HS256 device tokens.
// Renewing installs a fresh token and broadcasts on the renewal bus so every
// upload suspended on an expired credential can retry.
type DeviceTokenSource struct {
	mu       sync.Mutex
	secret   []byte
	deviceID string
	ttl      time.Duration
	current  string
	expires  time.Time

	bus    *RenewalBus
	clock  func() time.Time
	logger *slog.Logger
}

// NewDeviceTokenSource returns a source issuing tokens for deviceID with the
// given lifetime, announcing renewals on bus.
func NewDeviceTokenSource(secret []byte, deviceID string, ttl time.Duration, bus *RenewalBus) *DeviceTokenSource {
	return &DeviceTokenSource{
		secret:   secret,
		deviceID: deviceID,
		ttl:      ttl,
		bus:      bus,
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock for tests.
func (s *DeviceTokenSource) WithClock(clock func() time.Time) *DeviceTokenSource {
	s.clock = clock
	return s
}

// WithLogger sets the structured logger.
func (s *DeviceTokenSource) WithLogger(l *slog.Logger) *DeviceTokenSource {
	s.logger = l
	return s
}

// Token returns the current bearer token, issuing one on first use. An
// expired token is returned as-is: the server decides validity, and an
// authentication rejection is what triggers Renew.
func (s *DeviceTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == "" {
		if err := s.issueLocked(); err != nil {
			return "", err
		}
	}
	return s.current, nil
}

// Renew issues a fresh token and broadcasts the renewal event.
func (s *DeviceTokenSource) Renew(ctx context.Context) error {
	s.mu.Lock()
	err := s.issueLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("device credential renewed", "device_id", s.deviceID)
	s.bus.Broadcast()
	return nil
}

// Expired reports whether the current token's lifetime has elapsed.
func (s *DeviceTokenSource) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == "" || s.clock().After(s.expires)
}

func (s *DeviceTokenSource) issueLocked() error {
	now := s.clock()
	expires := now.Add(s.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("credentials: sign token: %w", err)
	}

	s.current = signed
	s.expires = expires
	return nil
}
