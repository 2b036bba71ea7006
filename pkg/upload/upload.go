// Package upload delivers signature packages to the remote verifier.
//
// Delivery has a fixed budget of two transport attempts. The only failure
// class worth a second attempt is an authentication rejection: the
// coordinator then suspends on the shared credential-renewal bus, bounded by
// a timeout, and replays the byte-identical payload once the credential has
// been refreshed. Nothing is re-signed or re-serialized between attempts.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verisnap/capture/pkg/credentials"
)

// DefaultRenewalTimeout bounds the wait for a credential-renewal event.
const DefaultRenewalTimeout = 5000 * time.Millisecond

// maxAttempts is the total transport attempt budget per upload.
const maxAttempts = 2

// AuthError classifies an attempt rejected because the presented credential
// is no longer valid.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upload: authentication rejected (status %d): %s", e.Status, e.Detail)
}

// TransportError classifies any non-authentication network, validation or
// server failure. These are terminal; no retry is attempted.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upload: transport failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("upload: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError reports a transport-level success whose response body is
// empty, unparseable, or missing required fields.
type RejectedError struct {
	Detail string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upload: rejected: %s", e.Detail)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// AuthRetryError is the terminal outcome when an authentication rejection
// could not be recovered: no renewal arrived in time, the owning context was
// cancelled while waiting, or the attempt budget ran out.
type AuthRetryError struct {
	// Cause is the authentication failure that exhausted the retry path.
	Cause *AuthError
	// Reason describes why no further attempt was made.
	Reason string
}

func (e *AuthRetryError) Error() string {
	return fmt.Sprintf("upload: auth retry exhausted (%s): %v", e.Reason, e.Cause)
}

func (e *AuthRetryError) Unwrap() error { return e.Cause }

// Coordinator drives uploads through the attempt budget.
type Coordinator struct {
	transport    Transport
	bus          *credentials.RenewalBus
	renewTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRenewalTimeout overrides the renewal wait bound.
func WithRenewalTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.renewTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracer overrides the default tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New returns a Coordinator transmitting over transport and listening for
// renewal events on bus.
func New(transport Transport, bus *credentials.RenewalBus, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:    transport,
		bus:          bus,
		renewTimeout: DefaultRenewalTimeout,
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/verisnap/capture/pkg/upload"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload transmits req and returns the verifier's receipt or a terminal,
// classified failure. progress may be nil; when set it observes the media
// fraction transmitted per attempt, resetting to 0 when a retry starts.
func (c *Coordinator) Upload(ctx context.Context, req *Request, progress ProgressFunc) (*Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "upload.Upload",
		trace.WithAttributes(attribute.Int64("capture.media_size", req.MediaSize)))
	defer span.End()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if _, err := req.Media.Seek(0, io.SeekStart); err != nil {
				return nil, &TransportError{Err: fmt.Errorf("rewind media: %w", err)}
			}
		}
		if progress != nil {
			progress(0)
		}

		receipt, err := c.transport.Do(ctx, req, progress)
		if err == nil {
			span.SetAttributes(attribute.Int("upload.attempts", attempt))
			return receipt, nil
		}

		var authErr *AuthError
		if !errors.As(err, &authErr) {
			c.logger.Warn("upload failed", "attempt", attempt, "error", err)
			return nil, err
		}

		if attempt >= maxAttempts {
			c.logger.Warn("upload auth-rejected with no attempts remaining", "attempt", attempt)
			return nil, &AuthRetryError{Cause: authErr, Reason: "attempt budget exhausted"}
		}

		c.logger.Info("upload auth-rejected, awaiting credential renewal",
			"attempt", attempt, "timeout", c.renewTimeout)
		if err := c.awaitRenewal(ctx); err != nil {
			var retryErr *AuthRetryError
			if errors.As(err, &retryErr) {
				retryErr.Cause = authErr
				return nil, retryErr
			}
			return nil, err
		}
	}
}

// awaitRenewal suspends until a renewal event, the timeout, or cancellation
// of the owning context. The subscription is registered before the timeout
// clock starts and released on every exit path.
func (c *Coordinator) awaitRenewal(ctx context.Context) error {
	renewed, cancel := c.bus.Subscribe()
	defer cancel()

	timer := time.NewTimer(c.renewTimeout)
	defer timer.Stop()

	select {
	case <-renewed:
		c.logger.Info("credential renewal observed, retrying upload")
		return nil
	case <-timer.C:
		return &AuthRetryError{Reason: "renewal timeout elapsed"}
	case <-ctx.Done():
		return fmt.Errorf("upload: cancelled awaiting renewal: %w", ctx.Err())
	}
}
