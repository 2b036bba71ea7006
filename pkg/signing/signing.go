// Package signing assembles the tamper-evident package binding captured
// media bytes and capture metadata to the device signing key.
package signing

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/verisnap/capture/pkg/canonical"
	"github.com/verisnap/capture/pkg/custodian"
	"github.com/verisnap/capture/pkg/hashtree"
)

// Algorithm identifies the signature scheme of every package this
// coordinator produces.
const Algorithm = "SHA256withECDSA"

// ContentKind selects the media hashing path.
type ContentKind int

const (
	// KindImage hashes the whole content directly (the one-leaf tree case).
	KindImage ContentKind = iota
	// KindVideo hashes through the chunked tree.
	KindVideo
)

func (k ContentKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "image"
}

// Package is the signed, immutable result of one capture. The signature
// covers exactly MediaHash followed by MetadataHash (64 bytes).
type Package struct {
	Signature        []byte
	PublicKey        []byte // DER (PKIX)
	MediaHash        [sha256.Size]byte
	MetadataHash     [sha256.Size]byte
	Algorithm        string
	AttestationChain [][]byte // leaf first; nil unless hardware-isolated

	// MetadataJSON is the canonical serialized metadata whose digest is
	// MetadataHash. It must be transmitted verbatim; re-serializing risks
	// divergence between the signed digest and the payload.
	MetadataJSON string
}

// Message returns the 64-byte concatenation the signature covers.
func (p *Package) Message() []byte {
	msg := make([]byte, 0, 2*sha256.Size)
	msg = append(msg, p.MediaHash[:]...)
	return append(msg, p.MetadataHash[:]...)
}

// Coordinator runs the sign operation end to end. All steps succeed or no
// package is produced.
type Coordinator struct {
	hasher    *hashtree.Hasher
	custodian *custodian.Custodian
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTracer overrides the default tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// New returns a Coordinator over the given hasher and key custodian.
func New(hasher *hashtree.Hasher, cust *custodian.Custodian, opts ...Option) *Coordinator {
	c := &Coordinator{
		hasher:    hasher,
		custodian: cust,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/verisnap/capture/pkg/signing"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignMedia binds the exact content bytes and metadata to the device key.
// content must deliver exactly size bytes. Signing and hashing can block;
// call from a non-interactive context.
func (c *Coordinator) SignMedia(ctx context.Context, content io.Reader, size int64, kind ContentKind, meta canonical.Metadata) (*Package, error) {
	ctx, span := c.tracer.Start(ctx, "signing.SignMedia",
		trace.WithAttributes(
			attribute.Int64("capture.media_size", size),
			attribute.String("capture.content_kind", kind.String()),
		))
	defer span.End()

	metaJSON, metaHash, err := canonical.Canonicalize(meta)
	if err != nil {
		return nil, err
	}

	mediaHash, err := c.hashMedia(ctx, content, size, kind)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		MediaHash:    mediaHash,
		MetadataHash: metaHash,
		Algorithm:    Algorithm,
		MetadataJSON: metaJSON,
	}

	sig, pubDER, tier, err := c.custodian.Sign(pkg.Message())
	if err != nil {
		return nil, err
	}
	pkg.Signature = sig
	pkg.PublicKey = pubDER

	if tier.HardwareIsolated() {
		if chain := c.custodian.AttestationChain(); len(chain) > 0 {
			pkg.AttestationChain = chain
		}
	}

	c.logger.Info("capture signed",
		"kind", kind.String(),
		"media_size", size,
		"tier", tier,
		"attested", len(pkg.AttestationChain) > 0)
	span.SetAttributes(attribute.Bool("capture.attested", len(pkg.AttestationChain) > 0))

	return pkg, nil
}

// hashMedia computes the content identity. Both kinds share the hash-tree
// contract; images never exceed one leaf so the direct path applies.
func (c *Coordinator) hashMedia(ctx context.Context, content io.Reader, size int64, kind ContentKind) ([sha256.Size]byte, error) {
	if kind == KindImage && size > hashtree.ChunkSize {
		// Large stills still go through the tree; the contract is identical.
		c.logger.Debug("image exceeds one chunk, tree path applies", "size", size)
	}
	root, err := c.hasher.Root(ctx, content, size)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("signing: hash media: %w", err)
	}
	return root, nil
}
