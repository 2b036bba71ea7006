package upload

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/verisnap/capture/pkg/credentials"
	"github.com/verisnap/capture/pkg/signing"
)

// ProgressFunc receives the fraction of media bytes transmitted, in [0,1],
// monotonically non-decreasing within an attempt.
type ProgressFunc func(fraction float64)

// Request carries one capture to the verifier. Media must be seekable so a
// retry can transmit byte-identical content.
type Request struct {
	Filename     string
	Media        io.ReadSeeker
	MediaSize    int64
	MetadataJSON string
	Package      *signing.Package
}

// Receipt is the verifier's structured success response. Every field is
// required; a 2xx response missing any of them is an upload failure.
type Receipt struct {
	ID                 string  `json:"id"`
	CaptureTime        string  `json:"capture_time"`
	Location           string  `json:"location"`
	Orientation        string  `json:"orientation"`
	TrustScore         float64 `json:"trust_score"`
	UserID             string  `json:"user_id"`
	StoragePath        string  `json:"storage_path"`
	VerificationStatus string  `json:"verification_status"`
}

// Transport performs one transmission attempt and classifies its failure.
type Transport interface {
	Do(ctx context.Context, req *Request, progress ProgressFunc) (*Receipt, error)
}

// HTTPTransport transmits captures as multipart/form-data over HTTP.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	tokens   credentials.Source
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithRateLimit bounds attempt rate client-side.
func WithRateLimit(rps float64, burst int) TransportOption {
	return func(t *HTTPTransport) { t.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTransportLogger sets the structured logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *HTTPTransport) { t.logger = l }
}

// NewHTTPTransport returns a transport posting to endpoint, authenticating
// each attempt with the current bearer token from tokens.
func NewHTTPTransport(endpoint string, tokens credentials.Source, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		client:   &http.Client{Timeout: 60 * time.Second},
		endpoint: endpoint,
		tokens:   tokens,
		limiter:  rate.NewLimiter(rate.Limit(2), 4),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs a single transmission attempt. Failures are classified:
// authentication rejections as *AuthError, everything else network- or
// server-side as *TransportError, and a 2xx with an invalid body as
// *RejectedError.
func (t *HTTPTransport) Do(ctx context.Context, req *Request, progress ProgressFunc) (*Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	body, contentType := multipartBody(req, progress)
	defer body.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	token, err := t.tokens.Token(ctx)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("fetch credential: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode, Detail: snippet(raw)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("server returned %s: %s", resp.Status, snippet(raw))}
	}

	receipt, err := parseReceipt(raw)
	if err != nil {
		return nil, err
	}

	t.logger.Info("upload accepted",
		"receipt_id", receipt.ID,
		"trust_score", receipt.TrustScore,
		"verification_status", receipt.VerificationStatus)
	return receipt, nil
}

// multipartBody streams the wire payload. Field order matches the verifier
// contract: file, metadata, signature, public_key, media_hash,
// metadata_hash, attestation_chain.
func multipartBody(req *Request, progress ProgressFunc) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeFields(mw, req, progress)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	return pr, mw.FormDataContentType()
}

func writeFields(mw *multipart.Writer, req *Request, progress ProgressFunc) error {
	pkg := req.Package

	file, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return err
	}
	counted := &progressReader{r: req.Media, total: req.MediaSize, fn: progress}
	if _, err := io.Copy(file, counted); err != nil {
		return fmt.Errorf("copy media: %w", err)
	}

	fields := []struct{ name, value string }{
		{"metadata", req.MetadataJSON},
		{"signature", string(pkg.Signature)},
		{"public_key", string(pkg.PublicKey)},
		{"media_hash", hex.EncodeToString(pkg.MediaHash[:])},
		{"metadata_hash", hex.EncodeToString(pkg.MetadataHash[:])},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}

	if len(pkg.AttestationChain) > 0 {
		certs := make([]string, len(pkg.AttestationChain))
		for i, cert := range pkg.AttestationChain {
			certs[i] = hex.EncodeToString(cert)
		}
		if err := mw.WriteField("attestation_chain", strings.Join(certs, ",")); err != nil {
			return err
		}
	}
	return nil
}

// parseReceipt validates the response body against the receipt contract. An
// empty or non-conforming body on a nominal 2xx is a failure, not a success.
func parseReceipt(raw []byte) (*Receipt, error) {
	if len(raw) == 0 {
		return nil, &RejectedError{Detail: "empty response body"}
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &RejectedError{Detail: "unparseable response body", Err: err}
	}
	if err := receiptSchema.Validate(generic); err != nil {
		return nil, &RejectedError{Detail: "response missing required fields", Err: err}
	}

	var receipt Receipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, &RejectedError{Detail: "malformed receipt", Err: err}
	}
	return &receipt, nil
}

func snippet(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}

// progressReader reports transmitted media bytes as a fraction of the total.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil && p.total > 0 {
			f := float64(p.read) / float64(p.total)
			if f > 1 {
				f = 1
			}
			p.fn(f)
		}
	}
	return n, err
}
