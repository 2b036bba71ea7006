package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisnap/capture/pkg/credentials"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

func receiptJSON(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(goodReceipt())
	require.NoError(t, err)
	return raw
}

func TestHTTPTransport_SendsWirePayload(t *testing.T) {
	media := bytes.Repeat([]byte{0xC3}, 2048)
	req := testRequest(media)
	req.Package.AttestationChain = [][]byte{{0xDE, 0xAD}, {0xBE, 0xEF}}

	var got struct {
		auth, metadata, mediaHash, metadataHash, chain string
		file                                           []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got.auth = r.Header.Get("Authorization")
		got.metadata = r.FormValue("metadata")
		got.mediaHash = r.FormValue("media_hash")
		got.metadataHash = r.FormValue("metadata_hash")
		got.chain = r.FormValue("attestation_chain")

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		got.file, err = io.ReadAll(f)
		require.NoError(t, err)

		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write(receiptJSON(t))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok-1"))
	receipt, err := tr.Do(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "cap-1", receipt.ID)
	assert.Equal(t, 0.93, receipt.TrustScore)
	assert.Equal(t, "Bearer tok-1", got.auth)
	assert.Equal(t, media, got.file)
	assert.Equal(t, req.MetadataJSON, got.metadata)
	assert.Equal(t, hex.EncodeToString(req.Package.MediaHash[:]), got.mediaHash)
	assert.Equal(t, hex.EncodeToString(req.Package.MetadataHash[:]), got.metadataHash)
	assert.Equal(t, "dead,beef", got.chain)
}

func TestHTTPTransport_OmitsAbsentChain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["attestation_chain"]
		assert.False(t, present)
		w.Write(receiptJSON(t))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)
	require.NoError(t, err)
}

func TestHTTPTransport_ClassifiesAuthRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "credential expired", status)
		}))

		tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
		_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr, "status %d", status)
		assert.Equal(t, status, authErr.Status)
		srv.Close()
	}
}

func TestHTTPTransport_ClassifiesServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusBadGateway, transportErr.Status)
}

func TestHTTPTransport_EmptyBodyIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestHTTPTransport_MissingFieldsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No trust_score or verification_status.
		w.Write([]byte(`{"id":"cap-1","capture_time":"t","location":"l","orientation":"o","user_id":"u","storage_path":"p"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestHTTPTransport_InvalidStatusEnumRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receipt := goodReceipt()
		receipt.VerificationStatus = "mystery"
		raw, _ := json.Marshal(receipt)
		w.Write(raw)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest([]byte("m")), nil)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestHTTPTransport_ProgressMonotonic(t *testing.T) {
	media := bytes.Repeat([]byte{1}, 300*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write(receiptJSON(t))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var fractions []float64
	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	_, err := tr.Do(context.Background(), testRequest(media), func(f float64) {
		mu.Lock()
		fractions = append(fractions, f)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NotEmpty(t, fractions)
	prev := 0.0
	for _, f := range fractions {
		assert.GreaterOrEqual(t, f, prev)
		assert.LessOrEqual(t, f, 1.0)
		prev = f
	}
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
}

// End-to-end: attempt 1 is auth-rejected over real HTTP, renewal unblocks a
// byte-identical attempt 2 which succeeds.
func TestCoordinatorWithHTTPTransport_RetryIsByteIdentical(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(f)
		require.NoError(t, err)

		mu.Lock()
		bodies = append(bodies, data)
		n := len(bodies)
		mu.Unlock()

		if n == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		w.Write(receiptJSON(t))
	}))
	defer srv.Close()

	bus := credentials.NewRenewalBus()
	tr := NewHTTPTransport(srv.URL, staticTokens("tok"))
	c := New(tr, bus, WithRenewalTimeout(2*time.Second))

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Broadcast()
	}()

	media := bytes.Repeat([]byte{7}, 4096)
	receipt, err := c.Upload(context.Background(), testRequest(media), nil)
	require.NoError(t, err)
	assert.Equal(t, "verified", receipt.VerificationStatus)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, media, bodies[1])
}
