// Package canonical produces the deterministic serialized form of a capture
// metadata record and its digest.
//
// The canonical string is computed once per capture and reused verbatim as
// the upload payload. Re-serializing for transmission is forbidden: any
// drift between the hashed bytes and the transmitted bytes makes the
// signature unverifiable.
package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Metadata is the immutable record bound to a capture. Optional sections are
// nil when the corresponding sensor produced no sample; absence is valid.
type Metadata struct {
	// CaptureTimestamp is epoch milliseconds at the moment of capture.
	CaptureTimestamp int64        `json:"capture_timestamp"`
	Location         *Location    `json:"location,omitempty"`
	Orientation      *Orientation `json:"orientation,omitempty"`
}

// Location is a single position sample.
type Location struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Accuracy   float64 `json:"accuracy"`
	Bearing    float64 `json:"bearing"`
	Speed      float64 `json:"speed"`
	SampleTime int64   `json:"sample_time"`
	Provider   string  `json:"provider_id"`
}

// Orientation is a single device-attitude sample, degrees.
type Orientation struct {
	Azimuth float64 `json:"azimuth"`
	Pitch   float64 `json:"pitch"`
	Roll    float64 `json:"roll"`
}

// SerializationError reports metadata that could not be canonicalized.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("canonical: serialize metadata: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Canonicalize returns the RFC 8785 canonical JSON form of m and the SHA-256
// digest of its UTF-8 bytes. Identical logical records yield byte-identical
// strings regardless of how they were constructed.
func Canonicalize(m Metadata) (string, [sha256.Size]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", [sha256.Size]byte{}, &SerializationError{Err: err}
	}

	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", [sha256.Size]byte{}, &SerializationError{Err: err}
	}

	return string(canon), sha256.Sum256(canon), nil
}
