package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
)

// Signature modes recorded alongside each provenance row.
const (
	SigModeHMAC   = "hmac"   // keyed HMAC-SHA-256
	SigModeSHA256 = "sha256" // unkeyed digest; integrity only, no authenticity
)

// Signer produces the provenance signature over "{evidence_id}:{sha256}".
// With a key configured it signs with HMAC-SHA-256; without one it degrades
// to a plain digest so local runs still populate every column.
type Signer struct {
	key []byte
}

// NewSigner builds a Signer from a base64-encoded key. An empty string
// yields an unkeyed signer.
func NewSigner(keyB64 string) (*Signer, error) {
	if keyB64 == "" {
		return &Signer{}, nil
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign returns the signature and the mode that produced it.
func (s *Signer) Sign(evidenceID, sha string) (signature, mode string) {
	msg := evidenceID + ":" + sha
	if len(s.key) > 0 {
		mac := hmac.New(sha256.New, s.key)
		mac.Write([]byte(msg))
		return hex.EncodeToString(mac.Sum(nil)), SigModeHMAC
	}
	return canonical.HashBytes([]byte(msg)), SigModeSHA256
}

// Verify reports whether signature matches what Sign would produce for the
// same material, in constant time.
func (s *Signer) Verify(evidenceID, sha, signature string) bool {
	want, _ := s.Sign(evidenceID, sha)
	return hmac.Equal([]byte(want), []byte(signature))
}
