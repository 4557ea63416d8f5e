package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"goa.design/paigeant"
)

// ErrBadSignature rejects an envelope whose signature does not match the
// configured key.
var ErrBadSignature = errors.New("envelope signature mismatch")

type (
	// HMACSigner signs and verifies envelopes with HMAC-SHA256 over the
	// canonical encoding, signature field excluded. The same value serves
	// as the dispatcher's signer and the worker's verifier; both ends must
	// share the key.
	HMACSigner struct {
		key []byte
	}
)

// NewHMACSigner builds a signer around the shared key.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	return &HMACSigner{key: append([]byte(nil), key...)}, nil
}

// Sign returns the base64 HMAC of the encoded envelope.
func (s *HMACSigner) Sign(ctx context.Context, body []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the signature carried by the raw delivery bytes. The
// envelope is re-encoded without its signature field to recover the exact
// bytes the dispatcher signed.
func (s *HMACSigner) Verify(ctx context.Context, body []byte, signature string) error {
	if signature == "" {
		return fmt.Errorf("%w: signature is missing", ErrBadSignature)
	}
	msg, err := paigeant.Decode(body)
	if err != nil {
		return fmt.Errorf("decode signed envelope: %w", err)
	}
	msg.Signature = ""
	base, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode signed envelope: %w", err)
	}
	want, err := s.Sign(ctx, base)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
