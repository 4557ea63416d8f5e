package security_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/paigeant"
	"goa.design/paigeant/security"
)

// signedEnvelope mimics the dispatcher's flow: encode, sign, embed the
// signature, re-encode.
func signedEnvelope(t *testing.T, signer *security.HMACSigner) []byte {
	t.Helper()
	msg := paigeant.NewMessage(paigeant.RoutingSlip{
		Itinerary: []paigeant.ActivitySpec{paigeant.NewActivitySpec("echo", "hi")},
	}, map[string]any{"tone": "formal"})
	body, err := msg.Encode()
	require.NoError(t, err)
	sig, err := signer.Sign(context.Background(), body)
	require.NoError(t, err)
	msg.Signature = sig
	signed, err := msg.Encode()
	require.NoError(t, err)
	return signed
}

func TestHMACSignVerifyRoundTrip(t *testing.T) {
	signer, err := security.NewHMACSigner([]byte("shared-secret"))
	require.NoError(t, err)

	body := signedEnvelope(t, signer)
	msg, err := paigeant.Decode(body)
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(context.Background(), body, msg.Signature))
}

func TestHMACVerifyRejectsTamperedBody(t *testing.T) {
	signer, err := security.NewHMACSigner([]byte("shared-secret"))
	require.NoError(t, err)

	body := signedEnvelope(t, signer)
	msg, err := paigeant.Decode(body)
	require.NoError(t, err)
	sig := msg.Signature

	msg.Payload["tone"] = "casual"
	msg.Signature = sig
	tampered, err := msg.Encode()
	require.NoError(t, err)

	err = signer.Verify(context.Background(), tampered, sig)
	assert.ErrorIs(t, err, security.ErrBadSignature)
}

func TestHMACVerifyRejectsWrongKey(t *testing.T) {
	signer, err := security.NewHMACSigner([]byte("shared-secret"))
	require.NoError(t, err)
	other, err := security.NewHMACSigner([]byte("different-secret"))
	require.NoError(t, err)

	body := signedEnvelope(t, signer)
	msg, err := paigeant.Decode(body)
	require.NoError(t, err)
	err = other.Verify(context.Background(), body, msg.Signature)
	assert.ErrorIs(t, err, security.ErrBadSignature)
}

func TestHMACVerifyRejectsMissingSignature(t *testing.T) {
	signer, err := security.NewHMACSigner([]byte("shared-secret"))
	require.NoError(t, err)
	err = signer.Verify(context.Background(), []byte(`{}`), "")
	assert.ErrorIs(t, err, security.ErrBadSignature)
}

func TestHMACSignerRequiresKey(t *testing.T) {
	_, err := security.NewHMACSigner(nil)
	assert.Error(t, err)
}
