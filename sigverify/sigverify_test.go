package sigverify_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/sigverify"
)

// sign produces a 64-byte compact r||s signature over SHA256(message), matching the wire format
// sigverify.Verify expects.
func sign(t *testing.T, priv *k1.PrivateKey, message []byte) string {
	t.Helper()

	hash := sha256.Sum256(message)
	compact := ecdsa.SignCompact(priv, hash[:], false) // [recovery(1) || r(32) || s(32)]

	return hex.EncodeToString(compact[1:])
}

func TestVerifyValidAndTamperedSignature(t *testing.T) {
	priv, err := k1.GeneratePrivateKey()
	require.NoError(t, err)

	message := []byte("hello‖challenge")
	sigHex := sign(t, priv, message)

	ok, err := sigverify.Verify(priv.PubKey(), message, sigHex)
	require.NoError(t, err)
	require.True(t, ok)

	tampered := append([]byte{}, message...)
	tampered[0] ^= 0x01
	ok, err = sigverify.Verify(priv.PubKey(), tampered, sigHex)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPostSlateFallback(t *testing.T) {
	priv, err := k1.GeneratePrivateKey()
	require.NoError(t, err)

	str := "ciphertext-blob"
	chal := "abc123"

	// Sign over str alone (legacy client behaviour).
	sigHex := sign(t, priv, []byte(str))

	ok, matched, err := sigverify.VerifyPostSlate(priv.PubKey(), str, sigHex, []string{chal})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, matched, "the str-alone fallback carries no challenge")
}

func TestVerifyPostSlatePrimary(t *testing.T) {
	priv, err := k1.GeneratePrivateKey()
	require.NoError(t, err)

	str := "ciphertext-blob"
	chal := "abc123"

	sigHex := sign(t, priv, sigverify.MessageForPostSlate(str, chal))

	ok, matched, err := sigverify.VerifyPostSlate(priv.PubKey(), str, sigHex, []string{chal})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chal, matched)
}

func TestVerifySubscribe(t *testing.T) {
	priv, err := k1.GeneratePrivateKey()
	require.NoError(t, err)

	chal := "abc123"
	sigHex := sign(t, priv, sigverify.MessageForSubscribe(chal))

	ok, err := sigverify.VerifySubscribe(priv.PubKey(), sigHex, []string{"other", chal})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sigverify.VerifySubscribe(priv.PubKey(), sigHex, []string{"other", "stale"})
	require.NoError(t, err)
	require.False(t, ok)
}
