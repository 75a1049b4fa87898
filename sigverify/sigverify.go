// Package sigverify implements the relay's only cryptographic operation: checking that a
// message was signed by the private key behind an address's public key. The relay never
// signs anything itself.
package sigverify

import (
	"crypto/sha256"
	"encoding/hex"

	k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/z"
)

const (
	scalarLen = 32
	sigLen    = 2 * scalarLen
)

// Verify reports whether sigHex is a valid compact (r||s, big-endian, 64-byte) ECDSA signature
// over SHA256(message) by pubkey. Low-S and high-S signatures are both accepted; the relay never
// produces signatures so it enforces no canonicalization policy.
func Verify(pubkey *k1.PublicKey, message []byte, sigHex string) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, errors.Wrap(err, "decode signature hex")
	}

	if len(sig) != sigLen {
		return false, errors.New("signature not 64 bytes", z.Int("len", len(sig)))
	}

	r, err := to32Scalar(sig[:scalarLen])
	if err != nil {
		return false, errors.Wrap(err, "invalid signature r")
	}

	s, err := to32Scalar(sig[scalarLen:])
	if err != nil {
		return false, errors.Wrap(err, "invalid signature s")
	}

	hash := sha256.Sum256(message)

	return ecdsa.NewSignature(r, s).Verify(hash[:], pubkey), nil
}

// MessageForSubscribe returns the message bytes a Subscribe signature is verified against: the
// challenge alone.
func MessageForSubscribe(chal string) []byte {
	return []byte(chal)
}

// MessageForPostSlate returns the message bytes a PostSlate signature is verified against: the
// slate string concatenated with the challenge.
func MessageForPostSlate(str, chal string) []byte {
	return []byte(str + chal)
}

// to32Scalar decodes a 32-byte big-endian unsigned integer as a secp256k1 scalar, rejecting
// overflow and zero values the same way the curve library does for signature components.
func to32Scalar(b []byte) (*k1.ModNScalar, error) {
	if len(b) != scalarLen {
		return nil, errors.New("invalid scalar length")
	}

	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}

	var s k1.ModNScalar
	if overflow := s.SetByteSlice(b); overflow {
		return nil, errors.New("scalar overflow")
	} else if s.IsZero() {
		return nil, errors.New("zero scalar")
	}

	return &s, nil
}
