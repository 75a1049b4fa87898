// Package address implements the grinbox:// address codec: base58-check
// envelopes over a compressed secp256k1 public key, carrying a relay
// domain and port.
package address

import (
	"crypto/sha256"
	"regexp"
	"strconv"
	"strings"

	k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"

	"github.com/vault713/grinbox/app/errors"
	"github.com/vault713/grinbox/app/z"
)

// Network selects the version bytes an address is checked against.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

var versionBytes = map[Network][2]byte{
	Mainnet: {1, 11},
	Testnet: {1, 120},
}

// ParseNetwork maps the GRINBOX_NETWORK environment value to a Network.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(s) {
	case "mainnet", "":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	default:
		return 0, errors.New("invalid network", z.Str("value", s))
	}
}

const (
	DefaultHost = "grinbox.io"
	DefaultPort = 443

	pubKeyLen   = 33
	checksumLen = 4
)

// addressRegexp matches an optional scheme, a base58 public key body, and an optional @host[:port] suffix.
var addressRegexp = regexp.MustCompile(`^(grinbox://)?([1-9A-HJ-NP-Za-km-z]+)(@([a-zA-Z0-9.\-]+)(:([0-9]+))?)?$`)

// ErrInvalidAddress is returned by Parse for any malformed, mis-checksummed, wrong-network, or
// non-curve-point address.
var ErrInvalidAddress = errors.NewSentinel("invalid address")

// Address is a compressed secp256k1 public key plus the relay domain/port that routes to its
// owner. Network records which version bytes the address was parsed against, so it round-trips
// through String without silently switching networks.
type Address struct {
	PubKey  *k1.PublicKey
	Host    string
	Port    int
	Network Network
}

// Equal reports whether two addresses carry bytewise-equal public keys, per the data model's equality rule.
func (a Address) Equal(o Address) bool {
	return a.PubKey.IsEqual(o.PubKey)
}

// Domain returns the host, used as the federation routing key.
func (a Address) Domain() string {
	return a.Host
}

// String renders the canonical grinbox:// textual form against the address's own Network,
// omitting host/port when they are defaults.
func (a Address) String() string {
	return Encode(a, a.Network)
}

func (a Address) encodeKey(net Network) string {
	return encodeBase58Check(a.PubKey.SerializeCompressed(), versionBytes[net])
}

// Encode renders the address for the given network's version bytes.
func Encode(a Address, net Network) string {
	var b strings.Builder
	b.WriteString("grinbox://")
	b.WriteString(a.encodeKey(net))

	if a.Host != DefaultHost || a.Port != DefaultPort {
		b.WriteString("@")
		b.WriteString(a.Host)
		if a.Port != DefaultPort {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(a.Port))
		}
	}

	return b.String()
}

// Parse decodes a grinbox:// address against the expected network's version bytes.
func Parse(s string, net Network) (Address, error) {
	m := addressRegexp.FindStringSubmatch(s)
	if m == nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, "malformed address", z.Str("input", s))
	}

	keyPart, host, portPart := m[2], m[4], m[6]

	raw, err := decodeBase58Check(keyPart, versionBytes[net])
	if err != nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, "checksum or version mismatch", z.Err(err))
	}

	if len(raw) != pubKeyLen {
		return Address{}, errors.Wrap(ErrInvalidAddress, "public key not 33 bytes", z.Int("len", len(raw)))
	}

	pub, err := k1.ParsePubKey(raw)
	if err != nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, "not a valid secp256k1 point", z.Err(err))
	}

	if host == "" {
		host = DefaultHost
	}

	port := DefaultPort
	if portPart != "" {
		p, err := strconv.Atoi(portPart)
		if err != nil {
			return Address{}, errors.Wrap(ErrInvalidAddress, "invalid port", z.Err(err))
		}
		port = p
	}

	return Address{PubKey: pub, Host: host, Port: port, Network: net}, nil
}

func encodeBase58Check(payload []byte, version [2]byte) string {
	body := append(append([]byte{}, version[:]...), payload...)
	checksum := doubleSHA256(body)[:checksumLen]
	return base58.Encode(append(body, checksum...))
}

func decodeBase58Check(s string, version [2]byte) ([]byte, error) {
	decoded, err := base58.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "base58 decode")
	}

	if len(decoded) < len(version)+checksumLen {
		return nil, errors.New("base58 payload too short")
	}

	body := decoded[:len(decoded)-checksumLen]
	checksum := decoded[len(decoded)-checksumLen:]

	want := doubleSHA256(body)[:checksumLen]
	if string(checksum) != string(want) {
		return nil, errors.New("checksum mismatch")
	}

	if body[0] != version[0] || body[1] != version[1] {
		return nil, errors.New("network version mismatch",
			z.Any("got", body[:2]), z.Any("want", version))
	}

	return body[len(version):], nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
