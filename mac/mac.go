// Package mac defines the truncated Message Authentication Code contract
// that the connection engine drives on every embed and authenticate call,
// plus two concrete adapters: an HMAC-SHA256 adapter for production use
// and a Null adapter used to test the framing in isolation from any real
// cryptographic primitive.
package mac

import (
	"crypto/subtle"
	"fmt"
)

// ErrMACTooWide is returned when a requested MAC/nonce width exceeds what
// the underlying digest primitive can produce.
var ErrMACTooWide = fmt.Errorf("mac: requested width exceeds digest capacity")

// ErrBadKeyLen is returned by SetKeys when the supplied key blob does not
// match the adapter's expected layout.
var ErrBadKeyLen = fmt.Errorf("mac: key blob has the wrong length")

// MAC is the per-connection instance of a MAC module: one already
// allocated with enough internal room for the largest MAC width the
// connection's parser will ever ask for (the parser's MaxEmbedBits, at
// construction time).
//
// Sign and Verify operate on the same packet buffer the caller passes to
// the engine; implementations must not retain a reference to it past the
// call.
type MAC interface {
	// Sign computes a MAC over packet[:pktlen] (and, if nonce is
	// non-nil, over nonce appended after the packet bytes), and returns
	// a freshly allocated buffer whose first macBits bits (MSB-first)
	// hold the MAC and whose remaining extraBits form a writable,
	// MAC-independent tail the caller fills with nonce material.
	Sign(packet []byte, pktlen int, macBits, extraBits uint, nonce []byte) ([]byte, error)

	// Verify recomputes the MAC over packet[:pktlen] (and nonce, if
	// non-nil) and compares its first bits bits (MSB-first) against
	// candidate. Any bits in candidate past the bits-th are ignored.
	// Returns +int(bits) on match, -int(bits) on mismatch.
	Verify(packet []byte, pktlen int, candidate []byte, bits uint, nonce []byte) (int32, error)

	// SetKeys installs the adapter-specific key material. The layout
	// of keys is owned entirely by the adapter.
	SetKeys(keys []byte) error
}

// prefixMatch compares the first bits bits (MSB-first) of a and b,
// restricting the comparison of any trailing fractional byte to its most
// significant side so that unused low bits in the last byte never affect
// the result. Returns true iff every compared bit matches.
func prefixMatch(a, b []byte, bits uint) bool {
	fullBytes := bits / 8
	oddBits := bits % 8

	equal := subtle.ConstantTimeCompare(a[:fullBytes], b[:fullBytes])
	if oddBits > 0 {
		mask := byte(0xff) << (8 - oddBits)
		equal &= subtle.ConstantTimeByteEq(a[fullBytes]&mask, b[fullBytes]&mask)
	}
	return equal == 1
}
