package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// HMACKeyLen is the length in bytes of each of the two half-keys packed
// into the blob passed to (*HMACSHA256).SetKeys.
const HMACKeyLen = 16

// digestBits is the width of a SHA-256 digest; no MAC or nonce width
// requested of this adapter may exceed it.
const digestBits = sha256.Size * 8

// HMACSHA256 is the reference MAC adapter: a truncated HMAC-SHA256 over
// the packet bytes (after restore) and, when present, the big-endian
// nonce. It expects a single 32-byte key blob split into a send half
// (bytes 0..16, used by Sign) and a receive half (bytes 16..32, used by
// Verify) — the two ends of a connection exchange roles, so the local
// send key is the peer's receive key and vice versa.
type HMACSHA256 struct {
	sendKey [HMACKeyLen]byte
	recvKey [HMACKeyLen]byte
}

// NewHMACSHA256 returns an adapter instance. maxEmbedBits is the parser's
// reported upper bound on bits per packet; it is accepted for symmetry
// with the module-create contract, checked against digestBits here and
// not stored, since HMAC-SHA256 has a fixed 256-bit output regardless of
// how it is configured. Sign and Verify check their own requested widths
// against digestBits on every call.
func NewHMACSHA256(maxEmbedBits uint) (*HMACSHA256, error) {
	if maxEmbedBits > digestBits {
		return nil, ErrMACTooWide
	}
	return &HMACSHA256{}, nil
}

// SetKeys installs a 32-byte blob: the first 16 bytes are the key used
// to sign outgoing packets, the last 16 are the key used to verify
// incoming ones.
func (h *HMACSHA256) SetKeys(keys []byte) error {
	if len(keys) != 2*HMACKeyLen {
		return ErrBadKeyLen
	}
	copy(h.sendKey[:], keys[:HMACKeyLen])
	copy(h.recvKey[:], keys[HMACKeyLen:])
	return nil
}

func digest(key [HMACKeyLen]byte, packet []byte, pktlen int, nonce []byte) [sha256.Size]byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(packet[:pktlen])
	if nonce != nil {
		mac.Write(nonce)
	}
	var out [sha256.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Sign implements MAC.
func (h *HMACSHA256) Sign(packet []byte, pktlen int, macBits, extraBits uint, nonce []byte) ([]byte, error) {
	if macBits+extraBits > digestBits {
		return nil, ErrMACTooWide
	}
	d := digest(h.sendKey, packet, pktlen, nonce)

	out := make([]byte, (macBits+extraBits+7)/8)
	copy(out, d[:])
	return out, nil
}

// Verify implements MAC.
func (h *HMACSHA256) Verify(packet []byte, pktlen int, candidate []byte, bits uint, nonce []byte) (int32, error) {
	if bits > digestBits {
		return 0, ErrMACTooWide
	}
	d := digest(h.recvKey, packet, pktlen, nonce)

	if prefixMatch(d[:], candidate, bits) {
		return int32(bits), nil
	}
	return -int32(bits), nil
}

// EncodeNonce returns the canonical big-endian 8-byte form of a nonce,
// the form the engine mixes into the digest input per the connection
// spec's nonce-synchronized MAC protocol.
func EncodeNonce(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}
