// Package engine implements the connection-level embed/authenticate
// driver: the nonce-synchronized truncated-MAC protocol that coordinates
// a Parser and a MAC module on every packet. See the core engine
// specification's Component Design for the exact algorithms this
// package ports.
package engine

import (
	"errors"
	"fmt"

	"github.com/kvx-labs/repelgo/bitcursor"
	"github.com/kvx-labs/repelgo/mac"
	"github.com/kvx-labs/repelgo/parser"
)

// ErrEmbedNonceBitsRange is returned by New when embedNonceBits exceeds
// the parser's reported MaxEmbedBits (in that configuration a packet
// could carry nonce bits but never a real MAC bit) or exceeds 64, the
// width of the nonce counters.
var ErrEmbedNonceBitsRange = errors.New("engine: embed_nonce_bits exceeds parser max_embed_bits")

// ErrClosed is returned by any operation on a connection that has
// already been closed. A connection may be closed exactly once.
var ErrClosed = errors.New("engine: connection already closed")

// maxNonceBits is the widest nonce tail the protocol supports, matching
// the 64-bit send/recv nonce counters.
const maxNonceBits = 64

// Auth carries the per-packet verdict authenticate reports to whichever
// callback fires.
type Auth struct {
	// ProtectionLevel is the number of MAC bits actually carried in
	// the packet (nonce bits excluded), reported as an absolute value
	// on both success and failure; which callback fires carries the
	// verdict.
	ProtectionLevel int32
	// NonceEmbedded reports whether the engine's own nonce protocol
	// ran (false when the parser reported the packet already carries
	// a replay-unique value of its own).
	NonceEmbedded bool
	// PacketLoss is the best-effort count of packets inferred lost
	// since the last successfully verified one, saturating at 0xFFFF.
	PacketLoss uint16
}

// Callback is invoked exactly once per Authenticate call that
// recognizes a frame (PktLen > 0): on_success when the MAC verified, on
// on_fail otherwise. A nil callback is a valid no-op.
type Callback func(packet []byte, pktlen int, auth Auth)

// Connection is the per-peer object driving embed and authenticate. It
// is not safe for concurrent use: per the core spec's concurrency
// model, a connection is single-threaded and all operations run to
// completion synchronously with no suspension points. Distinct
// connections are independent and may run on distinct goroutines
// concurrently provided their MAC instances are independent (the
// reference HMAC-SHA256 adapter keeps all state inside its own
// instance, so it qualifies).
type Connection struct {
	parser parser.Parser
	mac    mac.MAC

	embedNonceBits uint8
	sendNonce      uint64
	recvNonce      uint64

	scratch []byte
	closed  bool
}

// New creates a connection driving parser and mac together.
// embedNonceBits in 0..64 configures how many low bits of the nonce ride
// alongside the MAC in the embed region whenever the parser does not
// already provide replay protection of its own (ParseResult.
// PacketHasNonce). It must not exceed parser.MaxEmbedBits(), or no
// packet could ever carry a real MAC bit.
func New(p parser.Parser, m mac.MAC, embedNonceBits uint8) (*Connection, error) {
	if uint(embedNonceBits) > p.MaxEmbedBits() || embedNonceBits > maxNonceBits {
		return nil, ErrEmbedNonceBitsRange
	}

	return &Connection{
		parser:         p,
		mac:            m,
		embedNonceBits: embedNonceBits,
		scratch:        make([]byte, bitcursor.CeilBitsToBytes(p.MaxEmbedBits())),
	}, nil
}

// SetKeys forwards to the MAC module.
func (c *Connection) SetKeys(keys []byte) error {
	if c.closed {
		return ErrClosed
	}
	return c.mac.SetKeys(keys)
}

// Close releases the connection. Double-close is forbidden; callers
// that might close twice should guard with their own sync.Once, the way
// they would guard a double-free in the systems-language original.
func (c *Connection) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return nil
}

// Embed prepares packet[:size] for transmission: it parses the frame,
// canonicalizes its carrier fields, signs it (mixing in a nonce tail
// when the parser supplies no replay protection of its own), and writes
// the result back into the carrier fields. It returns the number of MAC
// bits actually carried (excluding any nonce tail), or 0 on any failure
// — an unparseable frame, a frame the parser declines to carry any bits
// for, or a frame too small to also carry the configured nonce width.
func (c *Connection) Embed(packet []byte, size int) (uint, error) {
	if c.closed {
		return 0, ErrClosed
	}

	p := c.parser.Parse(packet, size, parser.Embed)
	if p.PktLen != size || p.EmbedBits == 0 {
		return 0, nil
	}

	c.parser.Restore(packet, p.PktLen, parser.Embed)
	if sf, ok := c.parser.(parser.StrictFailer); ok && sf.ConsumeStrictFailure() {
		return 0, nil
	}

	if p.PacketHasNonce {
		tag, err := c.mac.Sign(packet, p.PktLen, p.EmbedBits, 0, nil)
		if err != nil {
			return 0, fmt.Errorf("engine: sign: %w", err)
		}
		c.parser.Embed(packet, p.PktLen, tag)
		return p.EmbedBits, nil
	}

	nonceBits := uint(c.embedNonceBits)
	if p.EmbedBits <= nonceBits {
		return 0, nil
	}
	macBits := p.EmbedBits - nonceBits

	nonce := mac.EncodeNonce(c.sendNonce)
	tag, err := c.mac.Sign(packet, p.PktLen, macBits, nonceBits, nonce)
	if err != nil {
		return 0, fmt.Errorf("engine: sign: %w", err)
	}

	appendNonceTail(tag, macBits, nonceBits, c.sendNonce)
	c.sendNonce++

	c.parser.Embed(packet, p.PktLen, tag)
	return macBits, nil
}

// Authenticate processes an inbound buffer of buflen bytes. Its return
// value mirrors parse framing: positive pktlen means a frame was
// recognized and exactly one callback fired; negative means at least
// that many more bytes are needed; zero means a malformed, unrecoverable
// frame (no callback fires in either of the latter two cases).
func (c *Connection) Authenticate(packet []byte, buflen int, onSuccess, onFail Callback, cbdata any) (int, error) {
	_ = cbdata // present for API-table symmetry; Go closures carry their own data.

	if c.closed {
		return 0, ErrClosed
	}

	p := c.parser.Parse(packet, buflen, parser.Authenticate)
	if p.PktLen <= 0 {
		return p.PktLen, nil
	}

	c.parser.Extract(packet, p.PktLen, c.scratch)
	c.parser.Restore(packet, p.PktLen, parser.Authenticate)

	var (
		ok         int32
		err        error
		auth       Auth
		packetLoss uint16
	)

	if p.PacketHasNonce {
		ok, err = c.mac.Verify(packet, p.PktLen, c.scratch, p.EmbedBits, nil)
	} else {
		nonceBits := uint(c.embedNonceBits)
		if p.EmbedBits <= nonceBits {
			return 0, nil
		}
		macBits := p.EmbedBits - nonceBits

		low := readLowBits(c.scratch, macBits, nonceBits)
		cand := reassembleNonce(c.recvNonce, low, nonceBits)
		packetLoss = saturatingLoss(cand, c.recvNonce)

		ok, err = c.mac.Verify(packet, p.PktLen, c.scratch, macBits, mac.EncodeNonce(cand))
		if err == nil && ok > 0 {
			c.recvNonce = cand + 1
		}
	}
	if err != nil {
		return 0, fmt.Errorf("engine: verify: %w", err)
	}

	auth.ProtectionLevel = absInt32(ok)
	auth.NonceEmbedded = !p.PacketHasNonce
	auth.PacketLoss = packetLoss

	if ok > 0 {
		if v, vok := c.parser.(parser.Verifier); vok {
			v.Verified(packet, p.PktLen)
		}
	}

	fire(onSuccess, onFail, ok > 0, packet, p.PktLen, auth)
	return p.PktLen, nil
}

func fire(onSuccess, onFail Callback, success bool, packet []byte, pktlen int, auth Auth) {
	var cb Callback
	if success {
		cb = onSuccess
	} else {
		cb = onFail
	}
	if cb != nil {
		cb(packet, pktlen, auth)
	}
}

// appendNonceTail writes the low nonceBits bits of n, MSB-first, into
// tag starting at bit offset macBits.
func appendNonceTail(tag []byte, macBits, nonceBits uint, n uint64) {
	if nonceBits == 0 {
		return
	}
	c := bitcursor.New(tag)
	c.Skip(macBits)
	c.PushU64(n, uint8(nonceBits))
}

// readLowBits reads nonceBits bits starting at bit offset macBits in
// buf, returning them right-aligned.
func readLowBits(buf []byte, macBits, nonceBits uint) uint64 {
	if nonceBits == 0 {
		return 0
	}
	c := bitcursor.New(buf)
	return c.PeekU64(macBits, uint8(nonceBits))
}

// reassembleNonce recovers a full 64-bit nonce candidate from its known
// low nonceBits bits and the current receive-side counter's upper bits,
// advancing into the next window when the low bits alone would
// otherwise look like they went backwards.
func reassembleNonce(recvNonce, low uint64, nonceBits uint) uint64 {
	if nonceBits >= 64 {
		return low
	}
	upper := recvNonce &^ (uint64(1)<<nonceBits - 1)
	cand := upper | low
	if cand < recvNonce {
		cand += uint64(1) << nonceBits
	}
	return cand
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func saturatingLoss(cand, recvNonce uint64) uint16 {
	diff := cand - recvNonce
	if diff > 0xFFFF {
		return 0xFFFF
	}
	return uint16(diff)
}
