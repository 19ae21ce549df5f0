package parser

import "github.com/kvx-labs/repelgo/bitcursor"

// fakeMaxMACBits mirrors the reference parser's compile-time carrier
// cap: a fake-framed packet never offers more than 256 bits of carrier,
// regardless of how long the buffer is.
const fakeMaxMACBits = 256

// Fake is a length-driven parser used by tests: it accepts any buffer
// as a complete frame and treats its leading bits as the carrier. It
// carries no nonce of its own.
type Fake struct{}

// NewFake returns a Fake parser instance.
func NewFake() *Fake {
	return &Fake{}
}

// MaxEmbedBits implements Parser.
func (f *Fake) MaxEmbedBits() uint {
	return fakeMaxMACBits
}

// Parse implements Parser: the whole buffer is always a complete frame.
func (f *Fake) Parse(packet []byte, buflen int, mode Mode) Result {
	embedBits := uint(buflen) * 8
	if embedBits > fakeMaxMACBits {
		embedBits = fakeMaxMACBits
	}
	return Result{
		PktLen:         buflen,
		EmbedBits:      embedBits,
		PacketHasNonce: false,
	}
}

func (f *Fake) carrierBits(pktlen int) uint {
	n := uint(pktlen) * 8
	if n > fakeMaxMACBits {
		n = fakeMaxMACBits
	}
	return n
}

// Embed implements Parser: the leading embedBits bits of the packet are
// the carrier.
func (f *Fake) Embed(packet []byte, pktlen int, macBuf []byte) {
	dst := bitcursor.New(packet)
	src := bitcursor.New(macBuf)
	bitcursor.CopyBits(&dst, &src, f.carrierBits(pktlen))
}

// Extract implements Parser.
func (f *Fake) Extract(packet []byte, pktlen int, macBuf []byte) {
	dst := bitcursor.New(macBuf)
	src := bitcursor.New(packet)
	bitcursor.CopyBits(&dst, &src, f.carrierBits(pktlen))
}

// Restore implements Parser: it zeroes the entire carrier region.
func (f *Fake) Restore(packet []byte, pktlen int, mode Mode) {
	c := bitcursor.New(packet)
	bitcursor.ZeroBits(&c, f.carrierBits(pktlen))
}
