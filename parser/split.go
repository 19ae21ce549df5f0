package parser

import "github.com/kvx-labs/repelgo/bitcursor"

// splitMaxMACBits is the fixed carrier width the split parser evaluates
// alignment cost against.
const splitMaxMACBits = 256

// SplitAlignment selects how the split parser spends the gap bit (or
// byte) it leaves between MAC segments.
type SplitAlignment int

const (
	// SplitGapBit skips exactly one bit between segments (and before
	// the first one). This is the default, and the only mode that
	// keeps the packet itself byte-unaligned-neutral.
	SplitGapBit SplitAlignment = iota
	// SplitPacketAlign byte-aligns the packet cursor between segments
	// instead of skipping a single bit.
	SplitPacketAlign
	// SplitMACAlign byte-aligns the MAC cursor between segments
	// instead of skipping a single bit. Unlike the upstream evaluation
	// harness this mode still reads the real MAC buffer — the
	// pseudo-random substitute buffer used there is scaffolding for
	// timing measurements, not a behavior this parser reproduces.
	SplitMACAlign
)

// Split partitions a fixed 256-bit MAC carrier into Splits+1 segments,
// separated by either a single skipped bit or a byte-alignment step,
// in order to evaluate the cost of bit-level vs byte-level alignment.
type Split struct {
	// Splits is the number of gaps inserted into the carrier; the MAC
	// is divided into Splits+1 segments, all of one length except the
	// last, which takes the remainder.
	Splits uint16
	// Alignment selects the gap behavior between segments.
	Alignment SplitAlignment
}

// NewSplit returns a Split parser instance.
func NewSplit(splits uint16, alignment SplitAlignment) *Split {
	return &Split{Splits: splits, Alignment: alignment}
}

// segmentLen is the length of every segment but the last, which takes
// the remainder. In MAC-align mode it is rounded down to whole bytes, so
// aligning the MAC cursor between segments never skips a MAC bit.
func (s *Split) segmentLen() uint {
	n := splitMaxMACBits / uint(s.Splits+1)
	if s.Alignment == SplitMACAlign {
		n &^= 7
	}
	return n
}

// minPktLen is the number of bytes required to hold the carrier plus its
// gaps, rounded up.
func (s *Split) minPktLen() int {
	switch s.Alignment {
	case SplitPacketAlign:
		// Each segment starts on a fresh packet byte, so every segment
		// occupies whole bytes of its own.
		segLen := s.segmentLen()
		last := splitMaxMACBits - segLen*uint(s.Splits)
		return int(uint(s.Splits)*bitcursor.CeilBitsToBytes(segLen) + bitcursor.CeilBitsToBytes(last))
	case SplitMACAlign:
		// Only the MAC cursor is aligned; the packet carries the segments
		// back to back with no gaps.
		return splitMaxMACBits / 8
	default:
		total := splitMaxMACBits + uint(s.Splits+1) // +1 gap bit per boundary
		return int(bitcursor.CeilBitsToBytes(total))
	}
}

// MaxEmbedBits implements Parser.
func (s *Split) MaxEmbedBits() uint {
	return splitMaxMACBits
}

// Parse implements Parser.
func (s *Split) Parse(packet []byte, buflen int, mode Mode) Result {
	min := s.minPktLen()
	if buflen < min {
		return Result{PktLen: -(min - buflen)}
	}
	return Result{
		PktLen:         buflen,
		EmbedBits:      splitMaxMACBits,
		PacketHasNonce: false,
	}
}

// walk drives the shared segment/gap layout for Embed and Extract. pkt
// and mc always stay bound to their real physical cursor regardless of
// copy direction, so gap()'s alignment choice lands on the right
// buffer; only toPkt selects which cursor receives the copied bits.
func (s *Split) walk(pkt, mc *bitcursor.Cursor, toPkt bool) {
	segLen := s.segmentLen()
	bits := uint(splitMaxMACBits)

	gap := func() {
		switch s.Alignment {
		case SplitPacketAlign:
			pkt.ByteAlign()
		case SplitMACAlign:
			mc.ByteAlign()
		default:
			pkt.Skip(1)
		}
	}

	copy := func(n uint) {
		if toPkt {
			bitcursor.CopyBits(pkt, mc, n)
		} else {
			bitcursor.CopyBits(mc, pkt, n)
		}
	}

	for i := uint16(0); i < s.Splits; i++ {
		gap()
		copy(segLen)
		bits -= segLen
	}
	gap()
	copy(bits)
}

// Embed implements Parser.
func (s *Split) Embed(packet []byte, pktlen int, macBuf []byte) {
	pkt := bitcursor.New(packet)
	mc := bitcursor.New(macBuf)
	s.walk(&pkt, &mc, true)
}

// Extract implements Parser.
func (s *Split) Extract(packet []byte, pktlen int, macBuf []byte) {
	pkt := bitcursor.New(packet)
	mc := bitcursor.New(macBuf)
	s.walk(&pkt, &mc, false)
}

// Restore implements Parser: it zeroes the same slots Embed wrote to,
// moving the packet cursor between segments exactly as walk does (in
// MAC-align mode walk only aligns the MAC cursor, so the packet cursor
// does not move between segments here either).
func (s *Split) Restore(packet []byte, pktlen int, mode Mode) {
	pkt := bitcursor.New(packet)
	segLen := s.segmentLen()
	bits := uint(splitMaxMACBits)

	gap := func() {
		switch s.Alignment {
		case SplitPacketAlign:
			pkt.ByteAlign()
		case SplitMACAlign:
		default:
			pkt.Skip(1)
		}
	}

	for i := uint16(0); i < s.Splits; i++ {
		gap()
		bitcursor.ZeroBits(&pkt, segLen)
		bits -= segLen
	}
	gap()
	bitcursor.ZeroBits(&pkt, bits)
}
