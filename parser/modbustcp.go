package parser

import (
	"errors"
	"log/slog"

	"github.com/kvx-labs/repelgo/bitcursor"
)

// ErrReuseTIDBitsRange is returned by NewModbusTCP when ReuseTIDBits is
// out of the valid 0..16 range.
var ErrReuseTIDBitsRange = errors.New("parser: modbus tcp reuse_tid_bits must be in 0..16")

// ModbusTCPRole distinguishes which side of the connection this parser
// instance plays. Only the client role remaps transaction identifiers;
// a server sees only the short indices a client has already mapped.
type ModbusTCPRole int

const (
	// ModbusTCPServer never remaps transaction identifiers.
	ModbusTCPServer ModbusTCPRole = iota
	// ModbusTCPClient performs transaction-identifier remapping.
	ModbusTCPClient
)

// ModbusTCPConfig configures a Modbus/TCP parser instance. The two
// peers of a connection must agree on ReuseTIDBits and ReuseUnitID; Role
// is local to each side.
type ModbusTCPConfig struct {
	// ReuseTIDBits is the number of upper Transaction Identifier bits
	// reused as MAC carrier. Must be in 0..16. Defaults to 12 (the
	// protocol permits at most 16 concurrent in-flight transactions,
	// so the low 4 bits suffice to index them).
	ReuseTIDBits uint8
	// ReuseUnitID reuses the 8-bit Unit Identifier field as MAC
	// carrier when true (the default).
	ReuseUnitID bool
	// Role selects client or server behavior for TID remapping.
	Role ModbusTCPRole
	// StrictTIDMap turns a full transaction-identifier map into a hard
	// embed failure (return 0, same as no-room-for-MAC) instead of the
	// reference implementation's best-effort "TID mod map_len"
	// degradation, which can collide two live transactions onto the
	// same slot. The connection engine observes the failure through the
	// StrictFailer interface; DESIGN.md records this resolved open
	// question.
	StrictTIDMap bool
	// Logger receives error-level diagnostics for TID-map-full
	// degradations and unknown-slot recoveries; the parser itself has
	// no other place to report them, since the engine it plugs into
	// never logs on the module's behalf. A nil Logger discards them.
	Logger *slog.Logger
}

// DefaultModbusTCPConfig returns the reference configuration: 12 reused
// TID bits, Unit Identifier reuse enabled, client role, best-effort TID
// map degradation.
func DefaultModbusTCPConfig() ModbusTCPConfig {
	return ModbusTCPConfig{
		ReuseTIDBits: 12,
		ReuseUnitID:  true,
		Role:         ModbusTCPClient,
	}
}

// tidMapFreeSlot marks an unused transaction_map entry; transaction
// identifier 0 cannot use this sentinel directly since 0 also means
// "free", hence the separate tid0Index field below.
const tidMapFreeSlot = 0

// ModbusTCP implements Parser for Modbus/TCP frames: MBAP header with
// Transaction Identifier, Protocol Identifier, Length, and Unit
// Identifier, carrying MAC bits in the fields whose canonical values a
// non-participating peer never inspects.
type ModbusTCP struct {
	cfg ModbusTCPConfig

	mapLen         int
	transactionMap []uint16
	tid0Index      int

	// strictFailure latches when StrictTIDMap is set and a map-full
	// condition was hit during the most recent Restore(Embed) call.
	// ConsumeStrictFailure reads and clears it; the connection engine
	// checks this (via the StrictFailer interface) right after calling
	// Restore and, if set, aborts the embed as a no-room-for-MAC
	// failure instead of emitting a packet with a collided TID slot.
	strictFailure bool
}

// StrictFailer is implemented by parsers whose Restore step can
// discover, only after the fact, that the packet it just canonicalized
// must not be signed or sent. The connection engine checks for this
// optional interface after every Restore(Embed) call.
type StrictFailer interface {
	ConsumeStrictFailure() bool
}

// ConsumeStrictFailure implements StrictFailer.
func (m *ModbusTCP) ConsumeStrictFailure() bool {
	v := m.strictFailure
	m.strictFailure = false
	return v
}

// NewModbusTCP returns a Modbus/TCP parser instance with a freshly
// allocated, empty transaction-identifier remap table.
func NewModbusTCP(cfg ModbusTCPConfig) (*ModbusTCP, error) {
	if cfg.ReuseTIDBits > 16 {
		return nil, ErrReuseTIDBitsRange
	}

	mapLen := 1
	if cfg.ReuseTIDBits > 0 {
		mapLen = 1 << (16 - cfg.ReuseTIDBits)
	}

	return &ModbusTCP{
		cfg:            cfg,
		mapLen:         mapLen,
		transactionMap: make([]uint16, mapLen),
		tid0Index:      mapLen, // out of range: "no slot holds TID 0 yet"
	}, nil
}

// carrierBits is the total MAC carrier width per packet: ReuseTIDBits
// bits from the Transaction Identifier's reused upper bits, 16 from the
// Protocol Identifier, and 8 more when Unit Identifier reuse is enabled.
func (m *ModbusTCP) carrierBits() uint {
	bits := uint(16) + uint(m.cfg.ReuseTIDBits)
	if m.cfg.ReuseUnitID {
		bits += 8
	}
	return bits
}

// MaxEmbedBits implements Parser.
func (m *ModbusTCP) MaxEmbedBits() uint {
	return m.carrierBits()
}

// Parse implements Parser. The MBAP Length field (bytes 4..5) is
// authoritative and untouched by the embed/restore cycle, so framing
// never depends on carrier state.
func (m *ModbusTCP) Parse(packet []byte, buflen int, mode Mode) Result {
	const headerLen = 6
	if buflen < headerLen {
		return Result{PktLen: -(headerLen - buflen)}
	}

	c := bitcursor.New(packet)
	length := c.PeekU16(4*8, 16)
	pktlen := int(length) + 6
	if buflen < pktlen {
		return Result{PktLen: -(pktlen - buflen)}
	}

	return Result{
		PktLen:         pktlen,
		EmbedBits:      m.carrierBits(),
		PacketHasNonce: false,
	}
}

// Embed implements Parser.
func (m *ModbusTCP) Embed(packet []byte, pktlen int, macBuf []byte) {
	pkt := bitcursor.New(packet)
	mc := bitcursor.New(macBuf)

	if m.cfg.ReuseTIDBits > 0 {
		bitcursor.CopyU16(&pkt, &mc, uint8(m.cfg.ReuseTIDBits))
		pkt.Skip(uint(16 - m.cfg.ReuseTIDBits))
	} else {
		pkt.Skip(16)
	}

	bitcursor.CopyU16(&pkt, &mc, 16) // Protocol Identifier
	pkt.Skip(16)                     // Length, untouched

	if m.cfg.ReuseUnitID {
		bitcursor.CopyU8(&pkt, &mc, 8)
	}
}

// Extract implements Parser.
func (m *ModbusTCP) Extract(packet []byte, pktlen int, macBuf []byte) {
	pkt := bitcursor.New(packet)
	mc := bitcursor.New(macBuf)

	if m.cfg.ReuseTIDBits > 0 {
		bitcursor.CopyU16(&mc, &pkt, uint8(m.cfg.ReuseTIDBits))
		pkt.Skip(uint(16 - m.cfg.ReuseTIDBits))
	} else {
		pkt.Skip(16)
	}

	bitcursor.CopyU16(&mc, &pkt, 16)
	pkt.Skip(16)

	if m.cfg.ReuseUnitID {
		bitcursor.CopyU8(&mc, &pkt, 8)
	}
}

// Restore implements Parser. Client-embed additionally performs TID
// remapping here, before the engine signs the packet, so the MAC is
// computed over the mapped TID; every other combination simply
// canonicalizes the fields.
func (m *ModbusTCP) Restore(packet []byte, pktlen int, mode Mode) {
	pkt := bitcursor.New(packet)

	switch {
	case m.cfg.ReuseTIDBits == 0:
		pkt.Skip(16)

	case m.cfg.Role == ModbusTCPClient && mode == Embed:
		tid := pkt.PeekU16(0, 16)
		slot := m.mapTID(tid)
		pkt.PushU16(0, m.cfg.ReuseTIDBits)
		pkt.PushU16(uint16(slot), 16-m.cfg.ReuseTIDBits)

	default:
		// Client-authenticate and server (either mode): zero the
		// reused upper bits, leave the low index bits untouched —
		// for authenticate those bits still hold the slot index
		// Verified needs; for server they hold whatever the client
		// sent and are not ours to rewrite.
		pkt.PushU16(0, m.cfg.ReuseTIDBits)
		pkt.Skip(uint(16 - m.cfg.ReuseTIDBits))
	}

	pkt.PushU16(0, 16) // Protocol Identifier, always canonical zero
	pkt.Skip(16)        // Length, untouched

	if m.cfg.ReuseUnitID {
		pkt.PushU8(0xff, 8)
	}
}

// Verified implements parser.Verifier: on the client, after a
// successful authenticate, the slot index left in the low Transaction
// Identifier bits is resolved back to the original 16-bit TID the
// application sent, and the map slot is freed.
func (m *ModbusTCP) Verified(packet []byte, pktlen int) {
	if m.cfg.ReuseTIDBits == 0 || m.cfg.Role != ModbusTCPClient {
		return
	}

	pkt := bitcursor.New(packet)
	slot := pkt.PeekU16(uint(m.cfg.ReuseTIDBits), 16-m.cfg.ReuseTIDBits)
	tid := m.unmapTID(int(slot))

	pkt.PushU16(tid, 16)
}

// mapTID allocates a free slot for tid and returns the slot index the
// wire will carry in place of the real Transaction Identifier. Literal
// TID 0 uses the dedicated tid0Index sentinel slot, since 0 also marks
// an empty map cell.
func (m *ModbusTCP) mapTID(tid uint16) int {
	if tid == 0 && m.tid0Index < m.mapLen {
		return m.tid0Index
	}

	for i := 0; i < m.mapLen; i++ {
		if i != m.tid0Index && m.transactionMap[i] == tidMapFreeSlot {
			if tid == 0 {
				m.tid0Index = i
			} else {
				m.transactionMap[i] = tid
			}
			return i
		}
	}

	if m.cfg.StrictTIDMap {
		m.strictFailure = true
		m.logError("transaction id map is full; refusing to embed under strict policy")
		return int(tid) % m.mapLen
	}

	m.logError("transaction id map is full; degrading to TID mod map_len, transactions may collide", "tid", tid)
	return int(tid) % m.mapLen
}

// unmapTID resolves a wire-visible slot index back to the original
// Transaction Identifier and frees the slot.
func (m *ModbusTCP) unmapTID(slot int) uint16 {
	if slot == m.tid0Index {
		m.tid0Index = m.mapLen
		return 0
	}

	tid := m.transactionMap[slot]
	if tid == tidMapFreeSlot {
		m.logError("unknown transaction id map slot, treating slot index as the transaction id", "slot", slot)
		return uint16(slot)
	}

	m.transactionMap[slot] = tidMapFreeSlot
	return tid
}

func (m *ModbusTCP) logError(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Error(msg, args...)
	}
}
