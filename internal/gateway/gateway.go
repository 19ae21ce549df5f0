// Package gateway wires a repelgo engine.Connection to a pair of TCP
// byte streams: it terminates a legacy Modbus/TCP peer on one side and
// an authenticated repelgo peer on the other, replaying the role the
// upstream reference implementation's modbus_tcp_sender/receiver demo
// applications played (see SPEC_FULL.md's supplemented-features
// section), so the engine has a runnable end-to-end home instead of
// living only behind unit tests.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/kvx-labs/repelgo/engine"
	repelgometrics "github.com/kvx-labs/repelgo/internal/metrics"
	"github.com/kvx-labs/repelgo/mac"
	"github.com/kvx-labs/repelgo/parser"
)

// Role selects which side of a connection performs the core spec's
// Modbus/TCP transaction-identifier remap (§4.5): only Client does.
type Role int

const (
	// RoleServer accepts a legacy client and forwards authenticated
	// traffic upstream to the paired repelgo gateway.
	RoleServer Role = iota
	// RoleClient accepts the legacy Modbus/TCP client directly and
	// embeds MAC bits before forwarding to the paired repelgo gateway.
	RoleClient
)

// ErrUnknownParserKind and ErrUnknownMACKind are returned by NewEngine
// when Config names a parser or MAC module this package does not know
// how to construct.
var (
	ErrUnknownParserKind = errors.New("gateway: unknown parser kind")
	ErrUnknownMACKind    = errors.New("gateway: unknown mac kind")
)

// Config selects and parameterizes the parser and MAC modules, and the
// nonce width, for one gateway Proxy.
type Config struct {
	Role           Role
	ParserKind     string // "modbustcp", "split", "fake"
	ModbusTCP      parser.ModbusTCPConfig
	SplitSegments  uint16
	SplitAlignment parser.SplitAlignment
	MACKind        string // "hmac-sha256", "null"
	EmbedNonceBits uint8
	Keys           []byte
}

// NewEngine constructs an engine.Connection from cfg: the parser and
// MAC module the core spec's connection engine drives on every packet
// (§4.6), ready for SetKeys.
func NewEngine(cfg Config, logger *slog.Logger) (*engine.Connection, error) {
	p, err := newParser(cfg, logger)
	if err != nil {
		return nil, err
	}

	m, err := newMAC(cfg, p.MaxEmbedBits())
	if err != nil {
		return nil, err
	}

	conn, err := engine.New(p, m, cfg.EmbedNonceBits)
	if err != nil {
		return nil, fmt.Errorf("gateway: new connection: %w", err)
	}

	if cfg.Keys != nil {
		if err := conn.SetKeys(cfg.Keys); err != nil {
			return nil, fmt.Errorf("gateway: set keys: %w", err)
		}
	}

	return conn, nil
}

func newParser(cfg Config, logger *slog.Logger) (parser.Parser, error) {
	switch cfg.ParserKind {
	case "modbustcp":
		mc := cfg.ModbusTCP
		mc.Logger = logger
		if cfg.Role == RoleClient {
			mc.Role = parser.ModbusTCPClient
		} else {
			mc.Role = parser.ModbusTCPServer
		}
		p, err := parser.NewModbusTCP(mc)
		if err != nil {
			return nil, fmt.Errorf("gateway: new modbus tcp parser: %w", err)
		}
		return p, nil
	case "split":
		return parser.NewSplit(cfg.SplitSegments, cfg.SplitAlignment), nil
	case "fake":
		return parser.NewFake(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownParserKind, cfg.ParserKind)
	}
}

func newMAC(cfg Config, maxEmbedBits uint) (mac.MAC, error) {
	switch cfg.MACKind {
	case "hmac-sha256":
		m, err := mac.NewHMACSHA256(maxEmbedBits)
		if err != nil {
			return nil, fmt.Errorf("gateway: new hmac-sha256 mac: %w", err)
		}
		return m, nil
	case "null":
		return mac.NewNull(maxEmbedBits), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMACKind, cfg.MACKind)
	}
}

// modbusMaxFrame bounds how many bytes a single Modbus/TCP frame can
// require: the MBAP header's Length field is 16 bits and covers
// everything from the Unit Identifier onward, plus the 6-byte header
// prefix that precedes it.
const modbusMaxFrame = 6 + 0xFFFF

// Proxy relays frames between a legacy Modbus/TCP peer (Legacy) and an
// authenticated repelgo peer (Upstream), driving conn's Embed on the
// direction moving toward Upstream and Authenticate on the direction
// moving away from it — the roles are symmetric between RoleClient and
// RoleServer, only which side performs TID remapping differs (set via
// Config.Role when conn was built).
type Proxy struct {
	conn      *engine.Connection
	connName  string
	parserTag string
	metrics   *repelgometrics.Collector
	logger    *slog.Logger
}

// NewProxy returns a Proxy driving conn, identified by name in logs and
// metrics labels.
func NewProxy(conn *engine.Connection, name, parserTag string, metrics *repelgometrics.Collector, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{conn: conn, connName: name, parserTag: parserTag, metrics: metrics, logger: logger}
}

// Run relays a single legacy<->upstream pair until either side closes
// or ctx is cancelled. legacy is the leg carrying plain (soon to be
// protected) Modbus/TCP frames; upstream carries the same frames with
// MAC bits embedded in their carrier fields.
func (p *Proxy) Run(ctx context.Context, legacy, upstream net.Conn) error {
	errc := make(chan error, 2)

	go func() { errc <- p.embedLoop(legacy, upstream) }()
	go func() { errc <- p.authenticateLoop(upstream, legacy) }()

	select {
	case <-ctx.Done():
		_ = legacy.Close()
		_ = upstream.Close()
		<-errc
		return ctx.Err()
	case err := <-errc:
		_ = legacy.Close()
		_ = upstream.Close()
		return err
	}
}

// embedLoop reads whole legacy frames, embeds MAC bits, and forwards
// them to upstream.
func (p *Proxy) embedLoop(legacy io.Reader, upstream io.Writer) error {
	br := bufio.NewReaderSize(legacy, modbusMaxFrame)
	buf := make([]byte, modbusMaxFrame)

	for {
		n, err := readModbusFrame(br, buf)
		if err != nil {
			return fmt.Errorf("gateway: read legacy frame: %w", err)
		}

		bits, err := p.conn.Embed(buf, n)
		if err != nil {
			return fmt.Errorf("gateway: embed: %w", err)
		}
		if p.metrics != nil {
			p.metrics.RecordEmbed(p.connName, p.parserTag, bits > 0)
		}

		if _, err := upstream.Write(buf[:n]); err != nil {
			return fmt.Errorf("gateway: write upstream: %w", err)
		}
	}
}

// authenticateLoop reads whole upstream frames, authenticates them, and
// forwards the restored bytes to legacy once verified.
func (p *Proxy) authenticateLoop(upstream io.Reader, legacy io.Writer) error {
	br := bufio.NewReaderSize(upstream, modbusMaxFrame)
	buf := make([]byte, modbusMaxFrame)

	for {
		n, err := readModbusFrame(br, buf)
		if err != nil {
			return fmt.Errorf("gateway: read upstream frame: %w", err)
		}

		var verified bool
		var loss uint16
		onOK := func(_ []byte, _ int, auth engine.Auth) {
			verified = true
			loss = auth.PacketLoss
		}
		onFail := func(_ []byte, _ int, _ engine.Auth) {
			verified = false
		}

		pktlen, err := p.conn.Authenticate(buf, n, onOK, onFail, nil)
		if err != nil {
			return fmt.Errorf("gateway: authenticate: %w", err)
		}
		if p.metrics != nil {
			switch {
			case pktlen < 0:
				p.metrics.RecordParseIncomplete(p.connName, p.parserTag)
			case pktlen == 0:
				p.metrics.RecordParseMalformed(p.connName, p.parserTag)
			default:
				p.metrics.RecordAuthenticate(p.connName, p.parserTag, verified, loss)
			}
		}

		if pktlen <= 0 {
			continue
		}
		if !verified {
			p.logger.Error("authentication failed, dropping frame",
				slog.String("connection", p.connName))
			continue
		}

		if _, err := legacy.Write(buf[:pktlen]); err != nil {
			return fmt.Errorf("gateway: write legacy: %w", err)
		}
	}
}

// readModbusFrame reads one complete Modbus/TCP MBAP frame from br into
// buf: the 6-byte header first, then as many more bytes as the header's
// Length field announces. The parser is not consulted; the Length field
// alone decides the frame size.
func readModbusFrame(br *bufio.Reader, buf []byte) (int, error) {
	const headerLen = 6

	if _, err := io.ReadFull(br, buf[:headerLen]); err != nil {
		return 0, err
	}

	length := int(buf[4])<<8 | int(buf[5])
	total := headerLen + length
	if total <= headerLen || total > len(buf) {
		return 0, fmt.Errorf("gateway: %w: length field %d", ErrFrameTooLarge, length)
	}

	if _, err := io.ReadFull(br, buf[headerLen:total]); err != nil {
		return 0, err
	}

	return total, nil
}

// ErrFrameTooLarge is returned by readModbusFrame when a header's
// Length field describes a frame the gateway's fixed buffer cannot
// hold, and also when the Length field is 0.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")
