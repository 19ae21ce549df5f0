package gateway_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/kvx-labs/repelgo/internal/gateway"
	repelgometrics "github.com/kvx-labs/repelgo/internal/metrics"
	"github.com/kvx-labs/repelgo/parser"
)

// peerKeys returns the 32-byte HMAC-SHA256 key blobs for two ends of a
// connection that have swapped send/recv halves, so a writes b reads and
// vice versa.
func peerKeys() (a, b []byte) {
	half1 := make([]byte, 16)
	half2 := make([]byte, 16)
	for i := range half1 {
		half1[i] = byte(i + 1)
		half2[i] = byte(0xF0 - i)
	}
	a = append(append([]byte{}, half1...), half2...)
	b = append(append([]byte{}, half2...), half1...)
	return a, b
}

func TestNewEngineParserKinds(t *testing.T) {
	keyA, _ := peerKeys()

	cases := []struct {
		name string
		cfg  gateway.Config
	}{
		{"modbustcp/hmac", gateway.Config{
			ParserKind:     "modbustcp",
			ModbusTCP:      parser.ModbusTCPConfig{ReuseTIDBits: 12, ReuseUnitID: true},
			MACKind:        "hmac-sha256",
			EmbedNonceBits: 3,
			Keys:           keyA,
		}},
		{"modbustcp/null", gateway.Config{
			ParserKind:     "modbustcp",
			ModbusTCP:      parser.ModbusTCPConfig{ReuseTIDBits: 12, ReuseUnitID: true},
			MACKind:        "null",
			EmbedNonceBits: 3,
		}},
		{"split/hmac", gateway.Config{
			ParserKind:     "split",
			SplitSegments:  3,
			SplitAlignment: parser.SplitGapBit,
			MACKind:        "hmac-sha256",
			EmbedNonceBits: 2,
			Keys:           keyA,
		}},
		{"fake/null", gateway.Config{
			ParserKind: "fake",
			MACKind:    "null",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := gateway.NewEngine(tc.cfg, slog.Default())
			if err != nil {
				t.Fatalf("NewEngine: %v", err)
			}
			if conn == nil {
				t.Fatal("NewEngine returned nil connection")
			}
		})
	}
}

func TestNewEngineUnknownKinds(t *testing.T) {
	if _, err := gateway.NewEngine(gateway.Config{ParserKind: "bogus", MACKind: "null"}, nil); err == nil {
		t.Fatal("expected error for unknown parser kind")
	}
	if _, err := gateway.NewEngine(gateway.Config{ParserKind: "fake", MACKind: "bogus"}, nil); err == nil {
		t.Fatal("expected error for unknown mac kind")
	}
}

// modbusFrame builds a minimal well-formed MBAP frame: a 6-byte header
// (transaction id, protocol id, length) followed by a unit identifier and
// a tiny read-holding-registers PDU.
func modbusFrame(tid uint16) []byte {
	pdu := []byte{0x03, 0x00, 0x00, 0x00, 0x01} // function 3, addr 0, qty 1
	unitID := byte(0x11)
	length := uint16(1 + len(pdu))

	frame := make([]byte, 0, 6+1+len(pdu))
	frame = append(frame, byte(tid>>8), byte(tid))
	frame = append(frame, 0x00, 0x00) // protocol id
	frame = append(frame, byte(length>>8), byte(length))
	frame = append(frame, unitID)
	frame = append(frame, pdu...)
	return frame
}

// TestProxyRoundTrip wires two gateway.Proxy instances back to back
// (client-side and server-side) over an in-memory pipe standing in for
// the protected wire, and a legacy peer on each side standing in for the
// real Modbus/TCP client and server. A request written on the client leg
// arrives on the server leg with its Transaction Identifier replaced by
// the client's map slot (0) and its Unit Identifier set to restore's
// 0xff placeholder. A reply echoing that Transaction Identifier, as a
// Modbus/TCP server does, arrives on the client leg with the original
// Transaction Identifier restored and the same 0xff placeholder.
func TestProxyRoundTrip(t *testing.T) {
	clientKeys, serverKeys := peerKeys()

	clientConn, err := gateway.NewEngine(gateway.Config{
		Role:           gateway.RoleClient,
		ParserKind:     "modbustcp",
		ModbusTCP:      parser.ModbusTCPConfig{ReuseTIDBits: 12, ReuseUnitID: true},
		MACKind:        "hmac-sha256",
		EmbedNonceBits: 3,
		Keys:           clientKeys,
	}, slog.Default())
	if err != nil {
		t.Fatalf("client NewEngine: %v", err)
	}

	serverConn, err := gateway.NewEngine(gateway.Config{
		Role:           gateway.RoleServer,
		ParserKind:     "modbustcp",
		ModbusTCP:      parser.ModbusTCPConfig{ReuseTIDBits: 12, ReuseUnitID: true},
		MACKind:        "hmac-sha256",
		EmbedNonceBits: 3,
		Keys:           serverKeys,
	}, slog.Default())
	if err != nil {
		t.Fatalf("server NewEngine: %v", err)
	}

	collector := repelgometrics.NewCollector(nil)
	clientProxy := gateway.NewProxy(clientConn, "client-leg", "modbustcp", collector, slog.Default())
	serverProxy := gateway.NewProxy(serverConn, "server-leg", "modbustcp", collector, slog.Default())

	legacyClient, appClient := net.Pipe()
	wireClient, wireServer := net.Pipe()
	legacyServer, appServer := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = clientProxy.Run(ctx, legacyClient, wireClient) }()
	go func() { _ = serverProxy.Run(ctx, legacyServer, wireServer) }()

	req := modbusFrame(0x1234)
	done := make(chan error, 1)
	go func() {
		_, err := appClient.Write(req)
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("write request: %v", err)
	}

	got := make([]byte, len(req))
	if err := readDeadline(appServer, got); err != nil {
		t.Fatalf("read request at server: %v", err)
	}
	wantReq := append([]byte{}, req...)
	wantReq[0], wantReq[1] = 0x00, 0x00 // client map slot 0; reused upper TID bits zeroed
	wantReq[6] = 0xff                   // Unit Identifier placeholder
	if string(got) != string(wantReq) {
		t.Fatalf("request mismatch: got %x want %x", got, wantReq)
	}

	resp := modbusFrame(0x1234)
	resp[0], resp[1] = got[0], got[1] // the server echoes the TID it received
	resp[8] = 0x02                    // vary the PDU slightly so request/response aren't identical by construction
	go func() {
		_, err := appServer.Write(resp)
		done <- err
	}()
	if err := <-done; err != nil {
		t.Fatalf("write response: %v", err)
	}

	got2 := make([]byte, len(resp))
	if err := readDeadline(appClient, got2); err != nil {
		t.Fatalf("read response at client: %v", err)
	}
	wantResp := append([]byte{}, resp...)
	wantResp[0], wantResp[1] = 0x12, 0x34 // original TID restored by the client's Verified
	wantResp[6] = 0xff                    // Unit Identifier placeholder
	if string(got2) != string(wantResp) {
		t.Fatalf("response mismatch: got %x want %x", got2, wantResp)
	}
}

func readDeadline(conn net.Conn, buf []byte) error {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
