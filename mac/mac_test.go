package mac_test

import (
	"testing"

	"github.com/kvx-labs/repelgo/mac"
)

func symmetricKeys(a, b [mac.HMACKeyLen]byte) ([]byte, []byte) {
	// Peer 1 signs with a, verifies with b. Peer 2 (symmetric) signs
	// with b, verifies with a.
	k1 := append(append([]byte{}, a[:]...), b[:]...)
	k2 := append(append([]byte{}, b[:]...), a[:]...)
	return k1, k2
}

func TestHMACSHA256SignVerify(t *testing.T) {
	var a, b [mac.HMACKeyLen]byte
	for i := range a {
		a[i] = byte(i)
		b[i] = byte(0xff - i)
	}
	k1, k2 := symmetricKeys(a, b)

	m1, err := mac.NewHMACSHA256(36)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := mac.NewHMACSHA256(36)
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.SetKeys(k1); err != nil {
		t.Fatal(err)
	}
	if err := m2.SetKeys(k2); err != nil {
		t.Fatal(err)
	}

	packet := []byte("modbus tcp frame payload")
	tag, err := m1.Sign(packet, len(packet), 32, 4, mac.EncodeNonce(7))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := m2.Verify(packet, len(packet), tag, 32, mac.EncodeNonce(7))
	if err != nil {
		t.Fatal(err)
	}
	if ok != 32 {
		t.Fatalf("verify = %d, want 32", ok)
	}

	// Tampering the packet must flip the verdict.
	tampered := append([]byte{}, packet...)
	tampered[0] ^= 0x01
	ok, err = m2.Verify(tampered, len(tampered), tag, 32, mac.EncodeNonce(7))
	if err != nil {
		t.Fatal(err)
	}
	if ok != -32 {
		t.Fatalf("verify of tampered packet = %d, want -32", ok)
	}
}

func TestHMACSHA256RejectsOversizeWidth(t *testing.T) {
	if _, err := mac.NewHMACSHA256(300); err == nil {
		t.Fatal("expected error constructing adapter with width beyond digest capacity")
	}
}

func TestHMACSHA256BadKeyLen(t *testing.T) {
	m, err := mac.NewHMACSHA256(36)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetKeys(make([]byte, 10)); err == nil {
		t.Fatal("expected error for undersized key blob")
	}
}

func TestNullAlwaysVerifies(t *testing.T) {
	n := mac.NewNull(36)
	packet := []byte{0x01, 0x02, 0x03}
	tag, err := n.Sign(packet, len(packet), 36, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range tag {
		if b != 0xff {
			t.Fatalf("null MAC not all-ones: %x", tag)
		}
	}

	ok, err := n.Verify(packet, len(packet), tag, 36, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok != 36 {
		t.Fatalf("verify = %d, want 36", ok)
	}

	// Any key configuration verifies since Null ignores SetKeys.
	if err := n.SetKeys([]byte("irrelevant")); err != nil {
		t.Fatal(err)
	}
	ok, err = n.Verify(packet, len(packet), tag, 36, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok != 36 {
		t.Fatalf("verify after SetKeys = %d, want 36", ok)
	}
}
