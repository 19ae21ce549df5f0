package mac

// Null is a MAC adapter used only to exercise the embed/extract/restore
// framing without a real cryptographic primitive: it ignores keys and
// signs every packet with an all-ones buffer, so a packet it produced
// verifies successfully under any key configuration. It corresponds to
// scenario S6 (see the core spec's Testable Properties).
type Null struct{}

// NewNull returns a Null adapter instance. maxEmbedBits is accepted for
// symmetry with the other adapters' constructors; Null has no internal
// sizing limit of its own.
func NewNull(maxEmbedBits uint) *Null {
	_ = maxEmbedBits
	return &Null{}
}

// SetKeys is a no-op; Null ignores all key material.
func (n *Null) SetKeys(keys []byte) error {
	return nil
}

// Sign implements MAC: it returns an all-ones buffer of the requested
// width, regardless of packet content.
func (n *Null) Sign(packet []byte, pktlen int, macBits, extraBits uint, nonce []byte) ([]byte, error) {
	out := make([]byte, (macBits+extraBits+7)/8)
	for i := range out {
		out[i] = 0xff
	}
	return out, nil
}

// Verify implements MAC: it succeeds iff the first bits bits of
// candidate are all ones.
func (n *Null) Verify(packet []byte, pktlen int, candidate []byte, bits uint, nonce []byte) (int32, error) {
	ones := make([]byte, (bits+7)/8)
	for i := range ones {
		ones[i] = 0xff
	}
	if prefixMatch(ones, candidate, bits) {
		return int32(bits), nil
	}
	return -int32(bits), nil
}
