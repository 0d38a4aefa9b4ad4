// Package ivcounter implements the 16-byte record counter (IV) described
// by the specification: an unsigned integer stored least-significant byte
// first (byte index 0 is the low byte) that increments by one per record, wraps to zero on overflow, and exposes a rekey
// predicate fired strictly before that wraparound.
package ivcounter

// Len is the IV width in bytes.
const Len = 16

// rekeyByteIndex is the byte index whose value triggers ShouldRekey.
const rekeyByteIndex = 8

// rekeyThreshold is the value that byte must reach.
const rekeyThreshold = 0xFF

// Counter is a 16-byte little-endian-style counter.
type Counter [Len]byte

// Increment adds one with carry propagating from byte index 0 (low)
// toward byte index 15 (high) — a little-endian-style counter. On
// overflow of all bytes it wraps to all-zero. The first increment of a
// freshly reset counter therefore yields [1, 0, 0, ..., 0].
func (c *Counter) Increment() {
	for i := 0; i < Len; i++ {
		c[i]++
		if c[i] != 0 {
			return
		}
	}
	// All bytes wrapped through zero: the counter as a whole wraps to
	// all-zero, which is already the state left behind by the loop above.
}

// Reset zeroes the counter, as happens when a session begins and whenever
// a rekey completes.
func (c *Counter) Reset() {
	*c = Counter{}
}

// ShouldRekey reports whether the counter has reached the threshold that
// must trigger a rekey before the IV can repeat under the current key.
func (c *Counter) ShouldRekey() bool {
	return c[rekeyByteIndex] == rekeyThreshold
}

// Bytes returns a copy of the counter's 16 bytes in index order, suitable for use as a
// block-cipher counter-mode IV.
func (c *Counter) Bytes() []byte {
	out := make([]byte, Len)
	copy(out, c[:])
	return out
}
