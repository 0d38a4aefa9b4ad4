// Package otrmac implements the protocol's nested keyed-hash MAC
// construction. It is a hand-rolled HMAC-shaped scheme over a 512-bit
// hash and a 512-bit key, reproduced bit-exact here rather than via
// crypto/hmac, per the specification's explicit instruction — interop
// depends on this exact byte sequence, not merely on an equivalent MAC.
package otrmac

import (
	"crypto/subtle"

	"golang.org/x/crypto/sha3"
)

// KeyLen is the MAC key width in bytes (512 bits).
const KeyLen = 64

// TagLen is the MAC tag width in bytes (512 bits).
const TagLen = 64

var ipad = makePad(0x36)
var opad = makePad(0x5C)

func makePad(b byte) [KeyLen]byte {
	var p [KeyLen]byte
	for i := range p {
		p[i] = b
	}
	return p
}

// Tag computes the 64-byte MAC over message m under the 64-byte key key:
//
//	T1  = H(K xor ipad || M)
//	T2  = H(K xor opad || T1)
//	tag = T2
//
// where H is SHA3-512. The spec's literal construction pads ipad/opad to
// K's own 64-byte length, not to SHA3-512's internal 72-byte rate — this
// XORs key directly against a 64-byte pad, so the hash input matches a
// conformant peer byte-for-byte.
func Tag(key [KeyLen]byte, m []byte) [TagLen]byte {
	var innerKey [KeyLen]byte
	for i := range innerKey {
		innerKey[i] = key[i] ^ ipad[i]
	}
	t1 := sha3.Sum512(append(append([]byte{}, innerKey[:]...), m...))

	var outerKey [KeyLen]byte
	for i := range outerKey {
		outerKey[i] = key[i] ^ opad[i]
	}
	t2 := sha3.Sum512(append(append([]byte{}, outerKey[:]...), t1[:]...))

	return t2
}

// Equal compares two tags in constant time, mirroring the digest
// comparisons in the teacher codebase's relay-cell verification.
func Equal(a, b [TagLen]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// DeriveMacKey computes mac_key = H_512(symmetric_key), run whenever the
// session's symmetric_key changes.
func DeriveMacKey(symmetricKey []byte) [KeyLen]byte {
	return sha3.Sum512(symmetricKey)
}
