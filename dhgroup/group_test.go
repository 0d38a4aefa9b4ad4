package dhgroup

import (
	"crypto/rand"
	"math/big"
	"testing"
)

func TestPublicPrivateRoundTrip(t *testing.T) {
	grp := Group14

	aPriv, err := grp.Private(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bPriv, err := grp.Private(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	aPub := grp.Public(aPriv)
	bPub := grp.Public(bPriv)

	aShared, err := grp.Shared(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	bShared, err := grp.Shared(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}

	if aShared.Cmp(bShared) != 0 {
		t.Fatal("both sides must derive the same shared secret")
	}
}

func TestSharedRejectsDegenerateValues(t *testing.T) {
	grp := Group14
	priv, err := grp.Private(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	cases := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		new(big.Int).Set(grp.P),
		new(big.Int).Sub(grp.P, big.NewInt(1)),
	}
	for _, peer := range cases {
		if _, err := grp.Shared(priv, peer); err == nil {
			t.Fatalf("expected rejection of degenerate peer value %v", peer)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	grp := Group14
	priv, err := grp.Private(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pub := grp.Public(priv)

	encoded := grp.Encode(pub)
	if len(encoded) != grp.ByteLen() {
		t.Fatalf("expected %d-byte encoding, got %d", grp.ByteLen(), len(encoded))
	}

	decoded := grp.Decode(encoded)
	if decoded.Cmp(pub) != 0 {
		t.Fatal("decode(encode(x)) != x")
	}
}

func TestEncodeZeroPads(t *testing.T) {
	grp := Group14
	small := big.NewInt(42)
	encoded := grp.Encode(small)
	if len(encoded) != grp.ByteLen() {
		t.Fatalf("expected fixed-width %d-byte output, got %d", grp.ByteLen(), len(encoded))
	}
	if grp.Decode(encoded).Cmp(small) != 0 {
		t.Fatal("round trip of a small value failed")
	}
}

func TestGroup14IsOddAndLargeEnough(t *testing.T) {
	if Group14.P.Bit(0) != 1 {
		t.Fatal("modulus must be odd")
	}
	if Group14.ByteLen() < 256 {
		t.Fatalf("expected at least a 2048-bit modulus, got %d bytes", Group14.ByteLen())
	}
}
