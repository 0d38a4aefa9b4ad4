package recordcipher

import (
	"bytes"
	"testing"

	"github.com/briarhollow/otrwire/ivcounter"
	"github.com/briarhollow/otrwire/otrmac"
)

func testKeys() Keys {
	var k Keys
	for i := range k.SymmetricKey {
		k.SymmetricKey[i] = byte(i)
	}
	for i := range k.MacKey {
		k.MacKey[i] = byte(i + 1)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := testKeys()
	var sendIV, recvIV ivcounter.Counter
	plaintext := []byte("hello")

	rec, _, _, err := Encrypt(keys, &sendIV, [otrmac.KeyLen]byte{}, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decrypt(keys, &recvIV, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", got, plaintext)
	}
	if sendIV != (ivcounter.Counter{1}) || recvIV != (ivcounter.Counter{1}) {
		t.Fatalf("both IVs should advance to [1,0,...]: send=%v recv=%v", sendIV, recvIV)
	}
}

func TestDecryptRejectsTamperedContent(t *testing.T) {
	keys := testKeys()
	var sendIV, recvIV ivcounter.Counter

	rec, _, _, err := Encrypt(keys, &sendIV, [otrmac.KeyLen]byte{}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	rec.Content[0] ^= 0x01 // flip a bit in the ciphertext

	if _, err := Decrypt(keys, &recvIV, rec); err != ErrMacMismatch {
		t.Fatalf("expected ErrMacMismatch, got %v", err)
	}
	if recvIV != (ivcounter.Counter{}) {
		t.Fatal("IV must not advance on MAC failure")
	}
}

func TestDecryptRejectsTamperedMac(t *testing.T) {
	keys := testKeys()
	var sendIV, recvIV ivcounter.Counter

	rec, _, _, err := Encrypt(keys, &sendIV, [otrmac.KeyLen]byte{}, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	rec.Mac[0] ^= 0x01

	if _, err := Decrypt(keys, &recvIV, rec); err != ErrMacMismatch {
		t.Fatalf("expected ErrMacMismatch, got %v", err)
	}
}

func TestOldMacKeyCarriedAndUpdated(t *testing.T) {
	keys := testKeys()
	var iv ivcounter.Counter

	rec1, prev1, _, err := Encrypt(keys, &iv, [otrmac.KeyLen]byte{}, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if rec1.OldMacKey != ([otrmac.KeyLen]byte{}) {
		t.Fatal("first record should carry zero old_mac_key")
	}
	if prev1 != keys.MacKey {
		t.Fatal("previous mac key should become the current mac key after sending")
	}

	rec2, _, _, err := Encrypt(keys, &iv, prev1, []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if rec2.OldMacKey != keys.MacKey {
		t.Fatal("second record should reveal the mac key used on the first")
	}
}

func TestShouldRekeyFiresAtCounterThreshold(t *testing.T) {
	keys := testKeys()
	var iv ivcounter.Counter
	// Bytes 0-7 all 0xFF so the increment carries into byte 8: 0xFE -> 0xFF.
	for i := 0; i < 8; i++ {
		iv[i] = 0xFF
	}
	iv[8] = 0xFE

	_, _, shouldRekey, err := Encrypt(keys, &iv, [otrmac.KeyLen]byte{}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if !shouldRekey {
		t.Fatal("expected rekey trigger once iv[8] reaches 0xFF after increment")
	}
}

func TestDecryptRejectsWrongVariant(t *testing.T) {
	keys := testKeys()
	var iv ivcounter.Counter
	rec, _, _, err := Encrypt(keys, &iv, [otrmac.KeyLen]byte{}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	rec.Tag = 2 // TagDhOffer
	if _, err := Decrypt(keys, &iv, rec); err == nil {
		t.Fatal("expected error decrypting a non-Encrypted record")
	}
}
