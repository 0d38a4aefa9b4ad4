// Package recordcipher implements the authenticated record framing
// described by the specification: AES-256-CTR encryption paired with the
// otrmac nested-hash MAC, computed encrypt-and-MAC style (the MAC covers
// the plaintext, not the ciphertext — the specification's explicitly
// chosen, weaker-than-encrypt-then-MAC variant; see DESIGN.md for why
// this is kept rather than "fixed").
package recordcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/briarhollow/otrwire/ivcounter"
	"github.com/briarhollow/otrwire/otrmac"
	"github.com/briarhollow/otrwire/wire"
)

// KeyLen is the symmetric session key width in bytes (256 bits).
const KeyLen = 32

// Keys bundles the material recordcipher needs for a session's traffic;
// the same Keys encrypt outbound and decrypt inbound records. Session (C8) owns the canonical copy; callers pass a snapshot
// so encrypt/decrypt never race with a concurrent rekey installing new
// keys mid-operation.
type Keys struct {
	SymmetricKey [KeyLen]byte
	MacKey       [otrmac.KeyLen]byte
}

// Encrypt performs step 1-6 of §4.5: encrypt, MAC over the plaintext,
// assemble the Encrypted record (carrying the previous MAC key for wire
// compatibility), advance the IV, and report whether the resulting IV
// demands a rekey.
//
// previousMacKey is the raw mac_key used on the most recently sent
// record, or the zero value if none has been sent yet under the current
// key (§3 invariant 5) — this implementation resolves the "reveal old MAC
// key" open question by storing the key's raw value, not a further
// derived one.
func Encrypt(keys Keys, iv *ivcounter.Counter, previousMacKey [otrmac.KeyLen]byte, plaintext []byte) (rec *wire.Record, nextPreviousMacKey [otrmac.KeyLen]byte, shouldRekey bool, err error) {
	ciphertext, err := xorKeyStream(keys.SymmetricKey, iv.Bytes(), plaintext)
	if err != nil {
		return nil, previousMacKey, false, fmt.Errorf("recordcipher: encrypt: %w", err)
	}

	tag := otrmac.Tag(keys.MacKey, plaintext)

	rec = &wire.Record{
		Tag:       wire.TagEncrypted,
		Content:   ciphertext,
		Mac:       tag,
		OldMacKey: previousMacKey,
	}

	iv.Increment()
	return rec, keys.MacKey, iv.ShouldRekey(), nil
}

// Decrypt performs steps 1-5 of §4.5's inbound path. On MAC mismatch it
// returns ErrMacMismatch and the caller MUST NOT advance the IV — that is
// the resolved "IV advance on MAC failure" open question, enforced here
// by simply returning before calling iv.Increment().
func Decrypt(keys Keys, iv *ivcounter.Counter, rec *wire.Record) (plaintext []byte, err error) {
	if rec.Tag != wire.TagEncrypted {
		return nil, fmt.Errorf("recordcipher: decrypt: not an Encrypted record")
	}

	plaintext, err = xorKeyStream(keys.SymmetricKey, iv.Bytes(), rec.Content)
	if err != nil {
		return nil, fmt.Errorf("recordcipher: decrypt: %w", err)
	}

	expected := otrmac.Tag(keys.MacKey, plaintext)
	if !otrmac.Equal(expected, rec.Mac) {
		return nil, ErrMacMismatch
	}

	iv.Increment()
	return plaintext, nil
}

// ErrMacMismatch signals the `mac-mismatch` soft error from §7: the
// record is dropped, the session continues, and the IV is left
// untouched.
var ErrMacMismatch = fmt.Errorf("recordcipher: mac mismatch")

// xorKeyStream runs AES-256-CTR over data with the given 32-byte key and
// 16-byte IV. CTR is a symmetric keystream cipher: the same call encrypts
// and decrypts.
func xorKeyStream(key [KeyLen]byte, iv []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes-256 key setup: %w", err)
	}
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}
