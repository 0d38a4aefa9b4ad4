// Package handshake implements the signed Diffie-Hellman key agreement
// run once per session before any record traffic flows. The shape
// mirrors the teacher's ntor handshake (ephemeral key pair, combine,
// derive) with Ed25519 signing standing in for ntor's HMAC-based AUTH,
// per the specification's "512-bit hash signature scheme" requirement.
package handshake

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/briarhollow/otrwire/dhgroup"
	"github.com/briarhollow/otrwire/otrmac"
	"github.com/briarhollow/otrwire/recordcipher"
	"github.com/briarhollow/otrwire/wire"
)

// Role fixes the exchange ordering required by §4.6: the responder
// sends first to avoid both sides blocking on a read over a transport
// that does not multiplex.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// NewEphemeral generates a fresh ephemeral DH private exponent in grp.
// The caller keeps it only as long as the handshake is in flight and
// should overwrite it (e.g. via ZeroPrivate) once Complete returns.
func NewEphemeral(grp *dhgroup.Group) (*big.Int, error) {
	priv, err := grp.Private(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("handshake: generate ephemeral key: %w", err)
	}
	return priv, nil
}

// ZeroPrivate overwrites a DH private exponent's backing words. Callers
// should invoke this on every path once the exponent is no longer
// needed, matching the specification's "DH private keys ... should be
// zeroed on drop" guidance.
func ZeroPrivate(private *big.Int) {
	private.SetInt64(0)
}

// Offer builds the DhOffer record to send: the local public value,
// signed with the long-term signing key.
func Offer(grp *dhgroup.Group, private *big.Int, signingKey ed25519.PrivateKey) *wire.Record {
	pubBytes := grp.Encode(grp.Public(private))
	sig := ed25519.Sign(signingKey, pubBytes)
	return &wire.Record{
		Tag:       wire.TagDhOffer,
		PublicKey: pubBytes,
		Signature: sig,
	}
}

// Keys is the symmetric key material derived once both DH offers have
// been exchanged and verified.
type Keys = recordcipher.Keys

// Complete verifies the peer's signed DhOffer against peerSigningKey,
// combines it with the local private exponent, and derives the
// session's initial Keys. On signature failure it returns
// ErrAuthFailure (the handshake-specific `auth-failure` condition from
// §7); the caller is responsible for aborting the session.
func Complete(grp *dhgroup.Group, private *big.Int, peerOffer *wire.Record, peerSigningKey ed25519.PublicKey) (Keys, error) {
	if peerOffer.Tag != wire.TagDhOffer {
		return Keys{}, fmt.Errorf("handshake: expected DhOffer, got tag %d", peerOffer.Tag)
	}
	if !ed25519.Verify(peerSigningKey, peerOffer.PublicKey, peerOffer.Signature) {
		return Keys{}, ErrAuthFailure
	}

	peerPub := grp.Decode(peerOffer.PublicKey)
	z, err := grp.Shared(private, peerPub)
	if err != nil {
		return Keys{}, fmt.Errorf("handshake: %w: %w", ErrCryptoInternal, err)
	}

	keys := deriveKeys(z)
	z.SetInt64(0)
	return keys, nil
}

// deriveKeys implements §4.6 steps 3-4: symmetric_key = first 32 bytes
// of SHA3-256(Z); mac_key is derived from symmetric_key as in §4.5.
func deriveKeys(z *big.Int) Keys {
	digest := sha3.Sum256(z.Bytes())
	var keys Keys
	copy(keys.SymmetricKey[:], digest[:])
	keys.MacKey = otrmac.DeriveMacKey(keys.SymmetricKey[:])
	return keys
}

// ErrAuthFailure signals that a peer's DhOffer signature did not
// verify against its long-term public key.
var ErrAuthFailure = fmt.Errorf("handshake: signature verification failed")

// ErrCryptoInternal wraps unexpected failures from the DH primitives
// themselves (degenerate shared secret, etc.), distinct from a
// deliberate auth failure.
var ErrCryptoInternal = fmt.Errorf("handshake: crypto primitive failure")
