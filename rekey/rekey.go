// Package rekey implements the per-session rekey sub-FSM (§4.7): the
// IDLE / INIT_SENT / RESP_SENT states that govern in-session key
// rotation, driven either by the IV counter's rekey predicate or by a
// host timer tick. Machine is not safe for concurrent use — like the
// teacher's Circuit, all mutation is meant to happen from a single
// logical owner (the session controller's goroutine); see session.Controller.
package rekey

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"

	"github.com/briarhollow/otrwire/dhgroup"
	"github.com/briarhollow/otrwire/handshake"
	"github.com/briarhollow/otrwire/otrmac"
	"github.com/briarhollow/otrwire/wire"
)

// State names the rekey sub-FSM's three states.
type State int

const (
	Idle State = iota
	InitSent
	RespSent
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case InitSent:
		return "INIT_SENT"
	case RespSent:
		return "RESP_SENT"
	default:
		return fmt.Sprintf("rekey.State(%d)", int(s))
	}
}

// Machine tracks rekey progress for one session direction pair. It
// holds the group parameters needed to generate ephemeral keys but
// never the long-term signing keys: rekey offers and responses are
// unsigned by design (§4.7).
type Machine struct {
	group      *dhgroup.Group
	state      State
	pendingDH  *big.Int // set only in InitSent; the exponent awaiting a DhResponse
}

// New creates a Machine in the Idle state for the given DH group.
func New(grp *dhgroup.Group) *Machine {
	return &Machine{group: grp, state: Idle}
}

// State reports the current rekey state.
func (m *Machine) State() State { return m.state }

// Trigger implements IDLE -> INIT_SENT: generate an ephemeral DH pair,
// remember the private exponent as pending_dh, and return the unsigned
// DhOffer to send. Per §4.7 this is a no-op (returns nil, nil) outside
// Idle: a rekey already in flight is not restarted.
func (m *Machine) Trigger() (*wire.Record, error) {
	if m.state != Idle {
		return nil, nil
	}
	priv, err := m.group.Private(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("rekey: generate ephemeral key: %w", err)
	}
	m.pendingDH = priv
	m.state = InitSent
	return &wire.Record{
		Tag:       wire.TagDhOffer,
		PublicKey: m.group.Encode(m.group.Public(priv)),
	}, nil
}

// HandleOffer processes an inbound, unsigned DhOffer. It implements two
// transitions from §4.7:
//
//   - IDLE -> RESP_SENT: generate a local ephemeral pair, derive the new
//     session keys immediately, and return both the new Keys and the
//     DhResponse to send. The rekey is complete on send, so the caller
//     transitions state back to Idle once the write succeeds (see
//     Complete).
//   - INIT_SENT -> RESP_SENT: the concurrent-initiation policy. An
//     inbound offer received while INIT_SENT is treated exactly as if
//     it arrived in Idle: the stale pendingDH is discarded (zeroed) and
//     overwritten, so a late DhResponse for the abandoned offer no
//     longer matches anything and is silently discarded by the caller.
//
// RESP_SENT is terminal for inbound offers: a second offer arriving
// before the first response's send completes is out of protocol and
// the caller should treat it as a deserialize-level anomaly (drop).
func (m *Machine) HandleOffer(offer *wire.Record) (handshake.Keys, *wire.Record, error) {
	if m.state == RespSent {
		return handshake.Keys{}, nil, fmt.Errorf("rekey: unexpected DhOffer while RESP_SENT")
	}
	if offer.Tag != wire.TagDhOffer {
		return handshake.Keys{}, nil, fmt.Errorf("rekey: expected DhOffer, got tag %d", offer.Tag)
	}

	if m.pendingDH != nil {
		m.pendingDH.SetInt64(0)
		m.pendingDH = nil
	}

	local, err := m.group.Private(rand.Reader)
	if err != nil {
		return handshake.Keys{}, nil, fmt.Errorf("rekey: generate ephemeral key: %w", err)
	}

	peerPub := m.group.Decode(offer.PublicKey)
	z, err := m.group.Shared(local, peerPub)
	if err != nil {
		local.SetInt64(0)
		return handshake.Keys{}, nil, fmt.Errorf("rekey: %w", err)
	}
	keys := deriveKeys(z)
	z.SetInt64(0)

	resp := &wire.Record{
		Tag:       wire.TagDhResponse,
		PublicKey: m.group.Encode(m.group.Public(local)),
	}
	local.SetInt64(0)

	m.state = RespSent
	return keys, resp, nil
}

// Complete transitions RESP_SENT -> IDLE once the DhResponse send has
// completed, per §4.7's "treats the rekey as complete on send."
func (m *Machine) Complete() {
	if m.state == RespSent {
		m.state = Idle
	}
}

// HandleResponse processes an inbound DhResponse while INIT_SENT,
// implementing INIT_SENT -> IDLE: combine the still-pending exponent
// with the peer's public value, derive the new session keys, and
// discard pending_dh. A response that arrives outside INIT_SENT (e.g.
// after the concurrent-initiation policy already overwrote pendingDH)
// is stale and the caller should discard it; HandleResponse reports
// that case as an error rather than silently returning zero keys, so
// the caller can distinguish "apply these keys" from "ignore this
// message."
func (m *Machine) HandleResponse(resp *wire.Record) (handshake.Keys, error) {
	if m.state != InitSent || m.pendingDH == nil {
		return handshake.Keys{}, fmt.Errorf("rekey: unexpected DhResponse in state %s", m.state)
	}
	if resp.Tag != wire.TagDhResponse {
		return handshake.Keys{}, fmt.Errorf("rekey: expected DhResponse, got tag %d", resp.Tag)
	}

	peerPub := m.group.Decode(resp.PublicKey)
	z, err := m.group.Shared(m.pendingDH, peerPub)
	m.pendingDH.SetInt64(0)
	m.pendingDH = nil
	m.state = Idle
	if err != nil {
		return handshake.Keys{}, fmt.Errorf("rekey: %w", err)
	}

	keys := deriveKeys(z)
	z.SetInt64(0)
	return keys, nil
}

// deriveKeys repeats §4.6 steps 3-4 (see handshake.deriveKeys): the new
// symmetric_key is the first 32 bytes of SHA3-256(Z), and mac_key is
// derived from it the same way as the initial handshake.
func deriveKeys(z *big.Int) handshake.Keys {
	digest := sha3.Sum256(z.Bytes())
	var keys handshake.Keys
	copy(keys.SymmetricKey[:], digest[:])
	keys.MacKey = otrmac.DeriveMacKey(keys.SymmetricKey[:])
	return keys
}
