// Package session implements the session controller (C8): it owns all
// session state (keys, IV, rekey state, role), performs the initial
// handshake, and runs the reader/writer concurrency discipline
// described in §5 — a single logical owner goroutine mutates state,
// while a dedicated reader goroutine and the host's Send calls merely
// hand messages to it. This mirrors the teacher's Circuit, which
// confines Hops/IV mutation behind rmu/wmu, generalized here to a
// single owning goroutine since every mutation (send or receive) must
// observe the session's (symmetric_key, mac_key, iv) atomically together.
package session

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/briarhollow/otrwire/clock"
	"github.com/briarhollow/otrwire/dhgroup"
	"github.com/briarhollow/otrwire/handshake"
	"github.com/briarhollow/otrwire/identity"
	"github.com/briarhollow/otrwire/ivcounter"
	"github.com/briarhollow/otrwire/otrmac"
	"github.com/briarhollow/otrwire/recordcipher"
	"github.com/briarhollow/otrwire/rekey"
	"github.com/briarhollow/otrwire/wire"
)

// sessionIDInfo is the HKDF info label for the non-secret, log-only
// session identifier recomputed on every (re)key.
const sessionIDInfo = "otrwire session id"

// deriveSessionID computes a 16-byte identifier from the current
// symmetric_key for event/log correlation. It is never transmitted and
// never used in any cryptographic check.
func deriveSessionID(symmetricKey [recordcipher.KeyLen]byte) [16]byte {
	var id [16]byte
	kdf := hkdf.New(sha3.New256, symmetricKey[:], nil, []byte(sessionIDInfo))
	_, _ = io.ReadFull(kdf, id[:])
	return id
}

// DefaultRekeyInterval is the host-level periodic timer's default
// period (§4.7: "reference: once per minute").
const DefaultRekeyInterval = time.Minute

// DefaultHandshakeTimeout bounds the initial handshake per §5's
// cancellation requirement.
const DefaultHandshakeTimeout = 30 * time.Second

// Sink receives plaintexts delivered to the host, the `MessageSink`
// collaborator from §6.
type Sink interface {
	Deliver(plaintext []byte, inbound bool, at time.Time)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(plaintext []byte, inbound bool, at time.Time)

func (f SinkFunc) Deliver(plaintext []byte, inbound bool, at time.Time) { f(plaintext, inbound, at) }

// Config bundles the tunables a host may override; Establish fills in
// the documented defaults for anything left zero.
type Config struct {
	Group            *dhgroup.Group
	RekeyInterval    time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Group == nil {
		c.Group = dhgroup.Group14
	}
	if c.RekeyInterval <= 0 {
		c.RekeyInterval = DefaultRekeyInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// state holds everything the single owning goroutine mutates. It is
// never accessed from any other goroutine.
type state struct {
	role           handshake.Role
	keys           recordcipher.Keys
	iv             ivcounter.Counter
	previousMacKey [otrmac.KeyLen]byte
	rekeyMachine   *rekey.Machine
	peerOnline     bool
	sessionID      [16]byte
}

// Controller is the SessionHandle exposed to the host: establish once,
// then Send/Close/Events.
type Controller struct {
	conn   io.ReadWriter
	reader *wire.Reader
	writer *wire.Writer
	cfg    Config
	sink   Sink

	st state

	sendCh   chan sendRequest
	eventsCh chan Event
	closeCh  chan struct{}
	closed   sync.Once
	wg       conc.WaitGroup
}

type sendRequest struct {
	plaintext []byte
	result    chan error
}

// Establish performs the role-ordered signed-DH handshake (§4.6) over
// conn and, on success, starts the controller's reader and dispatch
// goroutines. role must already be determined by the transport's
// simultaneous listen/connect race (C1); Establish does not perform
// that race itself.
func Establish(conn io.ReadWriter, role handshake.Role, idp identity.Provider, sink Sink, clk clock.Clock, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()

	ownPriv, peerPub, err := idp.Identity()
	if err != nil {
		return nil, newError(IdentityUnavailable, err)
	}

	if d, ok := conn.(deadliner); ok {
		_ = d.SetDeadline(timeNowPlus(cfg.HandshakeTimeout))
		defer func() { _ = d.SetDeadline(time.Time{}) }()
	}

	reader := wire.NewReader(conn)
	writer := wire.NewWriter(conn)

	keys, err := runHandshake(cfg.Group, role, reader, writer, ownPriv, peerPub)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		conn:     conn,
		reader:   reader,
		writer:   writer,
		cfg:      cfg,
		sink:     sink,
		sendCh:   make(chan sendRequest),
		eventsCh: make(chan Event, 8),
		closeCh:  make(chan struct{}),
	}
	c.st = state{
		role:         role,
		keys:         keys,
		rekeyMachine: rekey.New(cfg.Group),
		peerOnline:   true,
		sessionID:    deriveSessionID(keys.SymmetricKey),
	}

	c.emit(Event{Kind: Online})
	c.run(clk)
	return c, nil
}

// timeNowPlus exists only so the deadline computation reads clearly at
// the call site; it is a thin wrapper over time.Now since Establish has
// no access to a clock.Clock before the session exists.
func timeNowPlus(d time.Duration) time.Time { return time.Now().Add(d) }

// classifyHandshakeIOErr distinguishes a deadline-exceeded read/write
// during the handshake (§5's bounded time budget) from any other
// transport I/O failure, so a caller can tell `handshake-timeout` apart
// from a generic `io-error`.
func classifyHandshakeIOErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(HandshakeTimeout, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(HandshakeTimeout, err)
	}
	return newError(IOError, err)
}

func runHandshake(grp *dhgroup.Group, role handshake.Role, reader *wire.Reader, writer *wire.Writer, ownPriv ed25519.PrivateKey, peerPub ed25519.PublicKey) (recordcipher.Keys, error) {
	eph, err := handshake.NewEphemeral(grp)
	if err != nil {
		return recordcipher.Keys{}, newError(CryptoInternal, err)
	}
	defer handshake.ZeroPrivate(eph)

	ownOffer := handshake.Offer(grp, eph, ownPriv)

	sendOffer := func() error {
		return writer.WritePayload(ownOffer.Encode())
	}
	recvOffer := func() (*wire.Record, error) {
		payload, err := reader.ReadPayload()
		if err != nil {
			return nil, classifyHandshakeIOErr(err)
		}
		rec, err := wire.Decode(payload)
		if err != nil {
			return nil, newError(DeserializeError, err)
		}
		return rec, nil
	}

	var peerOffer *wire.Record
	if role == handshake.Responder {
		if err := sendOffer(); err != nil {
			return recordcipher.Keys{}, classifyHandshakeIOErr(err)
		}
		peerOffer, err = recvOffer()
		if err != nil {
			return recordcipher.Keys{}, err
		}
	} else {
		peerOffer, err = recvOffer()
		if err != nil {
			return recordcipher.Keys{}, err
		}
		if err := sendOffer(); err != nil {
			return recordcipher.Keys{}, classifyHandshakeIOErr(err)
		}
	}

	keys, err := handshake.Complete(grp, eph, peerOffer, peerPub)
	if err != nil {
		if err == handshake.ErrAuthFailure {
			return recordcipher.Keys{}, newError(AuthFailure, err)
		}
		return recordcipher.Keys{}, newError(CryptoInternal, err)
	}
	return keys, nil
}

// run starts the reader goroutine and the single owning dispatch loop
// under a conc.WaitGroup, matching the corpus's panic-safe goroutine
// supervision: a panic inside either goroutine is recovered and
// re-raised on Close/Wait rather than silently killing the process.
func (c *Controller) run(clk clock.Clock) {
	type inbound struct {
		rec            *wire.Record
		ioErr          error
		deserializeErr error
	}
	inboundCh := make(chan inbound)

	c.wg.Go(func() {
		for {
			payload, err := c.reader.ReadPayload()
			if err != nil {
				select {
				case inboundCh <- inbound{ioErr: err}:
				case <-c.closeCh:
				}
				return
			}
			rec, err := wire.Decode(payload)
			msg := inbound{rec: rec, deserializeErr: err}
			select {
			case inboundCh <- msg:
			case <-c.closeCh:
				return
			}
		}
	})

	tickCh, stopTick := clk.Tick(c.cfg.RekeyInterval)

	c.wg.Go(func() {
		defer stopTick()
		for {
			select {
			case in := <-inboundCh:
				if in.ioErr != nil {
					c.abort(newError(IOError, in.ioErr))
					return
				}
				if in.deserializeErr != nil {
					// deserialize-error: soft-drop, keep looping.
					continue
				}
				if err := c.dispatchInbound(in.rec); err != nil {
					if se, ok := err.(*Error); ok && !se.Code.Fatal() {
						continue
					}
					c.abort(err)
					return
				}

			case req := <-c.sendCh:
				req.result <- c.dispatchOutbound(req.plaintext)

			case <-tickCh:
				if err := c.initiateRekey(); err != nil {
					c.abort(err)
					return
				}

			case <-c.closeCh:
				return
			}
		}
	})
}

// dispatchInbound implements §4.8's inbound table.
func (c *Controller) dispatchInbound(rec *wire.Record) error {
	switch rec.Tag {
	case wire.TagEncrypted:
		plaintext, err := recordcipher.Decrypt(c.st.keys, &c.st.iv, rec)
		if err != nil {
			c.emit(Event{Kind: MacFailureCounted})
			return newError(MacMismatch, err)
		}
		c.sink.Deliver(plaintext, true, time.Now())
		return nil

	case wire.TagDhOffer:
		keys, resp, err := c.st.rekeyMachine.HandleOffer(rec)
		if err != nil {
			return newError(DeserializeError, err)
		}
		if err := c.writer.WritePayload(resp.Encode()); err != nil {
			return newError(IOError, err)
		}
		c.installRekeyedState(keys)
		c.st.rekeyMachine.Complete()
		c.emit(Event{Kind: RekeyCompleted})
		return nil

	case wire.TagDhResponse:
		keys, err := c.st.rekeyMachine.HandleResponse(rec)
		if err != nil {
			return newError(DeserializeError, err)
		}
		c.installRekeyedState(keys)
		c.emit(Event{Kind: RekeyCompleted})
		return nil

	default:
		return newError(DeserializeError, fmt.Errorf("unknown wire tag %d", rec.Tag))
	}
}

// installRekeyedState implements the rekey-atomicity invariant: keys
// and iv are replaced together, never partially.
func (c *Controller) installRekeyedState(keys recordcipher.Keys) {
	c.st.keys = keys
	c.st.iv.Reset()
	c.st.previousMacKey = [otrmac.KeyLen]byte{}
	c.st.sessionID = deriveSessionID(keys.SymmetricKey)
}

// dispatchOutbound implements §4.8's outbound "host send plaintext"
// path: encrypt, frame, write, and chain a rekey if the IV predicate
// fires.
func (c *Controller) dispatchOutbound(plaintext []byte) error {
	rec, nextPrevMac, shouldRekey, err := recordcipher.Encrypt(c.st.keys, &c.st.iv, c.st.previousMacKey, plaintext)
	if err != nil {
		return newError(CryptoInternal, err)
	}
	c.st.previousMacKey = nextPrevMac

	if err := c.writer.WritePayload(rec.Encode()); err != nil {
		return newError(IOError, err)
	}
	c.sink.Deliver(plaintext, false, time.Now())

	if shouldRekey {
		return c.initiateRekey()
	}
	return nil
}

func (c *Controller) initiateRekey() error {
	offer, err := c.st.rekeyMachine.Trigger()
	if err != nil {
		return newError(CryptoInternal, err)
	}
	if offer == nil {
		return nil // a rekey is already in flight; §4.7 no-op
	}
	if err := c.writer.WritePayload(offer.Encode()); err != nil {
		return newError(IOError, err)
	}
	return nil
}

// Send encrypts and transmits plaintext. It blocks until the owning
// goroutine has processed the request so callers observe a definite
// ok/error outcome, per the host interface's `send(plaintext) → ok |
// session-closed`.
func (c *Controller) Send(plaintext []byte) error {
	req := sendRequest{plaintext: plaintext, result: make(chan error, 1)}
	select {
	case c.sendCh <- req:
	case <-c.closeCh:
		return fmt.Errorf("session: closed")
	}
	select {
	case err := <-req.result:
		return err
	case <-c.closeCh:
		return fmt.Errorf("session: closed")
	}
}

// Events returns the channel of host-visible status transitions.
func (c *Controller) Events() <-chan Event { return c.eventsCh }

// SessionID returns the current non-secret, log-only session
// identifier (the §3 "session_id" addition). It changes on
// every successful rekey.
func (c *Controller) SessionID() [16]byte { return c.st.sessionID }

// LastRevealedMacKey returns the raw mac_key used on the most recently
// sent record, or the zero value if none has been sent yet under the
// current key — the resolved "previous_mac_key is a raw value, not a
// further derived one" Open Question, exposed for future deniability
// tooling. No verifier in this engine currently consumes it.
func (c *Controller) LastRevealedMacKey() [otrmac.KeyLen]byte { return c.st.previousMacKey }

func (c *Controller) emit(ev Event) {
	select {
	case c.eventsCh <- ev:
	default:
		// Host is not draining events fast enough; drop rather than
		// block the owning goroutine, matching the soft-failure spirit
		// of the rest of the dispatch path.
	}
}

func (c *Controller) abort(reason error) {
	c.st.peerOnline = false
	c.emit(Event{Kind: Offline, Reason: reason})
	c.closeOnce()
	if closer, ok := c.conn.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (c *Controller) closeOnce() {
	c.closed.Do(func() {
		close(c.closeCh)
	})
}

// Close tears the session down: it stops the reader/dispatch
// goroutines and closes the transport if it is closable. Any rekey in
// flight is implicitly cancelled, per §5.
func (c *Controller) Close() error {
	c.closeOnce()
	// Closing the transport unblocks a reader goroutine parked in a
	// blocking read so it can observe closeCh and exit.
	var closeErr error
	if closer, ok := c.conn.(io.Closer); ok {
		closeErr = closer.Close()
	}
	c.wg.Wait()
	return closeErr
}
