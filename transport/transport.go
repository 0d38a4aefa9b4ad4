// Package transport implements the framed connection establishment
// described by §4.1: given a peer address, simultaneously race a
// listen-and-accept against a dial, whichever succeeds first wins, and
// the loser is torn down. It also carries the reconnect-backoff
// courtesy limiter (§4.13) so a host retrying against an unreachable
// peer does not busy-loop.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/briarhollow/otrwire/handshake"
)

// DialTimeout bounds each half of the establishment race, mirroring the
// teacher's net.DialTimeout use in its own link handshake.
const DialTimeout = 10 * time.Second

// Established is the outcome of a successful race: the winning
// connection and the role it implies.
type Established struct {
	Conn net.Conn
	Role handshake.Role
}

// Dialer establishes connections for one peer address, rate-limiting
// repeated attempts per §4.13.
type Dialer struct {
	Addr    string
	limiter *rate.Limiter
}

// NewDialer returns a Dialer rate-limited to one establishment attempt
// per 2 seconds with a burst of 1, per §4.13's sizing.
func NewDialer(addr string) *Dialer {
	return &Dialer{
		Addr:    addr,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Establish races a listen-and-accept against a dial to addr. Whichever
// completes first wins: the accepting side becomes Responder, the
// connecting side becomes Initiator. Establish blocks on the rate
// limiter first, so repeated calls after a transport failure cannot
// busy-loop against an unreachable peer.
func (d *Dialer) Establish(ctx context.Context) (*Established, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("transport: rate limiter: %w", err)
	}

	type result struct {
		conn *net.TCPConn
		role handshake.Role
		err  error
	}
	resultCh := make(chan result, 2)

	listenCtx, cancelListen := context.WithCancel(ctx)
	defer cancelListen()
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()

	go func() {
		conn, err := acceptOnce(listenCtx, d.Addr)
		resultCh <- result{conn: conn, role: handshake.Responder, err: err}
	}()
	go func() {
		conn, err := dialOnce(dialCtx, d.Addr)
		resultCh <- result{conn: conn, role: handshake.Initiator, err: err}
	}()

	first := <-resultCh
	if first.err == nil {
		// Cancel the losing race branch and drain its result so its
		// goroutine doesn't leak; close the loser's connection if it
		// managed to complete anyway (both sides winning is possible
		// when a peer both listens and dials its own address).
		cancelListen()
		cancelDial()
		go func() {
			second := <-resultCh
			if second.conn != nil {
				_ = second.conn.Close()
			}
		}()
		return &Established{Conn: first.conn, Role: first.role}, nil
	}

	second := <-resultCh
	if second.err == nil {
		return &Established{Conn: second.conn, Role: second.role}, nil
	}

	return nil, fmt.Errorf("%w: listen: %v, dial: %v", ErrTransportSetup, first.err, second.err)
}

// ErrTransportSetup is returned when both the accept and dial branches
// of the establishment race fail, per §4.1's `transport-setup`.
var ErrTransportSetup = fmt.Errorf("transport: setup failed")

func acceptOnce(ctx context.Context, addr string) (*net.TCPConn, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	acceptCh := make(chan result2, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- result2{conn: conn, err: err}
	}()

	select {
	case r := <-acceptCh:
		_ = ln.Close()
		if r.err != nil {
			return nil, fmt.Errorf("accept: %w", r.err)
		}
		return r.conn.(*net.TCPConn), nil
	case <-ctx.Done():
		_ = ln.Close()
		return nil, ctx.Err()
	}
}

type result2 struct {
	conn net.Conn
	err  error
}

func dialOnce(ctx context.Context, addr string) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn.(*net.TCPConn), nil
}
