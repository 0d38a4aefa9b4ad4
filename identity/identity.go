// Package identity supplies the host-side collaborator that produces
// signing keys for a session: the engine's only concession to
// "credential parsing." A concrete FileProvider loads keys from small
// hex text files in the line-oriented style of the teacher's
// descriptor.ParseDescriptor, rather than PKCS#12/X.509 (explicitly
// out of scope for the core).
package identity

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Provider produces the long-term signing keys a session needs: the
// local private key and the peer's public key. Errors propagate as
// the core's `identity-unavailable` condition.
type Provider interface {
	Identity() (own ed25519.PrivateKey, peer ed25519.PublicKey, err error)
}

// FileProvider loads both keys from a single text file with two
// labeled lines, e.g.:
//
//	own-private 3082...hex...
//	peer-public a1b2...hex...
//
// Blank lines and lines starting with '#' are ignored; unrecognized
// labels are ignored rather than rejected, matching the descriptor
// parser's tolerance for forward-compatible fields.
type FileProvider struct {
	Path string
}

const (
	labelOwnPrivate = "own-private"
	labelPeerPublic = "peer-public"
)

func (p FileProvider) Identity() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: open %s: %w", p.Path, err)
	}
	defer f.Close()

	var ownHex, peerHex string
	var hasOwn, hasPeer bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case labelOwnPrivate:
			ownHex = fields[1]
			hasOwn = true
		case labelPeerPublic:
			peerHex = fields[1]
			hasPeer = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("identity: read %s: %w", p.Path, err)
	}
	if !hasOwn {
		return nil, nil, fmt.Errorf("identity: %s: missing %q line", p.Path, labelOwnPrivate)
	}
	if !hasPeer {
		return nil, nil, fmt.Errorf("identity: %s: missing %q line", p.Path, labelPeerPublic)
	}

	ownBytes, err := hex.DecodeString(ownHex)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode %s: %w", labelOwnPrivate, err)
	}
	if len(ownBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("identity: %s must be %d bytes, got %d", labelOwnPrivate, ed25519.PrivateKeySize, len(ownBytes))
	}

	peerBytes, err := hex.DecodeString(peerHex)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: decode %s: %w", labelPeerPublic, err)
	}
	if len(peerBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("identity: %s must be %d bytes, got %d", labelPeerPublic, ed25519.PublicKeySize, len(peerBytes))
	}

	return ed25519.PrivateKey(ownBytes), ed25519.PublicKey(peerBytes), nil
}
