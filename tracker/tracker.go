// Package tracker implements the HTTP(S) and UDP tracker protocols with
// retry/backoff, producing a single deduplicated stream of peer
// addresses drawn from every tracker URL in a torrent's announce list.
package tracker

import (
	"crypto/rand"
	"fmt"
)

// Peer is a single peer address returned by a tracker.
type Peer struct {
	Address string
	Port    uint16
	ID      string // optional 20-byte peer id, when the tracker supplied one
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// Params carries the fields every announce request sends to a tracker,
// independent of transport.
type Params struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
}

// GeneratePeerID returns a fresh Azureus-style client id: an 8-byte
// prefix identifying the client, followed by 12 random bytes.
func GeneratePeerID() ([20]byte, error) {
	const prefix = "-GT0001-"
	var id [20]byte
	copy(id[:], prefix)
	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return id, fmt.Errorf("generating peer id: %w", err)
	}
	return id, nil
}

// Result is what a single tracker announce yields.
type Result struct {
	Peers    []Peer
	Interval int
}
