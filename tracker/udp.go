package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/wire"
)

// maxUDPAttempts bounds retransmission per BEP-15: after this many
// connect/announce round trips without success, the caller gives up and
// may re-enter later (the engine retries the whole tracker loop).
const maxUDPAttempts = 9

// defaultBaseTimeout and defaultConnectionIDLifetime are BEP-15's 15 s
// backoff base and 60 s connection-id validity window.
const (
	defaultBaseTimeout           = 15 * time.Second
	defaultConnectionIDLifetime = 60 * time.Second
)

// udpSocket is the subset of *net.UDPConn the retry loop needs; tests
// substitute a loopback pair to drive the backoff/expiry logic with a
// short base timeout instead of waiting on real 15*2^n second delays.
type udpSocket interface {
	SetDeadline(time.Time) error
	Write([]byte) (int, error)
	Read([]byte) (int, error)
}

// RequestPeersUDP performs one full connect+announce exchange against a
// UDP tracker, retrying with a 15*2^n second timeout (n in [0,8]) and
// restarting the connect handshake if the connection id expires before
// the announce succeeds.
func RequestPeersUDP(announceURL string, params Params) (Result, error) {
	host, err := udpHostPort(announceURL)
	if err != nil {
		return Result{}, err
	}

	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return Result{}, fmt.Errorf("resolving udp tracker address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Result{}, &bterrors.ConnectionError{Peer: host, Err: err}
	}
	defer conn.Close()

	return requestPeersUDP(conn, host, params, defaultBaseTimeout, defaultConnectionIDLifetime)
}

// requestPeersUDP is the injectable core of RequestPeersUDP: the BEP-15
// connect/announce/retry/expiry state machine, parametrized on the
// socket and timing so it can be driven deterministically in tests.
func requestPeersUDP(conn udpSocket, host string, params Params, baseTimeout, idLifetime time.Duration) (Result, error) {
	var (
		connected      bool
		connectionID   uint64
		connectionTime time.Time
		transactionID  uint32
	)

	for n := 0; n < maxUDPAttempts; n++ {
		timeout := baseTimeout * time.Duration(pow2(n))

		if !connected {
			transactionID = randomTransactionID()
			conn.SetDeadline(time.Now().Add(timeout))
			if _, err := conn.Write(wire.ConnectRequest{TransactionID: transactionID}.ToBytes()); err != nil {
				return Result{}, &bterrors.ConnectionError{Peer: host, Err: err}
			}

			resp, err := readUDP(conn, 16)
			if err != nil {
				continue // timed out or transient read error: retry with backoff
			}
			cr, err := wire.ParseConnectResponse(resp)
			if err != nil || cr.TransactionID != transactionID {
				continue
			}
			connected = true
			connectionID = cr.ConnectionID
			connectionTime = time.Now()
		}

		announce := wire.AnnounceRequest{
			ConnectionID:  connectionID,
			TransactionID: transactionID,
			InfoHash:      params.InfoHash,
			PeerID:        params.PeerID,
			Downloaded:    params.Downloaded,
			Left:          params.Left,
			Uploaded:      params.Uploaded,
			Event:         0, // none; the UDP announce never reports started/stopped/completed
			Key:           randomTransactionID(),
			NumWant:       -1,
			Port:          params.Port,
		}
		conn.SetDeadline(time.Now().Add(timeout))
		if _, err := conn.Write(announce.ToBytes()); err != nil {
			return Result{}, &bterrors.ConnectionError{Peer: host, Err: err}
		}

		resp, err := readUDP(conn, 2048)
		if err != nil {
			if time.Since(connectionTime) >= idLifetime {
				connected = false
			}
			continue
		}
		ar, err := wire.ParseAnnounceResponse(resp)
		if err != nil {
			var trackerErr *bterrors.TrackerError
			if errors.As(err, &trackerErr) {
				return Result{}, err
			}
			if time.Since(connectionTime) >= idLifetime {
				connected = false
			}
			continue
		}
		if ar.TransactionID != transactionID {
			continue
		}

		compact, err := wire.ParseCompactPeers(ar.Peers)
		if err != nil {
			return Result{}, err
		}
		return Result{Peers: fromCompact(compact), Interval: int(ar.Interval)}, nil
	}

	return Result{}, &bterrors.ProtocolError{Reason: "udp tracker: retries exhausted"}
}

func pow2(n int) int {
	result := 1
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func readUDP(conn udpSocket, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func randomTransactionID() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}

func udpHostPort(announceURL string) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", fmt.Errorf("parsing udp tracker url: %w", err)
	}
	return u.Host, nil
}
