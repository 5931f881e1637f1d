package tracker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/wire"
)

func dialLoopback(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolving loopback address: %v", err)
	}
	server, err := net.ListenUDP("udp", serverAddr)
	if err != nil {
		t.Fatalf("listening on loopback: %v", err)
	}

	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dialing loopback: %v", err)
	}
	return client, server
}

// TestRetriesExhausted verifies that a tracker which never answers
// causes requestPeersUDP to give up after maxUDPAttempts rounds rather
// than retrying forever, surfacing a ProtocolError.
func TestRetriesExhausted(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()
	// server never replies to anything

	_, err := requestPeersUDP(client, "127.0.0.1:0", Params{}, time.Millisecond, time.Second)
	if err == nil {
		t.Fatal("want error, got nil")
	}
	var protoErr *bterrors.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %v (%T), want *bterrors.ProtocolError", err, err)
	}
}

// TestConnectThenAnnounceSucceeds drives a single connect/announce round
// trip through a fake loopback tracker and checks the peer list comes
// back decoded.
func TestConnectThenAnnounceSucceeds(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)

		// connect request
		_, from, err := server.ReadFrom(buf)
		if err != nil {
			return
		}
		connTxID := beUint32(buf[12:16])
		server.WriteTo(wire.ConnectResponse{TransactionID: connTxID, ConnectionID: 0xabcdef}.ToBytes(), from)

		// announce request
		_, from, err = server.ReadFrom(buf)
		if err != nil {
			return
		}
		txID := beUint32(buf[12:16])
		ar := wire.AnnounceResponse{
			TransactionID: txID,
			Interval:      1800,
			Leechers:      0,
			Seeders:       1,
			Peers:         []byte{127, 0, 0, 1, 0x1A, 0xE1},
		}
		server.WriteTo(ar.ToBytes(), from)
	}()

	result, err := requestPeersUDP(client, "127.0.0.1:0", Params{}, 50*time.Millisecond, time.Minute)
	<-done
	if err != nil {
		t.Fatalf("requestPeersUDP: %v", err)
	}
	if len(result.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(result.Peers))
	}
	if result.Peers[0].Address != "127.0.0.1" || result.Peers[0].Port != 0x1AE1 {
		t.Errorf("got peer %+v", result.Peers[0])
	}
	if result.Interval != 1800 {
		t.Errorf("Interval = %d, want 1800", result.Interval)
	}
}

// TestConnectionIDExpiryTriggersReconnect checks that once idLifetime
// has elapsed since the last successful connect, a failed announce
// causes the next attempt to redo the connect handshake instead of
// reusing the stale connection id.
func TestConnectionIDExpiryTriggersReconnect(t *testing.T) {
	client, server := dialLoopback(t)
	defer client.Close()
	defer server.Close()

	var connectCount int
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		// connect, announce (left unanswered), then the reconnect
		for i := 0; i < 3; i++ {
			_, from, err := server.ReadFrom(buf)
			if err != nil {
				return
			}
			action := beUint32(buf[8:12])
			txID := beUint32(buf[12:16])
			if action == 0 {
				connectCount++
				server.WriteTo(wire.ConnectResponse{TransactionID: txID, ConnectionID: uint64(connectCount)}.ToBytes(), from)
			}
		}
	}()

	// idLifetime of ~0 forces the "connected" flag to be dropped as soon
	// as the first announce attempt fails to get a reply in time.
	_, _ = requestPeersUDP(client, "127.0.0.1:0", Params{}, 20*time.Millisecond, time.Nanosecond)
	<-done
	if connectCount < 2 {
		t.Errorf("connectCount = %d, want at least 2 (expiry should force a reconnect)", connectCount)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
