package mex

import (
	"crypto/sha1"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/peerconn"
	"github.com/lvbealr/leechgo/wire"
)

// servePeer accepts one connection, performs the handshake and
// extension handshake, then sends back infoBytes split into
// MetadataPieceLength chunks as metadata-data messages.
func servePeer(t *testing.T, ln net.Listener, infoHash [20]byte, infoBytes []byte, corruptReply bool) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	stream := peerconn.NewStream(conn, 5*time.Second)

	if _, err := stream.Handshake(wire.NewHandshake(infoHash, [20]byte{'s'}, true)); err != nil {
		t.Errorf("peer handshake: %v", err)
		return
	}

	msg, err := stream.ReadMessage()
	if err != nil || msg.ID != wire.ExtensionProtocol {
		t.Errorf("expected extension handshake, got %+v err=%v", msg, err)
		return
	}
	hs := wire.EncodeExtensionHandshake(wire.ExtensionHandshake{
		M:            map[string]byte{"ut_metadata": 1},
		MetadataSize: int64(len(infoBytes)),
	})
	stream.WriteMessage(wire.Message{ID: wire.ExtensionProtocol, ExtensionID: wire.ExtensionHandshakeID, ExtensionPayload: hs})
	stream.WriteMessage(wire.Message{ID: wire.Unchoke})

	numPieces := (len(infoBytes) + wire.MetadataPieceLength - 1) / wire.MetadataPieceLength
	for i := 0; i < numPieces; i++ {
		var req wire.Message
		for {
			var err error
			req, err = stream.ReadMessage()
			if err != nil {
				t.Errorf("reading metadata request: %v", err)
				return
			}
			if req.KeepAlive || req.ID == wire.Interested {
				continue // client announces interest once before requesting
			}
			break
		}
		if req.ID != wire.ExtensionProtocol {
			t.Errorf("expected extension message, got %v", req.ID)
			return
		}
		meta, err := wire.ParseMetadataMessage(req.ExtensionPayload)
		if err != nil {
			t.Errorf("parsing metadata request: %v", err)
			return
		}
		start := int(meta.Piece) * wire.MetadataPieceLength
		end := start + wire.MetadataPieceLength
		if end > len(infoBytes) {
			end = len(infoBytes)
		}
		piece := append([]byte(nil), infoBytes[start:end]...)
		if corruptReply && meta.Piece == 0 {
			piece[0] ^= 0xFF
		}
		header := wire.EncodeMetadataMessage(wire.MetadataMessage{MsgType: wire.MetadataData, Piece: meta.Piece, TotalSize: int64(len(infoBytes))})
		payload := append(header, piece...)
		stream.WriteMessage(wire.Message{ID: wire.ExtensionProtocol, ExtensionID: 1, ExtensionPayload: payload})
	}
}

// TestFetchSucceeds exercises a full metadata exchange against a fake
// peer and checks the reassembled bytes match (spec scenario S4).
func TestFetchSucceeds(t *testing.T) {
	infoBytes := make([]byte, wire.MetadataPieceLength+500)
	for i := range infoBytes {
		infoBytes[i] = byte(i * 7)
	}
	infoHash := sha1.Sum(infoBytes)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	go servePeer(t, ln, infoHash, infoBytes, false)

	got, err := Fetch(ln.Addr().String(), infoHash, [20]byte{'c'})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != len(infoBytes) {
		t.Fatalf("got %d bytes, want %d", len(got), len(infoBytes))
	}
	for i := range infoBytes {
		if got[i] != infoBytes[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

// TestFetchRejectsWrongHash checks that corrupted metadata bytes are
// caught by the final hash check rather than silently accepted.
func TestFetchRejectsWrongHash(t *testing.T) {
	infoBytes := make([]byte, 1000)
	for i := range infoBytes {
		infoBytes[i] = byte(i)
	}
	infoHash := sha1.Sum(infoBytes)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	go servePeer(t, ln, infoHash, infoBytes, true)

	_, err = Fetch(ln.Addr().String(), infoHash, [20]byte{'c'})
	var invalidData *bterrors.InvalidData
	if !errors.As(err, &invalidData) {
		t.Fatalf("Fetch error = %v (%T), want *bterrors.InvalidData", err, err)
	}
}
