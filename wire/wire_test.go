package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message) {
	t.Helper()
	raw := m.ToBytes()
	// Strip the 4-byte length prefix the way a reader would.
	length := raw[0:4]
	_ = length
	payload := raw[4:]
	got, err := ParseMessage(payload)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if got.ID != m.ID && !m.KeepAlive {
		t.Errorf("ID = %v, want %v", got.ID, m.ID)
	}
	if m.KeepAlive != got.KeepAlive {
		t.Errorf("KeepAlive = %v, want %v", got.KeepAlive, m.KeepAlive)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{KeepAlive: true},
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Index: 7},
		{ID: BitfieldMsg, Bitfield: []byte{0xFF, 0x00}},
		{ID: Request, Index: 1, Begin: 16384, Length: 16384},
		{ID: Piece, Index: 1, Begin: 0, Block: []byte("hello")},
		{ID: Cancel, Index: 1, Begin: 16384, Length: 16384},
		{ID: Port, Port: 6881},
		{ID: ExtensionProtocol, ExtensionID: 3, ExtensionPayload: []byte("d8:msg_typei0ee")},
	}
	for _, m := range cases {
		roundTrip(t, m)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-GT0001-bbbbbbbbbbbb")

	h := NewHandshake(infoHash, peerID, true)
	raw := h.ToBytes()
	if len(raw) != handshakeLength {
		t.Fatalf("handshake length = %d, want %d", len(raw), handshakeLength)
	}

	got, err := ParseHandshake(raw)
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Errorf("parsed handshake mismatch: %+v", got)
	}
	if !got.SupportsExtensionProtocol() {
		t.Error("SupportsExtensionProtocol() = false, want true")
	}
}

func TestHandshakeReferenceBytes(t *testing.T) {
	raw := append([]byte{19}, []byte("BitTorrent protocol")...)
	raw = append(raw, make([]byte, 8)...)
	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	for i := range peerID {
		peerID[i] = byte(i + 40)
	}
	raw = append(raw, infoHash[:]...)
	raw = append(raw, peerID[:]...)

	got, err := ParseHandshake(raw)
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if got.InfoHash != infoHash {
		t.Errorf("InfoHash = %x, want %x", got.InfoHash, infoHash)
	}
	if got.PeerID != peerID {
		t.Errorf("PeerID = %x, want %x", got.PeerID, peerID)
	}
	if got.Reserved != ([8]byte{}) {
		t.Errorf("Reserved = %x, want zero", got.Reserved)
	}
}

func TestBitfieldRoundTrip(t *testing.T) {
	const n = 20
	indices := map[int]struct{}{0: {}, 1: {}, 7: {}, 8: {}, 19: {}}
	bf := NewBitfield(indices, n)
	got := bf.Indices(n)
	if len(got) != len(indices) {
		t.Fatalf("Indices() = %v, want %v", got, indices)
	}
	for i := range indices {
		if _, ok := got[i]; !ok {
			t.Errorf("missing index %d", i)
		}
	}
}

func TestBitfieldByteZeroIsMSBFirst(t *testing.T) {
	bf := NewBitfield(map[int]struct{}{0: {}}, 8)
	if bf[0] != 0x80 {
		t.Errorf("byte 0 = %08b, want 10000000", bf[0])
	}
}

func TestExtensionMessageRoundTrip(t *testing.T) {
	h := ExtensionHandshake{M: map[string]byte{"ut_metadata": 3}, MetadataSize: 1024}
	raw := EncodeExtensionHandshake(h)
	got, err := ParseExtensionHandshake(raw)
	if err != nil {
		t.Fatalf("ParseExtensionHandshake: %v", err)
	}
	if got.M["ut_metadata"] != 3 || got.MetadataSize != 1024 {
		t.Errorf("got %+v", got)
	}
}

func TestMetadataMessageRoundTrip(t *testing.T) {
	raw := EncodeMetadataMessage(MetadataMessage{MsgType: MetadataData, Piece: 2, TotalSize: 100})
	raw = append(raw, []byte("piece-bytes")...)
	got, err := ParseMetadataMessage(raw)
	if err != nil {
		t.Fatalf("ParseMetadataMessage: %v", err)
	}
	if got.MsgType != MetadataData || got.Piece != 2 || got.TotalSize != 100 {
		t.Errorf("got %+v", got)
	}
	if !bytes.Equal(got.RawPiece, []byte("piece-bytes")) {
		t.Errorf("RawPiece = %q, want %q", got.RawPiece, "piece-bytes")
	}
}

func TestCompactPeersRoundTrip(t *testing.T) {
	peers := []CompactPeer{{IP: [4]byte{1, 2, 3, 4}, Port: 6881}, {IP: [4]byte{5, 6, 7, 8}, Port: 51413}}
	raw := EncodeCompactPeers(peers)
	got, err := ParseCompactPeers(raw)
	if err != nil {
		t.Fatalf("ParseCompactPeers: %v", err)
	}
	if len(got) != 2 || got[0] != peers[0] || got[1] != peers[1] {
		t.Errorf("got %+v, want %+v", got, peers)
	}
}
