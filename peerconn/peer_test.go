package peerconn

import (
	"crypto/sha1"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/metainfo"
	"github.com/lvbealr/leechgo/wire"
)

type fakeSource struct {
	mu          sync.Mutex
	piece       metainfo.Piece
	served      bool
	invalidated []int
	dropped     []string
	done        chan struct{}
}

func newFakeSource(piece metainfo.Piece) *fakeSource {
	return &fakeSource{piece: piece, done: make(chan struct{}, 8)}
}

func (f *fakeSource) GetPiece(peerID string) (metainfo.Piece, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		return metainfo.Piece{}, false
	}
	f.served = true
	return f.piece, true
}

func (f *fakeSource) PieceDone(peerID string, pieceIndex int) []string {
	f.done <- struct{}{}
	return nil
}

func (f *fakeSource) InvalidatePiece(pieceIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, pieceIndex)
}

func (f *fakeSource) SetHave(peerID string, pieceIndices map[int]struct{}) {}
func (f *fakeSource) AddToHave(peerID string, pieceIndex int)              {}

func (f *fakeSource) DropPeer(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, peerID)
}

type fakeSink struct {
	mu    sync.Mutex
	piece metainfo.Piece
	data  []byte
}

func (s *fakeSink) WritePiece(piece metainfo.Piece, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.piece = piece
	s.data = append([]byte(nil), data...)
	return nil
}

func pipeStreams() (*Stream, *Stream) {
	a, b := net.Pipe()
	return NewStream(a, 2 * time.Second), NewStream(b, 2*time.Second)
}

func testPiece(index int, data []byte) metainfo.Piece {
	return metainfo.Piece{Index: index, Length: int64(len(data)), Hash: sha1.Sum(data)}
}

// TestSinglePieceDownload drives a full request/response round trip for
// a two-block piece and checks the reassembled data reaches the sink
// and PieceDone fires (spec scenario S1).
func TestSinglePieceDownload(t *testing.T) {
	data := make([]byte, metainfo.BlockLength+100)
	for i := range data {
		data[i] = byte(i)
	}
	piece := testPiece(0, data)
	source := newFakeSource(piece)
	sink := &fakeSink{}

	clientSide, peerSide := pipeStreams()
	conn := New(clientSide, "peer-1", 1, source, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run() }()

	serveBlocksOnce(t, peerSide, data)

	select {
	case <-source.done:
	case <-time.After(2 * time.Second):
		t.Fatal("PieceDone was never called")
	}

	conn.Stop(nil)
	<-errCh

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.data) != len(data) {
		t.Fatalf("sink received %d bytes, want %d", len(sink.data), len(data))
	}
	for i := range data {
		if sink.data[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, sink.data[i], data[i])
		}
	}
}

// TestHashMismatchInvalidatesPiece feeds back corrupted data for one
// block and checks the connection reports InvalidData and tells the
// source to put the piece back in play (spec scenario S2).
func TestHashMismatchInvalidatesPiece(t *testing.T) {
	data := make([]byte, 100)
	piece := testPiece(0, data)
	source := newFakeSource(piece)
	sink := &fakeSink{}

	clientSide, peerSide := pipeStreams()
	conn := New(clientSide, "peer-1", 1, source, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run() }()

	readInterested(t, peerSide)
	peerSide.WriteMessage(wire.Message{ID: wire.Unchoke})
	req := readRequest(t, peerSide)
	corrupted := make([]byte, req.Length)
	copy(corrupted, []byte("not the right bytes"))
	peerSide.WriteMessage(wire.Message{ID: wire.Piece, Index: req.Index, Begin: req.Begin, Block: corrupted})

	err := <-errCh
	var invalidData *bterrors.InvalidData
	if !errors.As(err, &invalidData) {
		t.Fatalf("Run() error = %v (%T), want *bterrors.InvalidData", err, err)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.invalidated) != 1 || source.invalidated[0] != 0 {
		t.Errorf("invalidated = %v, want [0]", source.invalidated)
	}
}

// TestChokeRequeuesInFlightBlocks checks that a Choke received mid-piece
// releases the in-flight request slot and puts the block back on the
// stack, so it is re-requested once the peer unchokes again (spec
// scenario S3).
func TestChokeRequeuesInFlightBlocks(t *testing.T) {
	data := make([]byte, 100)
	piece := testPiece(0, data)
	source := newFakeSource(piece)
	sink := &fakeSink{}

	clientSide, peerSide := pipeStreams()
	conn := New(clientSide, "peer-1", 1, source, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run() }()

	readInterested(t, peerSide)
	peerSide.WriteMessage(wire.Message{ID: wire.Unchoke})

	req := readRequest(t, peerSide)
	peerSide.WriteMessage(wire.Message{ID: wire.Choke})
	time.Sleep(100 * time.Millisecond) // let the choke handler requeue the block
	peerSide.WriteMessage(wire.Message{ID: wire.Unchoke})

	req2 := readRequest(t, peerSide)
	if req2.Index != req.Index || req2.Begin != req.Begin {
		t.Fatalf("re-request = %+v, want the same block as the original request %+v", req2, req)
	}
	peerSide.WriteMessage(wire.Message{ID: wire.Piece, Index: req2.Index, Begin: req2.Begin, Block: data})

	select {
	case <-source.done:
	case <-time.After(2 * time.Second):
		t.Fatal("PieceDone was never called after re-request completed")
	}
	conn.Stop(nil)
	<-errCh
}

func readInterested(t *testing.T, s *Stream) {
	t.Helper()
	msg, err := s.ReadMessage()
	if err != nil {
		t.Fatalf("reading Interested: %v", err)
	}
	if msg.ID != wire.Interested {
		t.Fatalf("got message id %v, want Interested", msg.ID)
	}
}

func readRequest(t *testing.T, s *Stream) wire.Message {
	t.Helper()
	msg, err := s.ReadMessage()
	if err != nil {
		t.Fatalf("reading Request: %v", err)
	}
	if msg.ID != wire.Request {
		t.Fatalf("got message id %v, want Request", msg.ID)
	}
	return msg
}

// serveBlocksOnce answers every Request with the matching slice of data
// until the peer stops requesting (i.e. the piece is fully received).
func serveBlocksOnce(t *testing.T, s *Stream, data []byte) {
	t.Helper()
	readInterested(t, s)
	s.WriteMessage(wire.Message{ID: wire.Unchoke})

	for _, b := range metainfo.Blocks(testPiece(0, data)) {
		req := readRequest(t, s)
		if int64(req.Begin) != b.Begin {
			t.Fatalf("request begin = %d, want %d", req.Begin, b.Begin)
		}
		block := data[b.Begin : b.Begin+b.Length]
		s.WriteMessage(wire.Message{ID: wire.Piece, Index: req.Index, Begin: req.Begin, Block: block})
	}
}
