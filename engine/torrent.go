// Package engine ties piece arbitration, the file writer, the tracker
// swarm, and the pool of peer connections into a single running
// download: a semaphore-bounded pool of peer connections joined by a
// WaitGroup, with context.Context cancellation standing in for a
// structured-concurrency scope.
package engine

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/lvbealr/leechgo/metainfo"
	"github.com/lvbealr/leechgo/peerconn"
	"github.com/lvbealr/leechgo/tracker"
	"github.com/lvbealr/leechgo/wire"
)

const (
	maxPeerConnections = 50
	connectTimeout     = 5 * time.Second
	ioTimeout          = 60 * time.Second
)

// Torrent runs a single download end to end: it starts the tracker
// swarm, spawns a bounded pool of peer connections as addresses arrive,
// and reports completion once the file writer has every piece.
type Torrent struct {
	Metainfo *metainfo.Metainfo
	PeerID   [20]byte

	arbiter    *Arbiter
	fileWriter *FileWriter
	swarm      *tracker.Swarm

	mu    sync.Mutex
	conns map[string]*peerconn.PeerConnection
}

// New prepares a Torrent for m: it ensures the output files exist,
// optionally resumes from whatever is already on disk, and builds the
// arbiter and file writer. resume scans existing files for pieces
// already downloaded correctly; a fresh download passes resume=false.
func New(m *metainfo.Metainfo, resume bool) (*Torrent, error) {
	if err := EnsureFilesExist(m.Folder, m.Files); err != nil {
		return nil, err
	}

	missing := m.Pieces
	if resume {
		scanned, err := ScanResumable(m)
		if err != nil {
			return nil, err
		}
		missing = scanned
	}

	peerID, err := tracker.GeneratePeerID()
	if err != nil {
		return nil, err
	}

	return &Torrent{
		Metainfo:   m,
		PeerID:     peerID,
		arbiter:    NewArbiter(m.Pieces, missing, rand.New(rand.NewSource(time.Now().UnixNano()))),
		fileWriter: NewFileWriter(m, missing),
		conns:      make(map[string]*peerconn.PeerConnection),
	}, nil
}

// Done is closed once every piece has been written to disk.
func (t *Torrent) Done() <-chan struct{} {
	return t.fileWriter.Done()
}

// Progress returns (pieces written, total pieces, bytes written).
func (t *Torrent) Progress() (int, int, int64) {
	total := len(t.Metainfo.Pieces)
	return total - t.fileWriter.Remaining(), total, t.fileWriter.Downloaded()
}

// Run starts the tracker swarm and the peer connection pool, and blocks
// until ctx is cancelled or the download completes.
func (t *Torrent) Run(ctx context.Context) error {
	params := tracker.Params{
		InfoHash: t.Metainfo.InfoHash,
		PeerID:   t.PeerID,
		Port:     6881,
		Left:     uint64(t.Metainfo.TotalLength() - t.fileWriter.Downloaded()),
	}
	t.swarm = tracker.NewSwarm(t.Metainfo.AnnounceList, params)

	swarmCtx, cancelSwarm := context.WithCancel(ctx)
	defer cancelSwarm()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.swarm.Run(swarmCtx)
	}()

	sem := make(chan struct{}, maxPeerConnections)
	var connWG sync.WaitGroup

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.Done():
				return
			case peer, ok := <-t.swarm.Peers():
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				case <-t.Done():
					return
				}
				connWG.Add(1)
				go func(p tracker.Peer) {
					defer connWG.Done()
					defer func() { <-sem }()
					t.runPeer(p)
				}(peer)
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-t.Done():
	}

	cancelSwarm()
	wg.Wait()
	<-dispatchDone
	// Every remaining connection is either mid-transfer or parked in the
	// passive state (nothing left its peer can give us) and would
	// otherwise stay open forever; stop them all now that the download
	// is over (or abandoned).
	t.stopAllConnections()
	connWG.Wait()
	return ctx.Err()
}

// stopAllConnections closes every currently registered peer connection.
func (t *Torrent) stopAllConnections() {
	t.mu.Lock()
	conns := make([]*peerconn.PeerConnection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Stop(nil)
	}
}

// runPeer dials, handshakes, and drives a single peer connection to
// completion, registering and deregistering it with the arbiter and the
// connection registry (used to fan out piece cancellations).
func (t *Torrent) runPeer(peer tracker.Peer) {
	addr := peer.String()
	log.Printf("[INFO]\tpeer %s: connecting", addr)

	stream, err := peerconn.Dial(addr, connectTimeout, ioTimeout)
	if err != nil {
		log.Printf("[FAIL]\tpeer %s: %v", addr, err)
		return
	}

	resp, err := stream.Handshake(wire.NewHandshake(t.Metainfo.InfoHash, t.PeerID, true))
	if err != nil {
		log.Printf("[FAIL]\tpeer %s: handshake: %v", addr, err)
		stream.Close()
		return
	}
	if resp.InfoHash != t.Metainfo.InfoHash {
		log.Printf("[FAIL]\tpeer %s: info hash mismatch", addr)
		stream.Close()
		return
	}

	conn := peerconn.New(stream, addr, len(t.Metainfo.Pieces), &arbiterSource{t: t}, t.fileWriter)

	t.mu.Lock()
	t.conns[addr] = conn
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		t.arbiter.DropPeer(addr)
	}()

	if err := conn.Run(); err != nil {
		log.Printf("[FAIL]\tpeer %s: %v", addr, err)
	}
}

// cancelOthers tells the connection of every peer in peerIDs to drop
// any in-flight work on pieceIndex.
func (t *Torrent) cancelOthers(peerIDs []string, pieceIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range peerIDs {
		if conn, ok := t.conns[id]; ok {
			conn.CancelPiece(pieceIndex)
		}
	}
}

// arbiterSource adapts Arbiter to peerconn.PieceSource, additionally
// fanning PieceDone's "other borrowers" result out to those
// connections' CancelPiece, which the Arbiter itself has no way to
// reach (it only knows peer IDs, not connection objects).
type arbiterSource struct {
	t *Torrent
}

func (s *arbiterSource) GetPiece(peerID string) (metainfo.Piece, bool) {
	return s.t.arbiter.GetPiece(peerID)
}

func (s *arbiterSource) PieceDone(peerID string, pieceIndex int) []string {
	others := s.t.arbiter.PieceDone(peerID, pieceIndex)
	s.t.cancelOthers(others, pieceIndex)
	return others
}

func (s *arbiterSource) InvalidatePiece(pieceIndex int) {
	s.t.arbiter.InvalidatePiece(pieceIndex)
}

func (s *arbiterSource) SetHave(peerID string, pieceIndices map[int]struct{}) {
	s.t.arbiter.SetHave(peerID, pieceIndices)
}

func (s *arbiterSource) AddToHave(peerID string, pieceIndex int) {
	s.t.arbiter.AddToHave(peerID, pieceIndex)
}

func (s *arbiterSource) DropPeer(peerID string) {
	s.t.arbiter.DropPeer(peerID)
}
