package peerconn

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/metainfo"
	"github.com/lvbealr/leechgo/wire"
)

// PieceSource is the piece-arbitration half of the engine, as seen from
// one peer connection: it hands out pieces to work on and learns when
// one is fully received.
type PieceSource interface {
	GetPiece(peerID string) (metainfo.Piece, bool)
	PieceDone(peerID string, pieceIndex int) []string
	InvalidatePiece(pieceIndex int)
	SetHave(peerID string, pieceIndices map[int]struct{})
	AddToHave(peerID string, pieceIndex int)
	DropPeer(peerID string)
}

// PieceSink receives a piece's verified bytes for writing to disk.
type PieceSink interface {
	WritePiece(piece metainfo.Piece, data []byte) error
}

const (
	maxInFlightRequests = 10
	blockTimeout        = 10 * time.Second
)

// PeerConnection drives the full per-peer protocol state machine: open
// (handshake) -> choked -> interested -> unchoked -> passive (no more
// pieces to request), pipelining up to maxInFlightRequests block
// requests and requeueing anything in flight when the peer chokes us.
//
// Grounded in surge's PeerConnection/BlockQueue/BlockReceiver/
// BlockRequester quartet, translated from cooperative actors into two
// goroutines (receive loop, request loop) synchronized by one mutex and
// a condition variable for the choke/unchoke gate, using bare
// goroutines, sync.Mutex, and sync.WaitGroup rather than a bespoke actor
// framework.
type PeerConnection struct {
	stream *Stream
	addr   string
	source PieceSource
	sink   PieceSink

	mu          sync.Mutex
	cond        *sync.Cond
	choked      bool
	stopped     bool
	err         error
	queue       *blockQueue
	blockTimers map[metainfo.Block]*time.Timer
	slots       chan struct{}
	stopCh      chan struct{}

	numPieces int
}

// New wraps an already-handshaken Stream in a PeerConnection. addr
// identifies the peer to the PieceSource (its arbitration key).
func New(stream *Stream, addr string, numPieces int, source PieceSource, sink PieceSink) *PeerConnection {
	c := &PeerConnection{
		stream:      stream,
		addr:        addr,
		source:      source,
		sink:        sink,
		choked:      true,
		queue:       newBlockQueue(source, addr),
		blockTimers: make(map[metainfo.Block]*time.Timer),
		slots:       make(chan struct{}, maxInFlightRequests),
		stopCh:      make(chan struct{}),
		numPieces:   numPieces,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run drives the connection until it fails or Stop is called. Running
// out of assignable pieces does not end Run: requestLoop parks in the
// passive state instead, so the caller (the engine's connection pool)
// must explicitly Stop connections it no longer needs (e.g. once the
// download completes) and is responsible for calling source.DropPeer
// once Run returns.
func (c *PeerConnection) Run() error {
	if err := c.stream.WriteMessage(wire.Message{ID: wire.Interested}); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.receiveLoop()
	}()

	c.requestLoop()
	c.Stop(nil)
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop closes the underlying connection and wakes any goroutine waiting
// on the choke/unchoke condition, recording cause as the connection's
// terminal error (nil for a graceful stop).
func (c *PeerConnection) Stop(cause error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if cause != nil {
		c.err = cause
	}
	c.mu.Unlock()

	close(c.stopCh)
	c.stream.Close()
	c.cond.Broadcast()
}

func (c *PeerConnection) fail(err error) {
	log.Printf("[FAIL]\tpeer %s: %v", c.addr, err)
	c.Stop(err)
}

// receiveLoop reads every message from the peer and updates choke
// state, have/bitfield tracking, and in-flight block completion.
func (c *PeerConnection) receiveLoop() {
	for {
		msg, err := c.stream.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if msg.KeepAlive {
			continue
		}

		switch msg.ID {
		case wire.Choke:
			c.onChoke()
		case wire.Unchoke:
			c.onUnchoke()
		case wire.Have:
			if int(msg.Index) >= c.numPieces {
				continue // out-of-range index: drop the message only
			}
			c.source.AddToHave(c.addr, int(msg.Index))
			c.wakeParkedRequestLoop()
		case wire.BitfieldMsg:
			bf := wire.Bitfield(msg.Bitfield)
			c.source.SetHave(c.addr, bf.Indices(c.numPieces))
			c.wakeParkedRequestLoop()
		case wire.Piece:
			if err := c.onPiece(msg); err != nil {
				c.fail(err)
				return
			}
		case wire.Port, wire.ExtensionProtocol, wire.Interested, wire.NotInterested, wire.Request, wire.Cancel:
			// no-op: we do not seed, serve DHT ports, or negotiate
			// extensions on this connection.
		}
	}
}

func (c *PeerConnection) onChoke() {
	c.mu.Lock()
	c.choked = true
	for block, timer := range c.blockTimers {
		timer.Stop()
		delete(c.blockTimers, block)
		c.queue.requeue(block)
		c.releaseSlotLocked()
	}
	c.mu.Unlock()
}

// wakeParkedRequestLoop wakes a requestLoop parked in the passive state
// after new have-information arrives. Taking c.mu around the broadcast
// (rather than calling cond.Broadcast bare) serializes it against
// requestLoop's check-then-wait in the passive branch, so a Have that
// lands between the check and the Wait call is never lost.
func (c *PeerConnection) wakeParkedRequestLoop() {
	c.mu.Lock()
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PeerConnection) onUnchoke() {
	c.mu.Lock()
	c.choked = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *PeerConnection) onPiece(msg wire.Message) error {
	c.mu.Lock()
	piece, ok := c.queue.pieceByIdx[int(msg.Index)]
	if !ok {
		c.mu.Unlock()
		return nil // unrequested or already-cancelled piece; ignore
	}
	block := metainfo.Block{Piece: piece, Begin: int64(msg.Begin), Length: int64(len(msg.Block))}
	timer, pending := c.blockTimers[block]
	if !pending {
		c.mu.Unlock()
		return nil // duplicate or stale delivery
	}
	timer.Stop()
	delete(c.blockTimers, block)
	c.releaseSlotLocked()

	completedPiece, data, full := c.queue.complete(block, msg.Block)
	c.mu.Unlock()

	if !full {
		return nil
	}

	if !metainfo.VerifyPiece(completedPiece, data) {
		c.source.InvalidatePiece(completedPiece.Index)
		return &bterrors.InvalidData{Context: fmt.Sprintf("piece %d from %s", completedPiece.Index, c.addr)}
	}

	if err := c.sink.WritePiece(completedPiece, data); err != nil {
		return err
	}
	c.source.PieceDone(c.addr, completedPiece.Index)
	return nil
}

// releaseSlotLocked must be called with c.mu held.
func (c *PeerConnection) releaseSlotLocked() {
	select {
	case <-c.slots:
	default:
	}
}

// requestLoop pulls blocks from the queue and sends Request messages,
// respecting the in-flight cap, waiting out choke periods, and parking
// in the passive state when the queue has nothing assignable rather
// than ending the connection.
func (c *PeerConnection) requestLoop() {
	for {
		select {
		case c.slots <- struct{}{}:
		case <-c.stopCh:
			return
		}

		c.mu.Lock()
		for c.choked && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		block, ok := c.queue.next()
		if !ok {
			// Passive: the peer's claimed pieces have nothing left for us
			// to ask for right now. Give back the slot and park here
			// instead of tearing the connection down; a later Have/
			// Bitfield broadcast wakes us to retry, and Stop still
			// unparks us via the same condition variable.
			c.releaseSlotLocked()
			if !c.stopped {
				c.cond.Wait()
			}
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
			continue
		}
		timer := time.AfterFunc(blockTimeout, func() {
			c.fail(&bterrors.Timeout{Context: fmt.Sprintf("block %+v from %s", block, c.addr)})
		})
		c.blockTimers[block] = timer
		c.mu.Unlock()

		err := c.stream.WriteMessage(wire.Message{
			ID:     wire.Request,
			Index:  uint32(block.Piece.Index),
			Begin:  uint32(block.Begin),
			Length: uint32(block.Length),
		})
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// CancelPiece discards any in-flight or queued blocks belonging to
// pieceIndex (another connection delivered it first) and tells the peer
// we no longer want them.
func (c *PeerConnection) CancelPiece(pieceIndex int) {
	c.mu.Lock()
	var toCancel []metainfo.Block
	for block := range c.blockTimers {
		if block.Piece.Index == pieceIndex {
			c.blockTimers[block].Stop()
			delete(c.blockTimers, block)
			c.releaseSlotLocked()
			toCancel = append(toCancel, block)
		}
	}
	c.queue.cancelPiece(pieceIndex)
	c.mu.Unlock()

	for _, block := range toCancel {
		c.stream.WriteMessage(wire.Message{
			ID:     wire.Cancel,
			Index:  uint32(block.Piece.Index),
			Begin:  uint32(block.Begin),
			Length: uint32(block.Length),
		})
	}
}
