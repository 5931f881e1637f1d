package peerconn

import "github.com/lvbealr/leechgo/metainfo"

// blockQueue hands out a peer connection's blocks one at a time,
// pulling a fresh piece from the shared PieceSource whenever its stack
// empties, and reassembling a piece's blocks once every one of them has
// arrived.
//
// Grounded in surge's BlockQueue: `_stack`/`_outstanding`/`_data` map
// directly onto the same three fields here, translated from
// asyncio-actor messages into plain method calls (no separate mutex
// needed: a PeerConnection's blockQueue is only ever touched while
// holding that connection's own lock, see peer.go).
type blockQueue struct {
	source PieceSource
	peerID string

	stack       []metainfo.Block
	outstanding map[int]map[metainfo.Block]struct{} // piece index -> pending blocks
	data        map[int]map[metainfo.Block][]byte   // piece index -> received block data
	pieceByIdx  map[int]metainfo.Piece
}

func newBlockQueue(source PieceSource, peerID string) *blockQueue {
	return &blockQueue{
		source:      source,
		peerID:      peerID,
		outstanding: make(map[int]map[metainfo.Block]struct{}),
		data:        make(map[int]map[metainfo.Block][]byte),
		pieceByIdx:  make(map[int]metainfo.Piece),
	}
}

// next returns the next block to request, pulling a new piece from the
// source if the stack is empty. Returns false if the source has nothing
// left to assign.
func (q *blockQueue) next() (metainfo.Block, bool) {
	if len(q.stack) == 0 {
		piece, ok := q.source.GetPiece(q.peerID)
		if !ok {
			return metainfo.Block{}, false
		}
		q.restock(piece)
	}
	last := len(q.stack) - 1
	block := q.stack[last]
	q.stack = q.stack[:last]
	return block, true
}

// restock refills the stack with piece's blocks in reverse order, so
// that popping from the end of the stack yields them in ascending
// offset order (matches surge's `blocks[::-1]` + `list.pop()`).
func (q *blockQueue) restock(piece metainfo.Piece) {
	blocks := metainfo.Blocks(piece)
	q.stack = q.stack[:0]
	for i := len(blocks) - 1; i >= 0; i-- {
		q.stack = append(q.stack, blocks[i])
	}
	outstanding := make(map[metainfo.Block]struct{}, len(blocks))
	for _, b := range blocks {
		outstanding[b] = struct{}{}
	}
	q.outstanding[piece.Index] = outstanding
	q.data[piece.Index] = make(map[metainfo.Block][]byte)
	q.pieceByIdx[piece.Index] = piece
}

// requeue returns block to the top of the stack, used when the peer
// choked before it arrived (a timed-out request fails the whole
// connection instead).
func (q *blockQueue) requeue(block metainfo.Block) {
	if _, ok := q.outstanding[block.Piece.Index]; ok {
		q.stack = append(q.stack, block)
	}
}

// complete records block's data. It returns the piece and its full
// reassembled data once every block of that piece has arrived,
// otherwise ok is false.
func (q *blockQueue) complete(block metainfo.Block, data []byte) (piece metainfo.Piece, full []byte, ok bool) {
	outstanding, exists := q.outstanding[block.Piece.Index]
	if !exists {
		return metainfo.Piece{}, nil, false
	}
	q.data[block.Piece.Index][block] = data
	delete(outstanding, block)
	if len(outstanding) > 0 {
		return metainfo.Piece{}, nil, false
	}

	piece = q.pieceByIdx[block.Piece.Index]
	blockData := q.data[block.Piece.Index]
	full = make([]byte, 0, piece.Length)
	for _, b := range metainfo.Blocks(piece) {
		full = append(full, blockData[b]...)
	}

	delete(q.outstanding, block.Piece.Index)
	delete(q.data, block.Piece.Index)
	delete(q.pieceByIdx, block.Piece.Index)
	return piece, full, true
}

// cancelPiece discards every pending and outstanding block belonging to
// pieceIndex, used when another connection delivers it first.
func (q *blockQueue) cancelPiece(pieceIndex int) {
	if _, ok := q.outstanding[pieceIndex]; !ok {
		return
	}
	filtered := q.stack[:0]
	for _, b := range q.stack {
		if b.Piece.Index != pieceIndex {
			filtered = append(filtered, b)
		}
	}
	q.stack = filtered
	delete(q.outstanding, pieceIndex)
	delete(q.data, pieceIndex)
	delete(q.pieceByIdx, pieceIndex)
}
