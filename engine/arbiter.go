package engine

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/lvbealr/leechgo/metainfo"
)

// Arbiter is the piece-assignment root: it tracks, for every connected
// peer, which pieces it claims to have, and for every outstanding
// piece, which peers are currently downloading it (its borrowers). A
// piece with zero borrowers moves back into the pool of pieces anyone
// may claim next.
//
// Grounded in surge's PieceQueue: a piece can be requested from more
// than one peer at once, and the first successful delivery cancels
// every other in-flight copy.
type Arbiter struct {
	mu sync.Mutex

	pieces    map[int]metainfo.Piece
	available map[string]map[int]struct{} // peerID -> pieces it has
	borrowers map[int]map[string]struct{} // piece index -> peers downloading it
	missing   map[int]struct{}            // pieces with zero borrowers, not yet done

	rng *rand.Rand
}

// NewArbiter builds an Arbiter seeded with the pieces still missing
// (every piece, on a fresh download). rng is exposed as a constructor
// parameter so tests can seed it for deterministic tie-breaking.
func NewArbiter(allPieces []metainfo.Piece, missingPieces []metainfo.Piece, rng *rand.Rand) *Arbiter {
	pieces := make(map[int]metainfo.Piece, len(allPieces))
	for _, p := range allPieces {
		pieces[p.Index] = p
	}
	missing := make(map[int]struct{}, len(missingPieces))
	for _, p := range missingPieces {
		missing[p.Index] = struct{}{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Arbiter{
		pieces:    pieces,
		available: make(map[string]map[int]struct{}),
		borrowers: make(map[int]map[string]struct{}),
		missing:   missing,
		rng:       rng,
	}
}

// SetHave replaces peerID's full set of claimed pieces, as reported by
// its initial bitfield.
func (a *Arbiter) SetHave(peerID string, pieceIndices map[int]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := make(map[int]struct{}, len(pieceIndices))
	for idx := range pieceIndices {
		set[idx] = struct{}{}
	}
	a.available[peerID] = set
}

// AddToHave records a single Have message from peerID.
func (a *Arbiter) AddToHave(peerID string, pieceIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.available[peerID]
	if set == nil {
		set = make(map[int]struct{})
		a.available[peerID] = set
	}
	set[pieceIndex] = struct{}{}
}

// DropPeer removes peerID entirely: its claimed-pieces set is forgotten,
// and any piece it was the sole borrower of returns to the missing pool.
func (a *Arbiter) DropPeer(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.available, peerID)
	for idx, borrowers := range a.borrowers {
		delete(borrowers, peerID)
		if len(borrowers) == 0 {
			delete(a.borrowers, idx)
			a.missing[idx] = struct{}{}
		}
	}
}

// GetPiece assigns peerID a piece to download: one it has claimed to
// have, preferring a piece nobody else is borrowing but falling back to
// one already borrowed by someone else rather than leave the peer idle.
// Returns false if peerID's claimed-have set has no overlap with the
// outstanding pool (missing ∪ borrowed by other peers) — the caller must
// never request a piece the peer never announced having.
func (a *Arbiter) GetPiece(peerID string) (metainfo.Piece, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	have := a.available[peerID]
	var candidates []int
	for idx := range a.missing {
		if _, ok := have[idx]; ok {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		for idx, borrowers := range a.borrowers {
			if _, mine := borrowers[peerID]; mine {
				continue
			}
			if _, ok := have[idx]; ok {
				candidates = append(candidates, idx)
			}
		}
	}
	if len(candidates) == 0 {
		return metainfo.Piece{}, false
	}
	sort.Ints(candidates)

	idx := candidates[a.rng.Intn(len(candidates))]
	delete(a.missing, idx)
	if a.borrowers[idx] == nil {
		a.borrowers[idx] = make(map[string]struct{})
	}
	a.borrowers[idx][peerID] = struct{}{}
	return a.pieces[idx], true
}

func (a *Arbiter) borrowedIndices() map[int]struct{} {
	result := make(map[int]struct{}, len(a.borrowers))
	for idx := range a.borrowers {
		result[idx] = struct{}{}
	}
	return result
}

// InvalidatePiece undoes every borrow of pieceIndex and returns it to
// the missing pool, used when a peer's delivered data fails the hash
// check: the piece must be re-fetched, possibly from a different peer.
func (a *Arbiter) InvalidatePiece(pieceIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.borrowers, pieceIndex)
	a.missing[pieceIndex] = struct{}{}
}

// PieceDone marks piece complete: every borrower other than peerID
// should have its in-flight copy cancelled, since the piece is already
// written. Returns those other borrowers' peer IDs.
func (a *Arbiter) PieceDone(peerID string, pieceIndex int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	borrowers := a.borrowers[pieceIndex]
	delete(a.borrowers, pieceIndex)
	delete(a.missing, pieceIndex)

	others := make([]string, 0, len(borrowers))
	for id := range borrowers {
		if id != peerID {
			others = append(others, id)
		}
	}
	return others
}
