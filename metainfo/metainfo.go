// Package metainfo models a parsed .torrent file: the info-hash, the
// tracker list, and the piece/file/chunk/block geometry the rest of the
// engine downloads against.
package metainfo

import "crypto/sha1"

// Piece is one hashing-granularity unit of the torrent. Immutable once
// constructed.
type Piece struct {
	Index  int
	Begin  int64 // absolute byte offset in the concatenation of all files
	Length int64
	Hash   [20]byte
}

// File is one file within the torrent, with its absolute byte range.
type File struct {
	Begin  int64
	Length int64
	Path   string // relative path, "/"-joined components
}

// Chunk is a maximal contiguous slice of one Piece that lies within one
// File. The chunks of a piece, concatenated in order, equal the piece's
// data; each chunk's bytes live in exactly one file at offset
// chunk.Begin - chunk.File.Begin.
type Chunk struct {
	File        File
	Piece       Piece
	Begin       int64 // absolute offset
	PieceOffset int64 // offset within the piece
	Length      int64
}

// Block is a request-granularity slice of a Piece, fixed at 16 KiB except
// possibly the last block of a piece.
type Block struct {
	Piece  Piece
	Begin  int64 // offset within the piece
	Length int64
}

// BlockLength is the fixed request granularity mandated by BEP-3.
const BlockLength = 1 << 14

// Blocks returns p's blocks in ascending offset order.
func Blocks(p Piece) []Block {
	var result []Block
	for offset := int64(0); offset < p.Length; offset += BlockLength {
		length := p.Length - offset
		if length > BlockLength {
			length = BlockLength
		}
		result = append(result, Block{Piece: p, Begin: offset, Length: length})
	}
	return result
}

// Metainfo is everything the engine needs to know about a torrent,
// independent of how it was obtained (a .torrent file, or a magnet URI
// plus a fetched info dict).
type Metainfo struct {
	InfoHash     [20]byte
	AnnounceList []string
	Pieces       []Piece
	Files        []File
	Folder       string // root directory name; empty for single-file torrents
	Name         string
	PieceLength  int64
}

// TotalLength returns the sum of all file lengths.
func (m *Metainfo) TotalLength() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// PieceToChunks returns, for every piece, its ordered list of chunks.
// The set of chunks is deterministic given pieces and files: walk both
// sorted by offset, emitting a chunk at every boundary crossing.
func (m *Metainfo) PieceToChunks() map[int][]Chunk {
	result := make(map[int][]Chunk, len(m.Pieces))
	if len(m.Files) == 0 {
		return result
	}
	fileIndex := 0
	file := m.Files[fileIndex]
	fileOffset := int64(0)

	for _, piece := range m.Pieces {
		pieceOffset := int64(0)
		for pieceOffset < piece.Length {
			remainingInFile := file.Length - fileOffset
			remainingInPiece := piece.Length - pieceOffset
			length := remainingInFile
			if remainingInPiece < length {
				length = remainingInPiece
			}
			result[piece.Index] = append(result[piece.Index], Chunk{
				File:        file,
				Piece:       piece,
				Begin:       file.Begin + fileOffset,
				PieceOffset: pieceOffset,
				Length:      length,
			})
			pieceOffset += length
			fileOffset += length
			if fileOffset == file.Length && fileIndex < len(m.Files)-1 {
				fileIndex++
				file = m.Files[fileIndex]
				fileOffset = 0
			}
		}
	}
	return result
}

// VerifyPiece reports whether data hashes to piece.Hash.
func VerifyPiece(piece Piece, data []byte) bool {
	sum := sha1.Sum(data)
	return sum == piece.Hash
}
