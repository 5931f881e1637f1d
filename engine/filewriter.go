package engine

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lvbealr/leechgo/metainfo"
)

// EnsureFilesExist creates every file a torrent needs, along with any
// parent directories, truncated to its final length. Existing files are
// left untouched except for truncation.
func EnsureFilesExist(folder string, files []metainfo.File) error {
	for _, f := range files {
		full := filepath.Join(folder, f.Path)
		if dir := filepath.Dir(full); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", full, err)
			}
		}
		file, err := os.OpenFile(full, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", full, err)
		}
		err = file.Truncate(f.Length)
		file.Close()
		if err != nil {
			return fmt.Errorf("truncating %s: %w", full, err)
		}
	}
	return nil
}

// ScanResumable hashes every piece already present on disk under folder
// and returns the subset of pieces whose on-disk bytes do not match
// their hash — i.e. the pieces still missing. A torrent with no prior
// download returns all pieces.
func ScanResumable(m *metainfo.Metainfo) ([]metainfo.Piece, error) {
	pieceToChunks := m.PieceToChunks()
	missing := make([]metainfo.Piece, 0, len(m.Pieces))

	for _, piece := range m.Pieces {
		data := make([]byte, 0, piece.Length)
		ok := true
		for _, c := range pieceToChunks[piece.Index] {
			full := filepath.Join(m.Folder, c.File.Path)
			buf := make([]byte, c.Length)
			f, err := os.Open(full)
			if err != nil {
				ok = false
				break
			}
			_, err = f.ReadAt(buf, c.Begin-c.File.Begin)
			f.Close()
			if err != nil {
				ok = false
				break
			}
			data = append(data, buf...)
		}
		if !ok || sha1.Sum(data) != piece.Hash {
			missing = append(missing, piece)
		}
	}
	return missing, nil
}

// FileWriter receives verified piece data and writes each chunk to its
// owning file at the right offset, tracking how many pieces remain and
// how many bytes have been written, including the case where a piece
// spans multiple files.
type FileWriter struct {
	metainfo     *metainfo.Metainfo
	folder       string
	pieceToChunk map[int][]metainfo.Chunk

	mu        sync.Mutex
	missing   map[int]struct{}
	downloaded int64

	done chan struct{}
}

// NewFileWriter builds a FileWriter. missingPieces is the initial set of
// pieces not yet on disk (every piece, on a fresh download; a subset on
// resume).
func NewFileWriter(m *metainfo.Metainfo, missingPieces []metainfo.Piece) *FileWriter {
	missing := make(map[int]struct{}, len(missingPieces))
	for _, p := range missingPieces {
		missing[p.Index] = struct{}{}
	}
	done := make(chan struct{})
	if len(missing) == 0 {
		close(done)
	}
	return &FileWriter{
		metainfo:     m,
		folder:       m.Folder,
		pieceToChunk: m.PieceToChunks(),
		missing:      missing,
		done:         done,
	}
}

// Done is closed once every originally-missing piece has been written.
func (w *FileWriter) Done() <-chan struct{} {
	return w.done
}

// Downloaded returns the number of bytes written so far across all
// verified pieces.
func (w *FileWriter) Downloaded() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.downloaded
}

// Remaining returns how many pieces are still outstanding.
func (w *FileWriter) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.missing)
}

// WritePiece writes piece's verified data to disk and marks it
// complete. Writing the same piece twice (a late duplicate delivery
// from a second borrower) is a harmless no-op.
func (w *FileWriter) WritePiece(piece metainfo.Piece, data []byte) error {
	w.mu.Lock()
	if _, ok := w.missing[piece.Index]; !ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	for _, c := range w.pieceToChunk[piece.Index] {
		full := filepath.Join(w.folder, c.File.Path)
		f, err := os.OpenFile(full, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", full, err)
		}
		_, err = f.WriteAt(data[c.PieceOffset:c.PieceOffset+c.Length], c.Begin-c.File.Begin)
		f.Close()
		if err != nil {
			return fmt.Errorf("writing %s: %w", full, err)
		}
	}

	w.mu.Lock()
	if _, ok := w.missing[piece.Index]; !ok {
		w.mu.Unlock()
		return nil
	}
	delete(w.missing, piece.Index)
	w.downloaded += piece.Length
	remaining := len(w.missing)
	w.mu.Unlock()

	if remaining == 0 {
		close(w.done)
	}
	return nil
}
