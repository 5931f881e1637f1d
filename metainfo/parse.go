package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/lvbealr/leechgo/bencode"
	"github.com/lvbealr/leechgo/bterrors"
)

// rawFile mirrors the top-level dictionary of a .torrent file. info_hash
// itself is never taken from this struct because re-encoding it would not
// reproduce the original bytes byte-for-byte.
type rawFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseFile reads and parses a .torrent file from disk.
func ParseFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes the bencoded bytes of a .torrent file.
func Parse(data []byte) (*Metainfo, error) {
	var raw rawFile
	if err := bencodego.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, &bterrors.ParseError{Context: "decoding .torrent file", Err: err}
	}

	rawInfoBytes, err := bencode.RawValue(data, []byte("info"))
	if err != nil {
		return nil, fmt.Errorf("extracting info dict: %w", err)
	}
	infoHash := sha1.Sum(rawInfoBytes)

	return fromRaw(raw, infoHash)
}

// ParseInfo builds a Metainfo from a raw info dict's bytes (obtained,
// e.g., via the metadata-exchange protocol from a magnet URI) plus the
// tracker list that came with the magnet URI.
func ParseInfo(rawInfoBytes []byte, announceList []string) (*Metainfo, error) {
	var info rawInfo
	if err := bencodego.Unmarshal(bytes.NewReader(rawInfoBytes), &info); err != nil {
		return nil, &bterrors.ParseError{Context: "decoding info dict", Err: err}
	}
	infoHash := sha1.Sum(rawInfoBytes)
	raw := rawFile{AnnounceList: [][]string{announceList}, Info: info}
	return fromRaw(raw, infoHash)
}

func fromRaw(raw rawFile, infoHash [20]byte) (*Metainfo, error) {
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, &bterrors.ParseError{Context: fmt.Sprintf("pieces length %d not a multiple of 20", len(raw.Info.Pieces))}
	}

	m := &Metainfo{
		InfoHash:    infoHash,
		Name:        raw.Info.Name,
		PieceLength: raw.Info.PieceLength,
	}

	trackers := make(map[string]struct{})
	var ordered []string
	add := func(url string) {
		if url == "" {
			return
		}
		if _, ok := trackers[url]; ok {
			return
		}
		trackers[url] = struct{}{}
		ordered = append(ordered, url)
	}
	add(raw.Announce)
	for _, tier := range raw.AnnounceList {
		for _, url := range tier {
			add(url)
		}
	}
	m.AnnounceList = ordered

	var offset int64
	if len(raw.Info.Files) == 0 {
		m.Files = []File{{Begin: 0, Length: raw.Info.Length, Path: raw.Info.Name}}
		m.Folder = ""
	} else {
		m.Folder = raw.Info.Name
		for _, fe := range raw.Info.Files {
			m.Files = append(m.Files, File{
				Begin:  offset,
				Length: fe.Length,
				Path:   filepath.Join(fe.Path...),
			})
			offset += fe.Length
		}
	}

	total := m.TotalLength()
	numPieces := len(raw.Info.Pieces) / 20
	m.Pieces = make([]Piece, numPieces)
	var pieceOffset int64
	for i := 0; i < numPieces; i++ {
		var hash [20]byte
		copy(hash[:], raw.Info.Pieces[i*20:(i+1)*20])
		length := m.PieceLength
		if remaining := total - pieceOffset; remaining < length {
			length = remaining
		}
		m.Pieces[i] = Piece{Index: i, Begin: pieceOffset, Length: length, Hash: hash}
		pieceOffset += length
	}

	return m, nil
}
