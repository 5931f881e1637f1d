package wire

import (
	"github.com/lvbealr/leechgo/bencode"
	"github.com/lvbealr/leechgo/bterrors"
)

// ExtensionHandshakeID is the reserved sub-protocol id (0) that always
// means "extension handshake" per BEP-10.
const ExtensionHandshakeID byte = 0

// MetadataPieceLength is the fixed chunk size the ut_metadata
// sub-protocol requests the info dict in, per BEP-9.
const MetadataPieceLength = 1 << 14

// ExtensionHandshake is the bencoded dict exchanged as the first
// extension-protocol message: {"m": {name: id, ...}, "metadata_size": N}.
type ExtensionHandshake struct {
	M            map[string]byte
	MetadataSize int64 // 0 if absent
}

// EncodeExtensionHandshake bencodes h into a dict payload.
func EncodeExtensionHandshake(h ExtensionHandshake) []byte {
	m := bencode.NewDict()
	for name, id := range h.M {
		m.Set(name, bencode.Int(int64(id)))
	}
	d := bencode.NewDict()
	d.Set("m", bencode.FromDict(m))
	if h.MetadataSize > 0 {
		d.Set("metadata_size", bencode.Int(h.MetadataSize))
	}
	return bencode.Encode(bencode.FromDict(d))
}

// ParseExtensionHandshake decodes a handshake dict payload.
func ParseExtensionHandshake(payload []byte) (ExtensionHandshake, error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return ExtensionHandshake{}, err
	}
	if v.Kind != bencode.KindDict {
		return ExtensionHandshake{}, &bterrors.ParseError{Context: "extension handshake: not a dict"}
	}
	mv, ok := v.Dict.Get("m")
	if !ok || mv.Kind != bencode.KindDict {
		return ExtensionHandshake{}, &bterrors.ParseError{Context: "extension handshake: missing \"m\""}
	}
	h := ExtensionHandshake{M: make(map[string]byte)}
	for _, name := range mv.Dict.Keys() {
		idv, _ := mv.Dict.Get(name)
		h.M[name] = byte(idv.Int)
	}
	if sizeV, ok := v.Dict.Get("metadata_size"); ok {
		h.MetadataSize = sizeV.Int
	}
	return h, nil
}

// MetadataMsgType mirrors the ut_metadata sub-protocol's msg_type field.
type MetadataMsgType int64

const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

// MetadataMessage is one ut_metadata sub-protocol message. For
// MetadataData, RawPiece holds the piece bytes that follow the bencoded
// dict in the wire payload.
type MetadataMessage struct {
	MsgType   MetadataMsgType
	Piece     int64
	TotalSize int64 // only meaningful for MetadataData
	RawPiece  []byte
}

// EncodeMetadataMessage bencodes m's dict header; for MetadataData the
// caller must append RawPiece after this prefix.
func EncodeMetadataMessage(m MetadataMessage) []byte {
	d := bencode.NewDict()
	d.Set("msg_type", bencode.Int(int64(m.MsgType)))
	d.Set("piece", bencode.Int(m.Piece))
	if m.MsgType == MetadataData && m.TotalSize > 0 {
		d.Set("total_size", bencode.Int(m.TotalSize))
	}
	return bencode.Encode(bencode.FromDict(d))
}

// ParseMetadataMessage decodes the bencoded dict prefix of an extension
// payload (after the sub-protocol id byte has already been consumed by
// Message.ExtensionID) and returns the message plus any raw piece bytes
// that followed the dict.
func ParseMetadataMessage(payload []byte) (MetadataMessage, error) {
	v, next, err := bencode.DecodePrefix(payload, 0)
	if err != nil {
		return MetadataMessage{}, err
	}
	if v.Kind != bencode.KindDict {
		return MetadataMessage{}, &bterrors.ParseError{Context: "ut_metadata message: not a dict"}
	}
	msgTypeV, ok := v.Dict.Get("msg_type")
	if !ok {
		return MetadataMessage{}, &bterrors.ParseError{Context: "ut_metadata message: missing msg_type"}
	}
	pieceV, ok := v.Dict.Get("piece")
	if !ok {
		return MetadataMessage{}, &bterrors.ParseError{Context: "ut_metadata message: missing piece"}
	}
	m := MetadataMessage{
		MsgType: MetadataMsgType(msgTypeV.Int),
		Piece:   pieceV.Int,
	}
	if sizeV, ok := v.Dict.Get("total_size"); ok {
		m.TotalSize = sizeV.Int
	}
	if m.MsgType == MetadataData {
		m.RawPiece = payload[next:]
	}
	return m, nil
}
