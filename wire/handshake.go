// Package wire frames, parses, and serializes every peer-wire and
// tracker-wire message used by the engine: the fixed 68-byte handshake,
// the length-prefixed peer messages (BEP-3), the BEP-10 extension
// sub-protocol, and the UDP tracker connect/announce messages (BEP-15).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvbealr/leechgo/bterrors"
)

const (
	protocolName    = "BitTorrent protocol"
	handshakeLength = 49 + len(protocolName)

	// extensionReservedByte is the byte (counting from the start of the
	// 8-byte reserved field) in which bit 0x10 carries the BEP-10
	// extension-protocol flag.
	extensionReservedByte = 5
	extensionBit          = 0x10
)

// Handshake is the fixed 68-byte message exchanged immediately after a
// peer TCP connection is opened.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a Handshake for infoHash/peerID, optionally
// announcing BEP-10 extension-protocol support.
func NewHandshake(infoHash, peerID [20]byte, extensionProtocol bool) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	if extensionProtocol {
		h.Reserved[extensionReservedByte] |= extensionBit
	}
	return h
}

// SupportsExtensionProtocol reports whether the BEP-10 bit is set in the
// reserved field.
func (h Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[extensionReservedByte]&extensionBit != 0
}

// ToBytes serializes the handshake to its 68-byte wire form.
func (h Handshake) ToBytes() []byte {
	buf := make([]byte, 0, handshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ParseHandshake parses a 68-byte handshake message.
func ParseHandshake(data []byte) (Handshake, error) {
	if len(data) != handshakeLength {
		return Handshake{}, &bterrors.ParseError{Context: fmt.Sprintf("handshake: want %d bytes, got %d", handshakeLength, len(data))}
	}
	if data[0] != byte(len(protocolName)) {
		return Handshake{}, &bterrors.ParseError{Context: "handshake: bad pstrlen"}
	}
	if !bytes.Equal(data[1:1+len(protocolName)], []byte(protocolName)) {
		return Handshake{}, &bterrors.ParseError{Context: "handshake: unexpected protocol name"}
	}
	var h Handshake
	pos := 1 + len(protocolName)
	copy(h.Reserved[:], data[pos:pos+8])
	pos += 8
	copy(h.InfoHash[:], data[pos:pos+20])
	pos += 20
	copy(h.PeerID[:], data[pos:pos+20])
	return h, nil
}

// ReadHandshake reads exactly one 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	return ParseHandshake(buf)
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.ToBytes())
	return err
}

// writeUint32 is a small helper shared by the message encoders below;
// kept free-standing (rather than bytes.Buffer + binary.Write for every
// call site) to favor manual byte packing over reflection-based
// encoding.
func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}
