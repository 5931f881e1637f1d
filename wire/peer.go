package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lvbealr/leechgo/bterrors"
)

// MessageID identifies a peer-wire message's type (BEP-3 + BEP-5 + BEP-10).
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
	Port
)

// ExtensionProtocol is message id 20, used to multiplex BEP-10
// sub-protocols (here only ut_metadata).
const ExtensionProtocol MessageID = 20

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case ExtensionProtocol:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a parsed, length-prefix-stripped peer-wire message. Only the
// payload fields annotated below with the message's ID are meaningful;
// KeepAlive is true only
// for the zero-length keep-alive frame, in which case every other field
// must be ignored.
type Message struct {
	KeepAlive bool
	ID        MessageID

	Index  uint32 // Have, Request, Piece, Cancel
	Begin  uint32 // Request, Piece, Cancel
	Length uint32 // Request, Cancel

	Bitfield []byte // BitfieldMsg
	Block    []byte // Piece

	ExtensionID      byte   // ExtensionProtocol
	ExtensionPayload []byte // ExtensionProtocol, bencoded dict (+ trailing raw bytes for data messages)

	Port uint16 // Port
}

func simple(id MessageID) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, 1)
	buf.WriteByte(byte(id))
	return buf.Bytes()
}

// ToBytes serializes m to its length-prefixed wire form.
func (m Message) ToBytes() []byte {
	if m.KeepAlive {
		var buf bytes.Buffer
		writeUint32(&buf, 0)
		return buf.Bytes()
	}

	var buf bytes.Buffer
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		return simple(m.ID)

	case Have:
		writeUint32(&buf, 5)
		buf.WriteByte(byte(Have))
		writeUint32(&buf, m.Index)

	case BitfieldMsg:
		writeUint32(&buf, uint32(1+len(m.Bitfield)))
		buf.WriteByte(byte(BitfieldMsg))
		buf.Write(m.Bitfield)

	case Request, Cancel:
		writeUint32(&buf, 13)
		buf.WriteByte(byte(m.ID))
		writeUint32(&buf, m.Index)
		writeUint32(&buf, m.Begin)
		writeUint32(&buf, m.Length)

	case Piece:
		writeUint32(&buf, uint32(9+len(m.Block)))
		buf.WriteByte(byte(Piece))
		writeUint32(&buf, m.Index)
		writeUint32(&buf, m.Begin)
		buf.Write(m.Block)

	case Port:
		writeUint32(&buf, 3)
		buf.WriteByte(byte(Port))
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], m.Port)
		buf.Write(p[:])

	case ExtensionProtocol:
		writeUint32(&buf, uint32(2+len(m.ExtensionPayload)))
		buf.WriteByte(byte(ExtensionProtocol))
		buf.WriteByte(m.ExtensionID)
		buf.Write(m.ExtensionPayload)
	}
	return buf.Bytes()
}

// ParseMessage decodes a message whose 4-byte length prefix has already
// been read and found to equal len(payload), the message id byte
// included (or the payload is empty, meaning a keep-alive).
func ParseMessage(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{KeepAlive: true}, nil
	}
	id := MessageID(payload[0])
	body := payload[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		return Message{ID: id}, nil

	case Have:
		if len(body) != 4 {
			return Message{}, &bterrors.ParseError{Context: "have: wrong payload length"}
		}
		return Message{ID: id, Index: binary.BigEndian.Uint32(body)}, nil

	case BitfieldMsg:
		buf := make([]byte, len(body))
		copy(buf, body)
		return Message{ID: id, Bitfield: buf}, nil

	case Request, Cancel:
		if len(body) != 12 {
			return Message{}, &bterrors.ParseError{Context: id.String() + ": wrong payload length"}
		}
		return Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}, nil

	case Piece:
		if len(body) < 8 {
			return Message{}, &bterrors.ParseError{Context: "piece: payload too short"}
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		return Message{
			ID:    id,
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Block: block,
		}, nil

	case Port:
		if len(body) != 2 {
			return Message{}, &bterrors.ParseError{Context: "port: wrong payload length"}
		}
		return Message{ID: id, Port: binary.BigEndian.Uint16(body)}, nil

	case ExtensionProtocol:
		if len(body) < 1 {
			return Message{}, &bterrors.ParseError{Context: "extension: payload too short"}
		}
		payloadCopy := make([]byte, len(body)-1)
		copy(payloadCopy, body[1:])
		return Message{ID: id, ExtensionID: body[0], ExtensionPayload: payloadCopy}, nil

	default:
		return Message{}, &bterrors.ParseError{Context: fmt.Sprintf("unknown message id %d", id)}
	}
}
