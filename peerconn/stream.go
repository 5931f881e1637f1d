// Package peerconn implements the peer wire protocol: framed
// handshake and message I/O over a net.Conn, and the per-peer state
// machine that drives block requests against one connected peer.
package peerconn

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/wire"
)

// maxMessageLength caps a single wire message to guard against a
// malicious or buggy peer sending a length prefix large enough to
// exhaust memory.
const maxMessageLength = 1 << 20

// Stream wraps a net.Conn with read/write deadlines and length-prefixed
// framing, shared by the per-peer state machine and the metadata
// exchange protocol (both need the same handshake plus message I/O).
type Stream struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
}

// NewStream wraps an already-dialed connection. timeout is applied as
// both the read and write deadline before every I/O call.
func NewStream(conn net.Conn, timeout time.Duration) *Stream {
	return &Stream{conn: conn, addr: conn.RemoteAddr().String(), timeout: timeout}
}

// Dial opens a TCP connection to addr with a fixed connect timeout,
// then wraps it in a Stream using timeout for subsequent I/O deadlines.
func Dial(addr string, connectTimeout, timeout time.Duration) (*Stream, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, &bterrors.ConnectionError{Peer: addr, Err: err}
	}
	return NewStream(conn, timeout), nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

// Handshake writes our handshake and reads the peer's, returning its
// parsed contents. The caller checks the returned InfoHash and extension
// bit itself; Handshake does not validate them.
func (s *Stream) Handshake(h wire.Handshake) (wire.Handshake, error) {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := wire.WriteHandshake(s.conn, h); err != nil {
		return wire.Handshake{}, &bterrors.ConnectionError{Peer: s.addr, Err: err}
	}

	s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	resp, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return wire.Handshake{}, &bterrors.ConnectionError{Peer: s.addr, Err: err}
	}
	return resp, nil
}

// ReadMessage reads one length-prefixed message, returning a Message
// with only KeepAlive set when the length prefix is zero.
func (s *Stream) ReadMessage() (wire.Message, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.timeout))

	var lengthBuf [4]byte
	if _, err := io.ReadFull(s.conn, lengthBuf[:]); err != nil {
		return wire.Message{}, &bterrors.ConnectionError{Peer: s.addr, Err: err}
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return wire.Message{KeepAlive: true}, nil
	}
	if length > maxMessageLength {
		return wire.Message{}, &bterrors.ProtocolError{Peer: s.addr, Reason: "message too large"}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return wire.Message{}, &bterrors.ConnectionError{Peer: s.addr, Err: err}
	}
	msg, err := wire.ParseMessage(payload)
	if err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

// WriteMessage writes one message, framed with its 4-byte length
// prefix.
func (s *Stream) WriteMessage(msg wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if _, err := s.conn.Write(msg.ToBytes()); err != nil {
		return &bterrors.ConnectionError{Peer: s.addr, Err: err}
	}
	return nil
}
