package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/lvbealr/leechgo/bterrors"
)

// ProtocolMagic is the fixed connection id used to request a fresh
// connection id from a UDP tracker (BEP-15).
const ProtocolMagic uint64 = 0x41727101980

// UDP tracker action codes.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionError    uint32 = 3
)

// ConnectRequest is the first message of the UDP tracker handshake.
type ConnectRequest struct {
	TransactionID uint32
}

func (r ConnectRequest) ToBytes() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], ProtocolMagic)
	binary.BigEndian.PutUint32(buf[8:12], ActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)
	return buf
}

// ConnectResponse carries the connection id to use for the announce.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

func (r ConnectResponse) ToBytes() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], ActionConnect)
	binary.BigEndian.PutUint32(buf[4:8], r.TransactionID)
	binary.BigEndian.PutUint64(buf[8:16], r.ConnectionID)
	return buf
}

// ParseConnectResponse parses a 16-byte connect response.
func ParseConnectResponse(data []byte) (ConnectResponse, error) {
	if len(data) < 16 {
		return ConnectResponse{}, &bterrors.ParseError{Context: "udp tracker: connect response too short"}
	}
	action := binary.BigEndian.Uint32(data[0:4])
	if action != ActionConnect {
		return ConnectResponse{}, &bterrors.ParseError{Context: "udp tracker: unexpected action in connect response"}
	}
	return ConnectResponse{
		TransactionID: binary.BigEndian.Uint32(data[4:8]),
		ConnectionID:  binary.BigEndian.Uint64(data[8:16]),
	}, nil
}

// AnnounceRequest is the second message of the UDP tracker exchange.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

func (r AnnounceRequest) ToBytes() []byte {
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)
	copy(buf[16:36], r.InfoHash[:])
	copy(buf[36:56], r.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], r.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], r.Left)
	binary.BigEndian.PutUint64(buf[72:80], r.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], r.Event)
	// buf[84:88] is the optional IP address override; always zero (use
	// the tracker's view of our source address).
	binary.BigEndian.PutUint32(buf[88:92], r.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(r.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], r.Port)
	return buf
}

// AnnounceResponse carries the interval and the compact peer list.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      int32
	Leechers      int32
	Seeders       int32
	Peers         []byte // 6 bytes (IPv4 + port) per peer
}

func (r AnnounceResponse) ToBytes() []byte {
	buf := make([]byte, 20+len(r.Peers))
	binary.BigEndian.PutUint32(buf[0:4], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], r.TransactionID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Interval))
	binary.BigEndian.PutUint32(buf[12:16], uint32(r.Leechers))
	binary.BigEndian.PutUint32(buf[16:20], uint32(r.Seeders))
	copy(buf[20:], r.Peers)
	return buf
}

// ParseAnnounceResponse parses an announce response, or an error
// response sharing the same action-code prefix.
func ParseAnnounceResponse(data []byte) (AnnounceResponse, error) {
	if len(data) < 8 {
		return AnnounceResponse{}, &bterrors.ParseError{Context: "udp tracker: response too short"}
	}
	action := binary.BigEndian.Uint32(data[0:4])
	transactionID := binary.BigEndian.Uint32(data[4:8])
	if action == ActionError {
		return AnnounceResponse{}, &bterrors.TrackerError{Tracker: "udp", Reason: string(data[8:])}
	}
	if action != ActionAnnounce {
		return AnnounceResponse{}, &bterrors.ParseError{Context: "udp tracker: unexpected action in announce response"}
	}
	if len(data) < 20 {
		return AnnounceResponse{}, &bterrors.ParseError{Context: "udp tracker: announce response too short"}
	}
	peers := data[20:]
	if len(peers)%6 != 0 {
		return AnnounceResponse{}, &bterrors.ParseError{Context: "udp tracker: peer list not a multiple of 6 bytes"}
	}
	return AnnounceResponse{
		TransactionID: transactionID,
		Interval:      int32(binary.BigEndian.Uint32(data[8:12])),
		Leechers:      int32(binary.BigEndian.Uint32(data[12:16])),
		Seeders:       int32(binary.BigEndian.Uint32(data[16:20])),
		Peers:         append([]byte(nil), peers...),
	}, nil
}

// ParseCompactPeers decodes a 6-bytes-per-peer (IPv4 + port) blob into
// (ip, port) pairs.
func ParseCompactPeers(data []byte) ([]CompactPeer, error) {
	if len(data)%6 != 0 {
		return nil, &bterrors.ParseError{Context: "compact peers: length not a multiple of 6"}
	}
	peers := make([]CompactPeer, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		peers = append(peers, CompactPeer{
			IP:   [4]byte{data[i], data[i+1], data[i+2], data[i+3]},
			Port: binary.BigEndian.Uint16(data[i+4 : i+6]),
		})
	}
	return peers, nil
}

// CompactPeer is a single 6-byte compact peer entry.
type CompactPeer struct {
	IP   [4]byte
	Port uint16
}

// EncodeCompactPeers is the inverse of ParseCompactPeers, used by tests.
func EncodeCompactPeers(peers []CompactPeer) []byte {
	var buf bytes.Buffer
	for _, p := range peers {
		buf.Write(p.IP[:])
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], p.Port)
		buf.Write(port[:])
	}
	return buf.Bytes()
}
