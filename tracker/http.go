package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencodego "github.com/jackpal/bencode-go"

	"github.com/lvbealr/leechgo/bterrors"
	"github.com/lvbealr/leechgo/wire"
)

// httpResponse mirrors the bencoded dict an HTTP(S) tracker returns.
// Peers is left as interface{} because BEP-23 compact mode returns a
// byte string but older trackers return a list of dicts.
type httpResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

type httpPeerDict struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

// RequestPeersHTTP performs one GET announce against an HTTP(S) tracker
// and parses the response. The caller is responsible for sleeping
// Result.Interval seconds and calling again.
func RequestPeersHTTP(announceURL string, params Params) (Result, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return Result{}, fmt.Errorf("parsing tracker url: %w", err)
	}

	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("event", "started")
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("building tracker request: %w", err)
	}
	req.Header.Set("User-Agent", "leechgo/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, &bterrors.ConnectionError{Peer: u.Host, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, &bterrors.TrackerError{Tracker: announceURL, Reason: fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	var parsed httpResponse
	if err := bencodego.Unmarshal(resp.Body, &parsed); err != nil {
		return Result{}, &bterrors.ParseError{Context: "decoding tracker response", Err: err}
	}
	if parsed.FailureReason != "" {
		return Result{}, &bterrors.TrackerError{Tracker: announceURL, Reason: parsed.FailureReason}
	}

	peers, err := decodeHTTPPeers(parsed.Peers)
	if err != nil {
		return Result{}, err
	}

	return Result{Peers: peers, Interval: parsed.Interval}, nil
}

func decodeHTTPPeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case string:
		compact, err := wire.ParseCompactPeers([]byte(v))
		if err != nil {
			return nil, err
		}
		return fromCompact(compact), nil
	case []interface{}:
		var peers []Peer
		for _, entry := range v {
			d, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := d["ip"].(string)
			var port int
			switch p := d["port"].(type) {
			case int64:
				port = int(p)
			case int:
				port = p
			}
			peers = append(peers, Peer{Address: ip, Port: uint16(port)})
		}
		return peers, nil
	default:
		return nil, nil
	}
}

func fromCompact(compact []wire.CompactPeer) []Peer {
	peers := make([]Peer, len(compact))
	for i, c := range compact {
		peers[i] = Peer{
			Address: fmt.Sprintf("%d.%d.%d.%d", c.IP[0], c.IP[1], c.IP[2], c.IP[3]),
			Port:    c.Port,
		}
	}
	return peers
}
