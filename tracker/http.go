package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorent/gorent/bencode"
)

// maxHTTPAnnounceBody caps how much of a tracker's response we'll read;
// a well-formed compact peer list for a healthy swarm is a few KB.
const maxHTTPAnnounceBody = 1 << 20

type httpAnnouncer struct {
	base   *url.URL
	client *http.Client
}

func newHTTPAnnouncer(base *url.URL) *httpAnnouncer {
	return &httpAnnouncer{
		base: base,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (a *httpAnnouncer) announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	u := *a.base
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("key", "1337T0RRENT")
	if ev := req.Event.queryValue(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", "gorent/1.0")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned HTTP status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPAnnounceBody))
	if err != nil {
		return nil, fmt.Errorf("reading tracker response: %w", err)
	}

	root, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, fmt.Errorf("decoding tracker response: %w", err)
	}

	if fr := root.Get("failure reason"); fr != nil {
		reason, _ := fr.AsString()
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	intervalNode := root.Get("interval")
	if intervalNode == nil {
		return nil, fmt.Errorf("tracker response missing \"interval\"")
	}
	intervalSecs, err := intervalNode.AsInt()
	if err != nil {
		return nil, fmt.Errorf("tracker \"interval\" must be an integer: %w", err)
	}

	peersNode := root.Get("peers")
	if peersNode == nil {
		return &AnnounceResponse{Interval: time.Duration(intervalSecs) * time.Second}, nil
	}

	var peers []Peer
	switch peersNode.Kind {
	case bencode.KindBytes:
		raw, _ := peersNode.AsBytes()
		peers, err = parseCompactPeers(raw)
		if err != nil {
			return nil, err
		}
	case bencode.KindList:
		list, _ := peersNode.AsList()
		peers, err = parseDictPeers(list)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("tracker \"peers\" has unexpected type %s", peersNode.Kind)
	}

	return &AnnounceResponse{
		Interval: time.Duration(intervalSecs) * time.Second,
		Peers:    peers,
	}, nil
}

// parseCompactPeers decodes the compact peer format: 6 bytes per peer,
// 4-byte big-endian IPv4 followed by a 2-byte big-endian port.
func parseCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers: length %d is not a multiple of 6", len(raw))
	}
	n := len(raw) / 6
	peers := make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		off := i * 6
		ip := net.IPv4(raw[off], raw[off+1], raw[off+2], raw[off+3])
		port := uint16(raw[off+4])<<8 | uint16(raw[off+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

// parseDictPeers decodes the non-compact peer list: a list of
// {ip, port, peer id} dictionaries. The peer id is optional; when a
// tracker supplies one it is carried onto Peer so the dialer can verify
// it against the handshake (§4.4).
func parseDictPeers(list []*bencode.Node) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, entry := range list {
		ipNode := entry.Get("ip")
		portNode := entry.Get("port")
		if ipNode == nil || portNode == nil {
			continue
		}
		ipStr, err := ipNode.AsString()
		if err != nil {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		port, err := portNode.AsInt()
		if err != nil {
			continue
		}

		var peerID *[20]byte
		if idNode := entry.Get("peer id"); idNode != nil {
			if raw, err := idNode.AsBytes(); err == nil && len(raw) == 20 {
				var id [20]byte
				copy(id[:], raw)
				peerID = &id
			}
		}

		peers = append(peers, Peer{IP: ip, Port: uint16(port), PeerID: peerID})
	}
	return peers, nil
}
