package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
)

func testInfoHash() [20]byte {
	var h [20]byte
	copy(h[:], "aaaaaaaaaaaaaaaaaaaa")
	return h
}

func testPeerID() [20]byte {
	var p [20]byte
	copy(p[:], "-GR0001-abcdefghijkl")
	return p
}

func TestHTTPAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.Equal(t, "started", r.URL.Query().Get("event"))

		compact := []byte{192, 168, 1, 1, 0x1A, 0xE1} // 192.168.1.1:6881
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int(1800),
			"peers":    bencode.Bytes(compact),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	tr, err := New(srv.URL+"/announce", nil)
	require.NoError(t, err)

	resp, err := tr.Announce(context.Background(), AnnounceRequest{
		InfoHash: testInfoHash(),
		PeerID:   testPeerID(),
		Port:     6881,
		Event:    EventStarted,
	})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
	assert.False(t, tr.TimeUp())
}

func TestHTTPAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int(900),
			"peers": bencode.List(
				bencode.Dict(map[string]bencode.Value{
					"ip":   bencode.String("10.0.0.5"),
					"port": bencode.Int(51413),
				}),
			),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	tr, err := New(srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.Announce(context.Background(), AnnounceRequest{InfoHash: testInfoHash(), PeerID: testPeerID()})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.5", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(51413), resp.Peers[0].Port)
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"failure reason": bencode.String("info_hash not registered"),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	tr, err := New(srv.URL, nil)
	require.NoError(t, err)

	before := time.Now()
	_, err = tr.Announce(context.Background(), AnnounceRequest{InfoHash: testInfoHash(), PeerID: testPeerID()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "info_hash not registered")
	// Deadline should have been pushed out by the retry floor, not left zero.
	assert.True(t, tr.nextAnnounce.After(before))
}

// fakeUDPTracker answers one connect and one announce round on a loopback
// UDP socket, mirroring the exact BEP-15 byte offsets.
func fakeUDPTracker(t *testing.T) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 2048)

		// Phase 1: connect.
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 16 {
			return
		}
		txID := binary.BigEndian.Uint32(buf[12:16])
		connID := uint64(0xCAFEBABECAFEBABE)

		reply := make([]byte, 16)
		binary.BigEndian.PutUint32(reply[0:4], udpActionConnect)
		binary.BigEndian.PutUint32(reply[4:8], txID)
		binary.BigEndian.PutUint64(reply[8:16], connID)
		conn.WriteToUDP(reply, raddr)

		// Phase 2: announce.
		n, raddr, err = conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 98 {
			return
		}
		gotConnID := binary.BigEndian.Uint64(buf[0:8])
		if gotConnID != connID {
			return
		}
		annTx := binary.BigEndian.Uint32(buf[12:16])

		peer := []byte{10, 0, 0, 1, 0x1F, 0x90} // 10.0.0.1:8080
		out := make([]byte, 20+len(peer))
		binary.BigEndian.PutUint32(out[0:4], udpActionAnnounce)
		binary.BigEndian.PutUint32(out[4:8], annTx)
		binary.BigEndian.PutUint32(out[8:12], 600) // interval
		binary.BigEndian.PutUint32(out[12:16], 3)  // leechers
		binary.BigEndian.PutUint32(out[16:20], 7)  // seeders
		copy(out[20:], peer)
		conn.WriteToUDP(out, raddr)

		close(done)
	}()

	return conn.LocalAddr().String(), func() {
		conn.Close()
		<-done
	}
}

func TestUDPTrackerConnectAndAnnounce(t *testing.T) {
	addr, stop := fakeUDPTracker(t)
	defer stop()

	tr, err := New("udp://"+addr, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := tr.Announce(ctx, AnnounceRequest{InfoHash: testInfoHash(), PeerID: testPeerID(), Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(8080), resp.Peers[0].Port)
}

func TestTierListPromotesWinnerToFront(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	goodSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int(1800),
			"peers":    bencode.Bytes(nil),
		}))
		w.Write(body)
	}))
	defer goodSrv.Close()

	tl, err := NewTierList([][]string{{badSrv.URL, goodSrv.URL}}, nil)
	require.NoError(t, err)

	_, err = tl.AnnounceAll(context.Background(), AnnounceRequest{InfoHash: testInfoHash(), PeerID: testPeerID()})
	require.NoError(t, err)

	require.Len(t, tl.Tiers[0].Trackers, 2)
	assert.Equal(t, goodSrv.URL, tl.Tiers[0].Trackers[0].URL)
}

func TestTierListAllFail(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	tl, err := NewTierList([][]string{{badSrv.URL}}, nil)
	require.NoError(t, err)

	_, err = tl.AnnounceAll(context.Background(), AnnounceRequest{InfoHash: testInfoHash(), PeerID: testPeerID()})
	require.Error(t, err)
}
