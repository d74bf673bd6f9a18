package controller

import (
	"context"
	"crypto/sha1"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
)

// addrBox is a mutex-guarded string so the fake tracker's handler
// goroutine and the test goroutine can safely share the seeder's
// address once it becomes known.
type addrBox struct {
	mu   sync.Mutex
	addr string
}

func (b *addrBox) set(a string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr = a
}

func (b *addrBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// buildTorrent writes a single-file .torrent named fileName to
// dir/test.torrent whose announce URL is trackerURL, and returns its path.
func buildTorrent(t *testing.T, dir, trackerURL, fileName string, pieceLength int64, data []byte) string {
	t.Helper()

	var pieces []byte
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := sha1.Sum(data[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String(fileName),
		"piece length": bencode.Int(pieceLength),
		"pieces":       bencode.Bytes(pieces),
		"length":       bencode.Int(int64(len(data))),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String(trackerURL),
		"info":     info,
	})

	raw := bencode.Encode(root)
	path := filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

// fakeTracker serves a compact-peer announce response. peerAddr is read
// on every request so it can be filled in after the seeder starts
// listening.
func fakeTracker(t *testing.T, peerAddr func() string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var compact []byte
		if addr := peerAddr(); addr != "" {
			host, portStr, err := net.SplitHostPort(addr)
			require.NoError(t, err)
			ip := net.ParseIP(host).To4()
			require.NotNil(t, ip)
			port, err := strconv.Atoi(portStr)
			require.NoError(t, err)
			compact = append(compact, ip...)
			compact = append(compact, byte(port>>8), byte(port))
		}
		resp := bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int(1),
			"peers":    bencode.Bytes(compact),
		})
		w.Write(bencode.Encode(resp))
	}))
}

func TestDownloadFetchesFullTorrentFromSeeder(t *testing.T) {
	seederDir := t.TempDir()
	leecherDir := t.TempDir()
	torrentDir := t.TempDir()

	data := make([]byte, 48) // 3 pieces of 16 bytes
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(seederDir, "data.bin"), data, 0o644))

	seederAddr := &addrBox{}
	tr := fakeTracker(t, seederAddr.get)
	defer tr.Close()

	torrentPath := buildTorrent(t, torrentDir, tr.URL, "data.bin", 16, data)

	seeder := New(nil)
	require.NoError(t, seeder.Open(torrentPath, seederDir))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seedDone := make(chan error, 1)
	go func() { seedDone <- seeder.Seed(ctx, 0) }()

	require.Eventually(t, func() bool {
		a := seeder.ListenAddr()
		if a == "" {
			return false
		}
		_, port, err := net.SplitHostPort(a)
		require.NoError(t, err)
		seederAddr.set(net.JoinHostPort("127.0.0.1", port))
		return true
	}, 2*time.Second, 10*time.Millisecond)

	leecher := New(nil)
	require.NoError(t, leecher.Open(torrentPath, leecherDir))

	outcome, err := leecher.Download(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	got, err := os.ReadFile(filepath.Join(leecherDir, "data.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)

	seeder.Stop()
	<-seedDone
}

func TestDownloadAlreadyDownloadedSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	torrentDir := t.TempDir()

	data := []byte("0123456789012345")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), data, 0o644))

	torrentPath := buildTorrent(t, torrentDir, "udp://127.0.0.1:1/announce", "data.bin", 16, data)

	c := New(nil)
	require.NoError(t, c.Open(torrentPath, dir))

	outcome, err := c.Download(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyDownloaded, outcome)
}
