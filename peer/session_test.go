package peer

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/message"
)

type fakeHost struct {
	infoHash [20]byte
	ourID    [20]byte
	total    int
	pieceLen int64

	mu        sync.Mutex
	completed map[int]bool

	blockComplete chan [2]int
	disconnected  chan error
}

func newFakeHost(infoHash [20]byte, total int, pieceLen int64) *fakeHost {
	return &fakeHost{
		infoHash:      infoHash,
		total:         total,
		pieceLen:      pieceLen,
		completed:     map[int]bool{},
		blockComplete: make(chan [2]int, 8),
		disconnected:  make(chan error, 1),
	}
}

func (h *fakeHost) InfoHash() [20]byte    { return h.infoHash }
func (h *fakeHost) OurPeerID() [20]byte   { return h.ourID }
func (h *fakeHost) TotalPieces() int      { return h.total }
func (h *fakeHost) PieceSize(i int) int64 { return h.pieceLen }
func (h *fakeHost) IsDone(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed[i]
}
func (h *fakeHost) OnBitfield(s *Session)                           {}
func (h *fakeHost) OnHave(s *Session, index int)                    {}
func (h *fakeHost) OnInterested(s *Session)                         {}
func (h *fakeHost) OnNotInterested(s *Session)                      {}
func (h *fakeHost) OnRequest(s *Session, req message.BlockRequest)  {}
func (h *fakeHost) OnCancel(s *Session, req message.BlockRequest)   {}
func (h *fakeHost) OnBlockComplete(s *Session, index int, buf []byte) {
	h.blockComplete <- [2]int{index, len(buf)}
}
func (h *fakeHost) OnDisconnect(s *Session, err error) {
	select {
	case h.disconnected <- err:
	default:
	}
}

func writeHandshake(t *testing.T, conn net.Conn, infoHash, peerID [20]byte) {
	t.Helper()
	hs := Handshake{InfoHash: infoHash, PeerID: peerID}
	_, err := conn.Write(hs.Serialize())
	require.NoError(t, err)
}

func TestOutboundHandshakeMismatch(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	var infoHash, wrongHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(wrongHash[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(peerID[:], "cccccccccccccccccccc")

	host := newFakeHost(infoHash, 10, 16384)

	go func() {
		// drain the client's outbound handshake, then answer with the wrong info hash
		buf := make([]byte, HandshakeSize)
		serverConn.Read(buf)
		writeHandshake(t, serverConn, wrongHash, peerID)
	}()

	s := newSession(clientConn, "peer", host, message.MaxBlockLength, nil)
	err := s.outboundHandshake()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "info hash mismatch")
	clientConn.Close()
	serverConn.Close()
}

func TestRequestPipelineOnUnchoke(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	host := newFakeHost(infoHash, 10, 49152)

	s := newSession(clientConn, "peer", host, 16384, nil)
	go s.start()

	// Remote announces piece 5 via bitfield (byte 0, bit for index 5 = 1<<2).
	bf := make([]byte, 2)
	bf[0] = 1 << (7 - 5)
	go func() {
		serverConn.Write(message.FormatBitfield(bf).Serialize())
	}()
	time.Sleep(20 * time.Millisecond)
	require.True(t, s.HasPiece(5))

	s.RequestPiece(5, 49152)

	// We should see "interested" arrive at the server end.
	m, err := message.Read(serverConn)
	require.NoError(t, err)
	require.Equal(t, message.Interested, m.ID)

	// Remote unchokes us.
	serverConn.Write((&message.Message{ID: message.Unchoke}).Serialize())

	var begins []int
	for i := 0; i < 3; i++ {
		m, err := message.Read(serverConn)
		require.NoError(t, err)
		require.Equal(t, message.Request, m.ID)
		req, err := message.ParseBlockRequest(m)
		require.NoError(t, err)
		assert.Equal(t, 5, req.Index)
		assert.Equal(t, 16384, req.Length)
		begins = append(begins, req.Begin)
	}
	assert.Equal(t, []int{0, 16384, 32768}, begins)
}

func TestBlockAssemblyCompletesPiece(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	host := newFakeHost(infoHash, 10, 32768)

	s := newSession(clientConn, "peer", host, 16384, nil)
	go s.start()

	s.RequestPiece(0, 32768)
	// drain the interested message the remote would see
	_, _ = message.Read(serverConn)

	block0 := make([]byte, 16384)
	block1 := make([]byte, 16384)
	for i := range block0 {
		block0[i] = byte(i)
	}
	for i := range block1 {
		block1[i] = byte(255 - i)
	}

	// Unchoke so requests flow (and get drained from the pipe).
	serverConn.Write((&message.Message{ID: message.Unchoke}).Serialize())
	_, _ = message.Read(serverConn)
	_, _ = message.Read(serverConn)

	serverConn.Write(message.FormatPiece(0, 0, block0).Serialize())
	serverConn.Write(message.FormatPiece(0, 16384, block1).Serialize())

	select {
	case ev := <-host.blockComplete:
		assert.Equal(t, 0, ev[0])
		assert.Equal(t, 32768, ev[1])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block completion")
	}
}

func TestFatalBlockLengthDisconnects(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	host := newFakeHost(infoHash, 10, 16384)

	s := newSession(clientConn, "peer", host, 16384, nil)
	go s.start()

	oversized := message.FormatRequest(0, 0, message.MaxBlockLength+1)
	serverConn.Write(oversized.Serialize())

	select {
	case err := <-host.disconnected:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect on oversized request")
	}
}

func TestHaveSetsRemoteBitfieldBit(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var infoHash [20]byte
	host := newFakeHost(infoHash, 20, 16384)
	s := newSession(clientConn, "peer", host, 16384, nil)
	go s.start()

	serverConn.Write(message.FormatHave(9).Serialize())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.HasPiece(9))
	assert.False(t, s.HasPiece(8))
}
