// Package peer drives one TCP connection to a remote BitTorrent peer:
// handshake, the length-prefixed frame loop, the message-type state
// machine, and the block-request pipeline (§4.4).
package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/errs"
	"github.com/gorent/gorent/message"
)

// KeepAliveInterval is how often a zero-length frame is sent to keep the
// connection alive; it is sent on this schedule regardless of other
// traffic.
const KeepAliveInterval = 30 * time.Second

// ConnectTimeout bounds the outbound TCP dial and the handshake
// round-trip.
const ConnectTimeout = 30 * time.Second

// Host is the controller-side interface a Session calls back into.
// Every method is invoked from the session's own reader goroutine, so
// implementations must be safe to call from many sessions concurrently
// and must not block on that session's own I/O (the usual pattern is to
// hand the event to the controller's single-goroutine event loop over a
// channel).
type Host interface {
	InfoHash() [20]byte
	OurPeerID() [20]byte
	TotalPieces() int
	PieceSize(index int) int64
	IsDone(index int) bool

	OnBitfield(s *Session)
	OnHave(s *Session, index int)
	OnInterested(s *Session)
	OnNotInterested(s *Session)
	OnRequest(s *Session, req message.BlockRequest)
	OnCancel(s *Session, req message.BlockRequest)
	OnBlockComplete(s *Session, index int, buf []byte)
	OnDisconnect(s *Session, err error)
}

type blockSlot struct {
	filled    bool
	requested bool
}

type pieceInFlight struct {
	index  int
	buf    []byte
	blocks []blockSlot
	filled int
}

// Session holds everything in §3's "Peer session" data model: the
// connection, learned peer id, remote bitfield, the four choke/interest
// bits, and the in-flight request/serve queues.
type Session struct {
	conn      net.Conn
	addr      string
	host      Host
	log       *zap.SugaredLogger
	blockSize int

	remotePeerID   [20]byte
	expectedPeerID *[20]byte // set on Dial when the tracker supplied one; nil means unchecked

	mu             sync.Mutex
	amChoking      bool // we are choking the remote
	amInterested   bool // we are interested in the remote
	peerChoking    bool // the remote is choking us
	peerInterested bool // the remote is interested in us
	remoteBitfield []byte
	inflight       map[int]*pieceInFlight
	peerRequests   map[[2]int]bool // (index, begin) -> pending read owed to the remote
	closed         bool

	outCh    chan []byte
	closeCh  chan struct{}
	closeErr error
	once     sync.Once
}

func newSession(conn net.Conn, addr string, host Host, blockSize int, log *zap.SugaredLogger) *Session {
	if blockSize <= 0 || blockSize > message.MaxBlockLength {
		blockSize = message.MaxBlockLength
	}
	return &Session{
		conn:           conn,
		addr:           addr,
		host:           host,
		log:            log,
		blockSize:      blockSize,
		amChoking:      true,
		peerChoking:    true,
		remoteBitfield: make([]byte, (host.TotalPieces()+7)/8),
		inflight:       make(map[int]*pieceInFlight),
		peerRequests:   make(map[[2]int]bool),
		outCh:          make(chan []byte, 64),
		closeCh:        make(chan struct{}),
	}
}

// Addr returns the remote address string.
func (s *Session) Addr() string { return s.addr }

// RemotePeerID returns the 20-byte peer id learned from the handshake.
func (s *Session) RemotePeerID() [20]byte { return s.remotePeerID }

// Dial opens an outbound connection, sends our handshake first, then
// reads and verifies the remote's (outbound side per §4.4). expectedPeerID
// is the peer id the tracker advertised for this address, if any (only
// the dict peer-list format carries one); when non-nil, a handshake
// presenting a different id is treated as a fatal per-connection error.
func Dial(addr string, expectedPeerID *[20]byte, host Host, blockSize int, log *zap.SugaredLogger) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		return nil, &errs.Peer{Addr: addr, Reason: "dial failed", Cause: err}
	}

	s := newSession(conn, addr, host, blockSize, log)
	s.expectedPeerID = expectedPeerID
	if err := s.outboundHandshake(); err != nil {
		conn.Close()
		return nil, err
	}
	s.start()
	return s, nil
}

// Accept completes the inbound side of a handshake on an already-accepted
// connection (read first, then send, per §4.4).
func Accept(conn net.Conn, host Host, blockSize int, log *zap.SugaredLogger) (*Session, error) {
	addr := conn.RemoteAddr().String()
	s := newSession(conn, addr, host, blockSize, log)
	if err := s.inboundHandshake(); err != nil {
		conn.Close()
		return nil, err
	}
	s.start()
	return s, nil
}

func (s *Session) outboundHandshake() error {
	s.conn.SetDeadline(time.Now().Add(ConnectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req := Handshake{InfoHash: s.host.InfoHash(), PeerID: s.host.OurPeerID()}
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return &errs.Peer{Addr: s.addr, Reason: "failed to write handshake", Cause: err}
	}
	resp, err := ReadHandshake(s.conn)
	if err != nil {
		return &errs.Peer{Addr: s.addr, Reason: "failed to read handshake", Cause: err}
	}
	if !resp.VerifyInfoHash(s.host.InfoHash()) {
		return &errs.Peer{Addr: s.addr, Reason: "info hash mismatch"}
	}
	if s.expectedPeerID != nil && resp.PeerID != *s.expectedPeerID {
		return &errs.Peer{Addr: s.addr, Reason: "peer id mismatch"}
	}
	s.remotePeerID = resp.PeerID
	return nil
}

func (s *Session) inboundHandshake() error {
	s.conn.SetDeadline(time.Now().Add(ConnectTimeout))
	defer s.conn.SetDeadline(time.Time{})

	req, err := ReadHandshake(s.conn)
	if err != nil {
		return &errs.Peer{Addr: s.addr, Reason: "failed to read handshake", Cause: err}
	}
	if !req.VerifyInfoHash(s.host.InfoHash()) {
		return &errs.Peer{Addr: s.addr, Reason: "info hash mismatch"}
	}
	s.remotePeerID = req.PeerID

	resp := Handshake{InfoHash: s.host.InfoHash(), PeerID: s.host.OurPeerID()}
	if _, err := s.conn.Write(resp.Serialize()); err != nil {
		return &errs.Peer{Addr: s.addr, Reason: "failed to write handshake", Cause: err}
	}
	return nil
}

func (s *Session) start() {
	go s.writeLoop()
	go s.keepAliveLoop()
	go s.readLoop()
}

func (s *Session) writeLoop() {
	for {
		select {
		case b, ok := <-s.outCh:
			if !ok {
				return
			}
			if _, err := s.conn.Write(b); err != nil {
				s.Close(&errs.Peer{Addr: s.addr, Reason: "write failed", Cause: err})
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueue((*message.Message)(nil).Serialize())
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) enqueue(b []byte) {
	select {
	case s.outCh <- b:
	case <-s.closeCh:
	}
}

func (s *Session) readLoop() {
	for {
		m, err := message.Read(s.conn)
		if err != nil {
			s.Close(&errs.Peer{Addr: s.addr, Reason: "read failed", Cause: err})
			return
		}
		if m == nil {
			continue // keep-alive
		}
		if err := s.handle(m); err != nil {
			s.Close(err)
			return
		}
	}
}

func (s *Session) handle(m *message.Message) error {
	switch m.ID {
	case message.Choke:
		s.onChoke()
	case message.Unchoke:
		s.onUnchoke()
	case message.Interested:
		s.onInterested()
	case message.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
		s.host.OnNotInterested(s)
	case message.Have:
		index, err := message.ParseHave(m)
		if err != nil {
			return &errs.Peer{Addr: s.addr, Reason: "malformed have", Cause: err}
		}
		s.mu.Lock()
		byteIdx := index / 8
		if byteIdx >= 0 && byteIdx < len(s.remoteBitfield) {
			s.remoteBitfield[byteIdx] |= 1 << (7 - uint(index%8))
		}
		s.mu.Unlock()
		s.host.OnHave(s, index)
	case message.BitfieldMsg:
		expected := (s.host.TotalPieces() + 7) / 8
		if len(m.Payload) != expected {
			return &errs.Peer{Addr: s.addr, Reason: fmt.Sprintf("bitfield length %d does not match expected %d", len(m.Payload), expected)}
		}
		s.mu.Lock()
		s.remoteBitfield = append([]byte(nil), m.Payload...)
		s.mu.Unlock()
		s.host.OnBitfield(s)
	case message.Request:
		req, err := message.ParseBlockRequest(m)
		if err != nil {
			return &errs.Peer{Addr: s.addr, Reason: "malformed request", Cause: err}
		}
		return s.onRequest(req)
	case message.Piece:
		return s.onPiece(m)
	case message.Cancel:
		req, err := message.ParseBlockRequest(m)
		if err != nil {
			return &errs.Peer{Addr: s.addr, Reason: "malformed cancel", Cause: err}
		}
		s.mu.Lock()
		delete(s.peerRequests, [2]int{req.Index, req.Begin})
		s.mu.Unlock()
		s.host.OnCancel(s, req)
	case message.Port:
		if _, err := message.ParsePort(m); err != nil {
			return &errs.Peer{Addr: s.addr, Reason: "malformed port", Cause: err}
		}
		// DHT port: accepted and ignored (§1 Non-goals: no DHT).
	default:
		return &errs.Peer{Addr: s.addr, Reason: fmt.Sprintf("unknown message id %d", m.ID)}
	}
	return nil
}

func (s *Session) onChoke() {
	s.mu.Lock()
	s.peerChoking = true
	for _, pif := range s.inflight {
		for i := range pif.blocks {
			if !pif.blocks[i].filled {
				pif.blocks[i].requested = false
			}
		}
	}
	s.mu.Unlock()
}

func (s *Session) onUnchoke() {
	s.mu.Lock()
	s.peerChoking = false
	var toSend [][]byte
	for _, pif := range s.inflight {
		toSend = append(toSend, s.pendingRequestsLocked(pif)...)
	}
	s.mu.Unlock()
	for _, b := range toSend {
		s.enqueue(b)
	}
}

func (s *Session) onInterested() {
	s.mu.Lock()
	s.peerInterested = true
	var sendUnchoke bool
	if s.amChoking {
		s.amChoking = false
		sendUnchoke = true
	}
	s.mu.Unlock()
	s.host.OnInterested(s)
	if sendUnchoke {
		s.enqueue((&message.Message{ID: message.Unchoke}).Serialize())
	}
}

func (s *Session) onRequest(req message.BlockRequest) error {
	if req.Length > message.MaxBlockLength {
		return &errs.Peer{Addr: s.addr, Reason: fmt.Sprintf("requested block length %d exceeds maximum", req.Length)}
	}
	s.mu.Lock()
	ignore := s.amChoking || !s.peerInterested
	if !ignore {
		s.peerRequests[[2]int{req.Index, req.Begin}] = true
	}
	s.mu.Unlock()
	if ignore {
		return nil
	}
	s.host.OnRequest(s, req)
	return nil
}

func (s *Session) onPiece(m *message.Message) error {
	if len(m.Payload) < 8 {
		return &errs.Peer{Addr: s.addr, Reason: "malformed piece payload"}
	}
	index := int(m.Payload[0])<<24 | int(m.Payload[1])<<16 | int(m.Payload[2])<<8 | int(m.Payload[3])

	s.mu.Lock()
	pif, ok := s.inflight[index]
	if !ok {
		s.mu.Unlock()
		return &errs.Peer{Addr: s.addr, Reason: fmt.Sprintf("piece message for unknown in-flight index %d", index)}
	}
	if len(m.Payload)-8 > message.MaxBlockLength {
		s.mu.Unlock()
		return &errs.Peer{Addr: s.addr, Reason: "piece block exceeds maximum length"}
	}
	if s.host.IsDone(index) {
		cancels := s.cancelRemainingLocked(pif)
		delete(s.inflight, index)
		s.mu.Unlock()
		for _, c := range cancels {
			s.enqueue(c)
		}
		return nil
	}

	n, err := message.ParsePiece(index, pif.buf, m)
	if err != nil {
		s.mu.Unlock()
		return &errs.Peer{Addr: s.addr, Reason: "malformed piece", Cause: err}
	}
	begin := int(m.Payload[4])<<24 | int(m.Payload[5])<<16 | int(m.Payload[6])<<8 | int(m.Payload[7])
	slot := begin / s.blockSize
	complete := false
	if slot >= 0 && slot < len(pif.blocks) && !pif.blocks[slot].filled {
		pif.blocks[slot].filled = true
		pif.filled++
		complete = pif.filled == len(pif.blocks)
	}
	_ = n
	var buf []byte
	if complete {
		buf = pif.buf
		delete(s.inflight, index)
	}
	s.mu.Unlock()

	if complete {
		s.host.OnBlockComplete(s, index, buf)
	}
	return nil
}

// cancelRemainingLocked builds cancel-message bytes for every block of
// pif that hasn't arrived yet. Caller holds s.mu.
func (s *Session) cancelRemainingLocked(pif *pieceInFlight) [][]byte {
	var out [][]byte
	for i, b := range pif.blocks {
		if b.filled {
			continue
		}
		begin := i * s.blockSize
		length := s.blockLenLocked(pif, i)
		out = append(out, message.FormatCancel(pif.index, begin, length).Serialize())
	}
	return out
}

func (s *Session) blockLenLocked(pif *pieceInFlight, slot int) int {
	begin := slot * s.blockSize
	remaining := len(pif.buf) - begin
	if remaining < s.blockSize {
		return remaining
	}
	return s.blockSize
}

// pendingRequestsLocked returns serialized request messages for every
// block of pif not yet requested, marking them requested. Caller holds
// s.mu.
func (s *Session) pendingRequestsLocked(pif *pieceInFlight) [][]byte {
	var out [][]byte
	for i := range pif.blocks {
		if pif.blocks[i].filled || pif.blocks[i].requested {
			continue
		}
		pif.blocks[i].requested = true
		begin := i * s.blockSize
		length := s.blockLenLocked(pif, i)
		out = append(out, message.FormatRequest(pif.index, begin, length).Serialize())
	}
	return out
}

// RequestPiece begins downloading piece index of the given total size
// from this peer (§4.4 Request pipeline). Sends interested first if
// needed; issues block requests immediately unless the remote is
// choking us, in which case they are deferred to the next unchoke.
func (s *Session) RequestPiece(index int, size int64) {
	s.mu.Lock()
	if _, exists := s.inflight[index]; exists {
		s.mu.Unlock()
		return
	}
	numBlocks := (int(size) + s.blockSize - 1) / s.blockSize
	pif := &pieceInFlight{
		index:  index,
		buf:    make([]byte, size),
		blocks: make([]blockSlot, numBlocks),
	}
	s.inflight[index] = pif

	var toSend [][]byte
	if !s.amInterested {
		s.amInterested = true
		toSend = append(toSend, (&message.Message{ID: message.Interested}).Serialize())
	}
	if !s.peerChoking {
		toSend = append(toSend, s.pendingRequestsLocked(pif)...)
	}
	s.mu.Unlock()

	for _, b := range toSend {
		s.enqueue(b)
	}
}

// HasPiece reports whether the remote's bitfield has index set.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	byteIdx := index / 8
	if byteIdx < 0 || byteIdx >= len(s.remoteBitfield) {
		return false
	}
	return s.remoteBitfield[byteIdx]>>(7-uint(index%8))&1 != 0
}

// IsDownloading reports whether we currently have an in-flight request
// for index from this peer.
func (s *Session) IsDownloading(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[index]
	return ok
}

// InflightCount returns how many pieces are currently being requested
// from this peer.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// SendBitfield sends our current completion bitfield.
func (s *Session) SendBitfield(bits []byte) {
	s.enqueue(message.FormatBitfield(bits).Serialize())
}

// SendHave announces that we now have piece index.
func (s *Session) SendHave(index int) {
	s.enqueue(message.FormatHave(index).Serialize())
}

// SendPiece delivers a block the remote requested of us. owed reports
// whether the request is still outstanding (it may have been cancelled
// in the meantime).
func (s *Session) SendPiece(index, begin int, block []byte) (owed bool) {
	s.mu.Lock()
	key := [2]int{index, begin}
	if !s.peerRequests[key] {
		s.mu.Unlock()
		return false
	}
	delete(s.peerRequests, key)
	s.mu.Unlock()
	s.enqueue(message.FormatPiece(index, begin, block).Serialize())
	return true
}

// Choke sends choke to the remote (used when a piece we assembled from
// them fails hash verification).
func (s *Session) Choke() {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	s.enqueue((&message.Message{ID: message.Choke}).Serialize())
}

// Unchoke sends unchoke to the remote.
func (s *Session) Unchoke() {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	s.enqueue((&message.Message{ID: message.Unchoke}).Serialize())
}

// Close tears down the connection and, the first time it's called,
// notifies the host. Safe to call multiple times and from multiple
// goroutines (the reader, the writer, and the controller may all
// observe a failure at once).
func (s *Session) Close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closeCh)
		s.conn.Close()
		s.closeErr = err
		if s.log != nil {
			s.log.Debugw("peer session closed", "addr", s.addr, "err", err)
		}
		s.host.OnDisconnect(s, err)
	})
}
