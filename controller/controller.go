// Package controller ties the bencode, metainfo, tracker, peer, and
// piece packages together into one torrent's lifecycle: open, download,
// seed (§4.6).
package controller

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/errs"
	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/piece"
	"github.com/gorent/gorent/tracker"
)

// azureusPrefix identifies gorent in the Azureus-style peer id convention
// (§3): "-" + two-letter client code "CT" + version digits "11000", with
// no closing dash; the remaining 12 bytes of the peer id are random.
const azureusPrefix = "-CT11000"

// Outcome is the user-visible result of a Download call (§7).
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAlreadyDownloaded
	OutcomeTrackerQueryFailure
	OutcomeNetworkError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAlreadyDownloaded:
		return "already-downloaded"
	case OutcomeTrackerQueryFailure:
		return "tracker-query-failure"
	case OutcomeNetworkError:
		return "network-error"
	default:
		return "unknown"
	}
}

// Counters are the cumulative byte/hash-miss counters the controller
// tracks across the torrent's lifetime (§3).
type Counters struct {
	Downloaded uint64
	Uploaded   uint64
	Wasted     uint64
	HashMisses uint64
}

// Controller owns one torrent end to end: the info hash, our peer id,
// the file/piece tables, the live peer set, the blacklist, and the
// cumulative counters (§3).
type Controller struct {
	logger *zap.Logger

	meta      *metainfo.Metainfo
	baseDir   string
	infoHash  [20]byte
	peerID    [20]byte

	pieces *piece.Manager
	tiers  *tracker.TierList

	mu        sync.Mutex
	peers     map[uint32]*peer.Session // keyed by remote IPv4, per §3
	addrIndex map[string]*peer.Session // addr -> session, for routing piece I/O completions
	blacklist map[uint32]bool
	counters  Counters
	startTime time.Time

	listener   net.Listener
	listenPort uint16

	stopCh    chan struct{}
	stopOnce  sync.Once
	mainWG    sync.WaitGroup
}

// New constructs a Controller with a fresh peer id, without yet reading
// a metainfo file or opening any files (call Open for that).
func New(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	peerID, err := generatePeerID()
	if err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// time-derived id rather than panicking a long-running daemon.
		var fallback [20]byte
		copy(fallback[:], azureusPrefix)
		binary.BigEndian.PutUint64(fallback[12:20], uint64(time.Now().UnixNano()))
		peerID = fallback
	}
	return &Controller{
		logger:    logger,
		peerID:    peerID,
		peers:     make(map[uint32]*peer.Session),
		addrIndex: make(map[string]*peer.Session),
		blacklist: make(map[uint32]bool),
		stopCh:    make(chan struct{}),
	}
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], azureusPrefix)
	if _, err := rand.Read(id[len(azureusPrefix):]); err != nil {
		return id, err
	}
	return id, nil
}

// Open parses metainfoPath, creates the file manager, computes the
// info hash, and scans existing files for already-downloaded pieces
// (§4.6 "open").
func (c *Controller) Open(metainfoPath, baseDir string) error {
	raw, err := os.ReadFile(metainfoPath)
	if err != nil {
		return &errs.Metainfo{Reason: "reading metainfo file", Cause: err}
	}
	meta, err := metainfo.Parse(raw)
	if err != nil {
		return err
	}
	tiers, err := metainfo.Tiers(raw)
	if err != nil {
		return err
	}

	c.meta = meta
	c.baseDir = baseDir
	c.infoHash = meta.InfoHash

	c.pieces = piece.New(meta, c.logger)
	c.pieces.OnComplete(c.onPieceComplete)
	c.pieces.OnRead(c.onPieceRead)

	if err := c.pieces.RegisterFiles(baseDir); err != nil {
		return err
	}

	tl, err := tracker.NewTierList(tiers, c.logger)
	if err != nil {
		return err
	}
	c.tiers = tl

	c.logger.Info("torrent opened",
		zap.String("name", meta.Name),
		zap.Int("pieces", len(meta.PieceHashes)),
		zap.Int("alreadyDone", c.pieces.CompletedCount()))
	return nil
}

// InfoHash implements peer.Host.
func (c *Controller) InfoHash() [20]byte { return c.infoHash }

// OurPeerID implements peer.Host.
func (c *Controller) OurPeerID() [20]byte { return c.peerID }

// TotalPieces implements peer.Host.
func (c *Controller) TotalPieces() int { return c.pieces.TotalPieces() }

// PieceSize implements peer.Host.
func (c *Controller) PieceSize(index int) int64 { return c.pieces.PieceSize(index) }

// IsDone implements peer.Host.
func (c *Controller) IsDone(index int) bool { return c.pieces.PieceDone(index) }

// Counters returns a snapshot of the cumulative counters.
func (c *Controller) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// CompletedPieces returns how many pieces are currently verified.
func (c *Controller) CompletedPieces() int { return c.pieces.CompletedCount() }

// ListenAddr returns the inbound listener's address, or "" before
// Download/Seed has started one.
func (c *Controller) ListenAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func ipv4Key(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}
