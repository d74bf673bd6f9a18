// Package piece owns the piece table, the file table, and the
// background disk worker that verifies, stores, and serves piece data
// across a (possibly multi-file) torrent layout (§4.5).
package piece

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/errs"
	"github.com/gorent/gorent/metainfo"
)

// MaxBlockSize is the largest block the read/write paths accept, matching
// the peer-wire cap (§4.4).
const MaxBlockSize = 16 * 1024

// fileHandle is one file within the torrent's linear layout, plus the
// open *os.File backing it.
type fileHandle struct {
	path   string
	begin  int64
	length int64
	f      *os.File
}

// CompletionEvent is posted back to the controller after a write has
// durably landed and the piece's bitfield bit has been set.
type CompletionEvent struct {
	From  string
	Index int
}

// ReadEvent is posted back to the controller carrying the bytes a peer
// requested, or the error that prevented gathering them.
type ReadEvent struct {
	From  string
	Index int
	Begin int
	Buf   []byte
	Err   error
}

// Manager is the piece/file manager of §4.5. One Manager serves one
// torrent's file layout.
type Manager struct {
	info   *metainfo.Metainfo
	files  []*fileHandle
	logger *zap.Logger

	mu       sync.Mutex
	done     *bitset.BitSet
	priority []uint32

	writeCh chan writeRequest
	readCh  chan readRequest
	closeCh chan struct{}
	wg      sync.WaitGroup

	onComplete func(CompletionEvent)
	onRead     func(ReadEvent)
}

type writeRequest struct {
	from  string
	index int
	buf   []byte
}

type readRequest struct {
	from  string
	index int
	begin int
	size  int
}

// New constructs a Manager for info. It does not yet open or scan files
// — call RegisterFiles with the base directory for that.
func New(info *metainfo.Metainfo, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := len(info.PieceHashes)
	return &Manager{
		info:     info,
		logger:   logger,
		done:     bitset.New(uint(n)),
		priority: make([]uint32, n),
		writeCh:  make(chan writeRequest, 64),
		readCh:   make(chan readRequest, 64),
		closeCh:  make(chan struct{}),
	}
}

// OnComplete registers the callback fired after a block write durably
// completes a piece (§4.5 write path).
func (m *Manager) OnComplete(f func(CompletionEvent)) { m.onComplete = f }

// OnRead registers the callback fired after a requested read completes.
func (m *Manager) OnRead(f func(ReadEvent)) { m.onRead = f }

// RegisterFiles creates (or opens) every file under baseDir, truncating
// any that are larger than their declared length, then runs the initial
// scan to repopulate the completion bitfield, then starts the
// background worker. This is §4.5's registerFiles plus the initial scan
// it triggers.
func (m *Manager) RegisterFiles(baseDir string) error {
	for _, f := range m.info.Files {
		segments := f.Path
		if segments == nil {
			// Single-file torrent: the file itself is named after the torrent.
			segments = []string{m.info.Name}
		} else if m.info.Name != "" {
			// Multi-file torrent: every file lives under the torrent's name.
			segments = append([]string{m.info.Name}, f.Path...)
		}
		abs, err := metainfo.ValidateRelativePath(baseDir, segments)
		if err != nil {
			return err
		}
		if dir := filepath.Dir(abs); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return &errs.Disk{Path: dir, Reason: "creating directory", Cause: err}
			}
		}

		handle, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return &errs.Disk{Path: abs, Reason: "opening file", Cause: err}
		}
		fi, err := handle.Stat()
		if err != nil {
			handle.Close()
			return &errs.Disk{Path: abs, Reason: "stat", Cause: err}
		}
		// Oversize files are truncated down; short or newly-created files
		// are grown (sparse) to their declared length so every byte in the
		// layout is addressable by the scan and the write/read paths.
		if fi.Size() != f.Length {
			if err := handle.Truncate(f.Length); err != nil {
				handle.Close()
				return &errs.Disk{Path: abs, Reason: "resizing file to declared length", Cause: err}
			}
		}

		m.files = append(m.files, &fileHandle{
			path:   abs,
			begin:  f.Begin,
			length: f.Length,
			f:      handle,
		})
	}

	if err := m.scan(); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.run()
	return nil
}

// Close stops the background worker and closes every open file.
func (m *Manager) Close() error {
	close(m.closeCh)
	m.wg.Wait()

	var firstErr error
	for _, f := range m.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TotalPieces is the number of pieces in this torrent.
func (m *Manager) TotalPieces() int { return len(m.info.PieceHashes) }

// PieceSize returns the length of piece index, accounting for the
// shorter final piece.
func (m *Manager) PieceSize(index int) int64 { return m.info.PieceSize(index) }

// PieceDone reports whether piece index has been verified and written.
func (m *Manager) PieceDone(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done.Test(uint(index))
}

// CompletedBits returns a snapshot of the completion bitfield.
func (m *Manager) CompletedBits() *bitset.BitSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done.Clone()
}

// CompletedCount returns the number of pieces currently marked done.
func (m *Manager) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.done.Count())
}

// ComputeDownloaded sums the size of every completed piece. It is exact
// for all pieces but the last, which contributes its (possibly shorter)
// actual length.
func (m *Manager) ComputeDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for i := 0; i < len(m.info.PieceHashes); i++ {
		if m.done.Test(uint(i)) {
			total += m.info.PieceSize(i)
		}
	}
	return total
}

// verifyPiece hashes buf and compares it against the stored digest for
// index.
func (m *Manager) verifyPiece(index int, buf []byte) bool {
	sum := sha1.Sum(buf)
	return sum == m.info.PieceHashes[index]
}
