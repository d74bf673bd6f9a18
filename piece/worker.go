package piece

import "go.uber.org/zap"

// run is the background worker loop: one goroutine, two FIFOs (writes
// ahead of reads), draining until Close (§4.5, §5 "dedicated background
// thread" — mapped here onto a single goroutine fed by buffered
// channels rather than a raw thread with mutex-guarded queues).
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		// Writes always drain ahead of reads.
		select {
		case <-m.closeCh:
			return
		case wr := <-m.writeCh:
			m.handleWrite(wr)
			continue
		default:
		}

		select {
		case <-m.closeCh:
			return
		case wr := <-m.writeCh:
			m.handleWrite(wr)
		case rr := <-m.readCh:
			m.handleRead(rr)
		}
	}
}

func (m *Manager) handleWrite(wr writeRequest) {
	start, _ := m.pieceRange(wr.index)
	if err := m.writeRange(start, wr.buf); err != nil {
		m.logger.Error("piece write failed", zap.Int("index", wr.index), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.done.Set(uint(wr.index))
	m.mu.Unlock()

	if m.onComplete != nil {
		m.onComplete(CompletionEvent{From: wr.from, Index: wr.index})
	}
}

func (m *Manager) handleRead(rr readRequest) {
	start, _ := m.pieceRange(rr.index)
	readStart := start + int64(rr.begin)
	buf, err := m.readRange(readStart, readStart+int64(rr.size))
	if m.onRead != nil {
		m.onRead(ReadEvent{From: rr.from, Index: rr.index, Begin: rr.begin, Buf: buf, Err: err})
	}
}

// WriteOutcome reports what WritePieceBlock did with a completed piece.
type WriteOutcome int

const (
	// WriteAccepted means the bytes hashed correctly and were handed to
	// the background writer; completion arrives later through OnComplete.
	WriteAccepted WriteOutcome = iota
	// WriteAlreadyDone means another peer's copy of this piece already
	// verified and landed first. Not a fault of whoever sent this one:
	// two peers can race to complete the same piece when a near-complete
	// peer holds only pieces already in flight elsewhere.
	WriteAlreadyDone
	// WriteHashMismatch means the assembled bytes failed SHA-1
	// verification: the sender is at fault.
	WriteHashMismatch
)

// WritePieceBlock validates and enqueues a completed piece's bytes for
// durable writing (§4.5 write path). The caller does not learn whether
// the write itself later succeeds: a successful write is reported
// asynchronously through OnComplete, while a failed write is only logged,
// leaves the piece not done, and fires no callback. An out-of-range index
// is reported as WriteHashMismatch, and a call made after Close as
// WriteAlreadyDone.
func (m *Manager) WritePieceBlock(index int, from string, buf []byte) WriteOutcome {
	if index < 0 || index >= m.TotalPieces() {
		return WriteHashMismatch
	}
	if m.PieceDone(index) {
		return WriteAlreadyDone
	}
	if !m.verifyPiece(index, buf) {
		return WriteHashMismatch
	}

	select {
	case m.writeCh <- writeRequest{from: from, index: index, buf: buf}:
		return WriteAccepted
	case <-m.closeCh:
		return WriteAlreadyDone
	}
}

// RequestPieceBlock validates and enqueues a read of size bytes starting
// at begin within piece index (§4.5 read path).
func (m *Manager) RequestPieceBlock(index int, from string, begin, size int) bool {
	if index < 0 || index >= m.TotalPieces() {
		return false
	}
	if !m.PieceDone(index) {
		return false
	}
	if size <= 0 || size > MaxBlockSize {
		return false
	}
	if int64(begin)+int64(size) > m.PieceSize(index) {
		return false
	}

	select {
	case m.readCh <- readRequest{from: from, index: index, begin: begin, size: size}:
		return true
	case <-m.closeCh:
		return false
	}
}
