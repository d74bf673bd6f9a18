package piece

import "go.uber.org/zap"

// scan walks every piece sequentially, hashing whichever bytes are
// already on disk (stitching across file boundaries as needed) and
// marking the bitfield bit for any piece whose SHA-1 matches the stored
// digest.
//
// The original client this spec was distilled from parallelized this
// scan with OpenMP and raced on its own exit condition; this client
// scans sequentially instead (§9).
func (m *Manager) scan() error {
	n := len(m.info.PieceHashes)
	verified := 0
	for i := 0; i < n; i++ {
		start, end := m.pieceRange(i)
		buf, err := m.readRange(start, end)
		if err != nil {
			return err
		}
		if m.verifyPiece(i, buf) {
			m.done.Set(uint(i))
			verified++
		}
	}
	m.logger.Info("initial scan complete",
		zap.Int("totalPieces", n),
		zap.Int("verified", verified))
	return nil
}
