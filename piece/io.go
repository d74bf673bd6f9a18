package piece

// pieceRange returns the [start, end) byte range of piece index within
// the torrent's linear file concatenation.
func (m *Manager) pieceRange(index int) (start, end int64) {
	start = int64(index) * m.info.PieceLength
	end = start + m.info.PieceSize(index)
	return start, end
}

// readRange gathers the bytes in [start, end) across however many files
// they span.
func (m *Manager) readRange(start, end int64) ([]byte, error) {
	buf := make([]byte, end-start)
	for _, fh := range m.files {
		fileEnd := fh.begin + fh.length
		if end <= fh.begin || start >= fileEnd {
			continue
		}
		readStart := max64(start, fh.begin)
		readEnd := min64(end, fileEnd)
		dst := buf[readStart-start : readEnd-start]
		n, err := fh.f.ReadAt(dst, readStart-fh.begin)
		if n != len(dst) {
			return nil, err
		}
	}
	return buf, nil
}

// writeRange scatters data (whose first byte lands at absolute offset
// start) across however many files it spans.
func (m *Manager) writeRange(start int64, data []byte) error {
	end := start + int64(len(data))
	for _, fh := range m.files {
		fileEnd := fh.begin + fh.length
		if end <= fh.begin || start >= fileEnd {
			continue
		}
		writeStart := max64(start, fh.begin)
		writeEnd := min64(end, fileEnd)
		if _, err := fh.f.WriteAt(data[writeStart-start:writeEnd-start], writeStart-fh.begin); err != nil {
			return err
		}
	}
	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
