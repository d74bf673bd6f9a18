package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeKeepAlive(t *testing.T) {
	var m *Message
	assert.Equal(t, []byte{0, 0, 0, 0}, m.Serialize())
}

func TestSerializeAndRead(t *testing.T) {
	m := &Message{ID: Interested}
	buf := bytes.NewReader(m.Serialize())
	got, err := Read(buf)
	require.NoError(t, err)
	assert.Equal(t, Interested, got.ID)
	assert.Empty(t, got.Payload)
}

func TestReadKeepAlive(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	got, err := Read(buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFormatAndParseHave(t *testing.T) {
	m := FormatHave(42)
	index, err := ParseHave(m)
	require.NoError(t, err)
	assert.Equal(t, 42, index)
}

func TestFormatAndParseRequest(t *testing.T) {
	m := FormatRequest(1, 16384, 16384)
	req, err := ParseBlockRequest(m)
	require.NoError(t, err)
	assert.Equal(t, BlockRequest{Index: 1, Begin: 16384, Length: 16384}, req)
}

func TestFormatAndParsePiece(t *testing.T) {
	block := []byte("some block data")
	m := FormatPiece(5, 10, block)
	buf := make([]byte, 10+len(block))
	n, err := ParsePiece(5, buf, m)
	require.NoError(t, err)
	assert.Equal(t, len(block), n)
	assert.Equal(t, block, buf[10:10+len(block)])
}

func TestParsePieceWrongIndex(t *testing.T) {
	m := FormatPiece(5, 0, []byte("x"))
	buf := make([]byte, 10)
	_, err := ParsePiece(6, buf, m)
	assert.Error(t, err)
}

func TestParsePieceOverflow(t *testing.T) {
	m := FormatPiece(0, 8, []byte("too long for buffer"))
	buf := make([]byte, 10)
	_, err := ParsePiece(0, buf, m)
	assert.Error(t, err)
}
