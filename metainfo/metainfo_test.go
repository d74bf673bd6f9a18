package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorent/gorent/bencode"
)

func buildSingleFileTorrent(pieceLen, length int64, pieces []byte) []byte {
	v := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker.example/announce"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("file.bin"),
			"piece length": bencode.Int(pieceLen),
			"length":       bencode.Int(length),
			"pieces":       bencode.Bytes(pieces),
		}),
	})
	return bencode.Encode(v)
}

func TestParseSingleFile(t *testing.T) {
	hash := sha1.Sum([]byte("hello world piece"))
	raw := buildSingleFileTorrent(16384, 16384, hash[:])

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "file.bin", m.Name)
	assert.Equal(t, int64(16384), m.TotalSize)
	assert.Len(t, m.PieceHashes, 1)
	assert.Equal(t, []string{"http://tracker.example/announce"}, m.Trackers)
}

func TestParseInfoHashMatchesRawSpan(t *testing.T) {
	hash := sha1.Sum([]byte("x"))
	raw := buildSingleFileTorrent(16384, 16384, hash[:])

	root, err := bencode.DecodeDict(raw)
	require.NoError(t, err)
	infoNode := root.Get("info")
	expected := sha1.Sum(infoNode.Raw(raw))

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, expected, m.InfoHash)
}

func TestParseMissingAnnounce(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("x"),
			"piece length": bencode.Int(1),
			"length":       bencode.Int(1),
			"pieces":       bencode.Bytes(make([]byte, 20)),
		}),
	})
	_, err := Parse(bencode.Encode(v))
	assert.Error(t, err)
}

func TestParsePiecesNotMultipleOf20(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://t"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("x"),
			"piece length": bencode.Int(1),
			"length":       bencode.Int(1),
			"pieces":       bencode.Bytes(make([]byte, 21)),
		}),
	})
	_, err := Parse(bencode.Encode(v))
	assert.Error(t, err)
}

func TestParseMultiFileBeginOffsets(t *testing.T) {
	v := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://t"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("dir"),
			"piece length": bencode.Int(16384),
			"pieces":       bencode.Bytes(make([]byte, 20)),
			"files": bencode.List(
				bencode.Dict(map[string]bencode.Value{
					"length": bencode.Int(100),
					"path":   bencode.List(bencode.String("a.txt")),
				}),
				bencode.Dict(map[string]bencode.Value{
					"length": bencode.Int(200),
					"path":   bencode.List(bencode.String("sub"), bencode.String("b.txt")),
				}),
			),
		}),
	})
	m, err := Parse(bencode.Encode(v))
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, int64(0), m.Files[0].Begin)
	assert.Equal(t, int64(100), m.Files[1].Begin)
	assert.Equal(t, int64(300), m.TotalSize)
}

func TestValidateRelativePathRejectsEscape(t *testing.T) {
	_, err := ValidateRelativePath("/tmp/base", []string{"..", "etc", "passwd"})
	assert.Error(t, err)

	_, err = ValidateRelativePath("/tmp/base", []string{"sub", "file.txt"})
	assert.NoError(t, err)
}

func TestPieceSizeLastPiece(t *testing.T) {
	m := &Metainfo{PieceLength: 100, TotalSize: 250, PieceHashes: make([][20]byte, 3)}
	assert.Equal(t, int64(100), m.PieceSize(0))
	assert.Equal(t, int64(100), m.PieceSize(1))
	assert.Equal(t, int64(50), m.PieceSize(2))
}

func TestPieceSizeExactMultiple(t *testing.T) {
	m := &Metainfo{PieceLength: 100, TotalSize: 200, PieceHashes: make([][20]byte, 2)}
	assert.Equal(t, int64(100), m.PieceSize(1))
}
