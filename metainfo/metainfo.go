// Package metainfo parses a bencoded .torrent file into the structures
// the rest of gorent needs: tracker URLs, piece hashes, file layout, and
// the info hash.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gorent/gorent/bencode"
	"github.com/gorent/gorent/internal/errs"
)

const HashSize = 20

// File describes one file within a (possibly multi-file) torrent, in
// the linear concatenation of all files.
type File struct {
	Path   []string // path segments relative to the torrent's base dir
	Begin  int64    // offset in the linear concatenation
	Length int64
}

// JoinedPath joins the path segments with the platform separator.
func (f File) JoinedPath() string {
	return filepath.Join(f.Path...)
}

// Metainfo is the parsed form of a .torrent file.
type Metainfo struct {
	Trackers    []string // flattened announce-list, announce first, deduplicated
	InfoHash    [HashSize]byte
	PieceHashes [][HashSize]byte
	PieceLength int64
	Files       []File
	TotalSize   int64
	Name        string // base directory name for multi-file torrents

	Comment   string // optional, informational only
	CreatedBy string // optional, informational only
}

// Parse decodes raw .torrent bytes into a Metainfo.
func Parse(raw []byte) (*Metainfo, error) {
	root, err := bencode.DecodeDict(raw)
	if err != nil {
		return nil, &errs.Metainfo{Reason: "not a valid bencoded dictionary", Cause: err}
	}

	announceNode := root.Get("announce")
	if announceNode == nil {
		return nil, &errs.Metainfo{Reason: "missing required field \"announce\""}
	}
	announce, err := announceNode.AsString()
	if err != nil {
		return nil, &errs.Metainfo{Reason: "\"announce\" must be a string", Cause: err}
	}

	infoNode := root.Get("info")
	if infoNode == nil {
		return nil, &errs.Metainfo{Reason: "missing required field \"info\""}
	}
	if infoNode.Kind != bencode.KindDict {
		return nil, &errs.Metainfo{Reason: "\"info\" must be a dictionary"}
	}

	infoHash := sha1.Sum(infoNode.Raw(raw))

	nameNode := infoNode.Get("name")
	if nameNode == nil {
		return nil, &errs.Metainfo{Reason: "missing required field \"info.name\""}
	}
	name, err := nameNode.AsString()
	if err != nil {
		return nil, &errs.Metainfo{Reason: "\"info.name\" must be a string", Cause: err}
	}

	pieceLengthNode := infoNode.Get("piece length")
	if pieceLengthNode == nil {
		return nil, &errs.Metainfo{Reason: "missing required field \"info.piece length\""}
	}
	pieceLength, err := pieceLengthNode.AsInt()
	if err != nil {
		return nil, &errs.Metainfo{Reason: "\"info.piece length\" must be an integer", Cause: err}
	}
	if pieceLength <= 0 {
		return nil, &errs.Metainfo{Reason: "\"info.piece length\" must be positive"}
	}

	piecesNode := infoNode.Get("pieces")
	if piecesNode == nil {
		return nil, &errs.Metainfo{Reason: "missing required field \"info.pieces\""}
	}
	piecesRaw, err := piecesNode.AsBytes()
	if err != nil {
		return nil, &errs.Metainfo{Reason: "\"info.pieces\" must be a byte string", Cause: err}
	}
	if len(piecesRaw)%HashSize != 0 {
		return nil, &errs.Metainfo{Reason: fmt.Sprintf("\"info.pieces\" length %d is not a multiple of %d", len(piecesRaw), HashSize)}
	}
	pieceHashes := make([][HashSize]byte, len(piecesRaw)/HashSize)
	for i := range pieceHashes {
		copy(pieceHashes[i][:], piecesRaw[i*HashSize:(i+1)*HashSize])
	}

	files, totalSize, err := parseFiles(infoNode)
	if err != nil {
		return nil, err
	}

	trackers := flattenTrackers(root, announce)

	m := &Metainfo{
		Trackers:    trackers,
		InfoHash:    infoHash,
		PieceHashes: pieceHashes,
		PieceLength: pieceLength,
		Files:       files,
		TotalSize:   totalSize,
		Name:        name,
	}
	if c := root.Get("comment"); c != nil {
		m.Comment, _ = c.AsString()
	}
	if cb := root.Get("created by"); cb != nil {
		m.CreatedBy, _ = cb.AsString()
	}
	return m, nil
}

// parseFiles handles the "exactly one of length or files" requirement
// and computes the begin offset of every file entry.
func parseFiles(info *bencode.Node) ([]File, int64, error) {
	lengthNode := info.Get("length")
	filesNode := info.Get("files")

	if lengthNode != nil && filesNode != nil {
		return nil, 0, &errs.Metainfo{Reason: "\"info\" must not have both \"length\" and \"files\""}
	}
	if lengthNode == nil && filesNode == nil {
		return nil, 0, &errs.Metainfo{Reason: "\"info\" must have exactly one of \"length\" or \"files\""}
	}

	if lengthNode != nil {
		length, err := lengthNode.AsInt()
		if err != nil {
			return nil, 0, &errs.Metainfo{Reason: "\"info.length\" must be an integer", Cause: err}
		}
		if length <= 0 {
			return nil, 0, &errs.Metainfo{Reason: "\"info.length\" must be positive"}
		}
		return []File{{Path: nil, Begin: 0, Length: length}}, length, nil
	}

	entries, err := filesNode.AsList()
	if err != nil {
		return nil, 0, &errs.Metainfo{Reason: "\"info.files\" must be a list", Cause: err}
	}
	if len(entries) == 0 {
		return nil, 0, &errs.Metainfo{Reason: "\"info.files\" must not be empty"}
	}

	var (
		files []File
		begin int64
	)
	for i, entry := range entries {
		dict, err := entry.AsDict()
		if err != nil {
			return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d]\" must be a dictionary", i), Cause: err}
		}
		lenNode := dict["length"]
		if lenNode == nil {
			return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d].length\" is required", i)}
		}
		length, err := lenNode.AsInt()
		if err != nil || length <= 0 {
			return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d].length\" must be a positive integer", i)}
		}
		pathNode := dict["path"]
		if pathNode == nil {
			return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d].path\" is required", i)}
		}
		pathList, err := pathNode.AsList()
		if err != nil || len(pathList) == 0 {
			return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d].path\" must be a non-empty list", i)}
		}
		segments := make([]string, len(pathList))
		for j, seg := range pathList {
			s, err := seg.AsString()
			if err != nil {
				return nil, 0, &errs.Metainfo{Reason: fmt.Sprintf("\"info.files[%d].path[%d]\" must be a string", i, j)}
			}
			segments[j] = s
		}
		files = append(files, File{Path: segments, Begin: begin, Length: length})
		begin += length
	}
	return files, begin, nil
}

// flattenTrackers builds the final ordered, deduplicated tracker list:
// main announce first, then announce-list tiers in order, duplicates
// dropped. Tier structure (for BEP-12 shuffle-and-stop-on-success) is
// exposed separately via Tiers.
func flattenTrackers(root *bencode.Node, announce string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}
	add(announce)

	if alNode := root.Get("announce-list"); alNode != nil {
		tiers, err := alNode.AsList()
		if err == nil {
			for _, tier := range tiers {
				urls, err := tier.AsList()
				if err != nil {
					continue
				}
				for _, u := range urls {
					s, err := u.AsString()
					if err == nil {
						add(s)
					}
				}
			}
		}
	}
	return out
}

// Tiers returns the announce-list grouped by tier, with the main
// announce URL as a lone first tier if no announce-list is present.
// Used by the tracker client for BEP-12 tier-shuffle-and-stop-on-success.
func Tiers(raw []byte) ([][]string, error) {
	root, err := bencode.DecodeDict(raw)
	if err != nil {
		return nil, err
	}
	announceNode := root.Get("announce")
	var announce string
	if announceNode != nil {
		announce, _ = announceNode.AsString()
	}

	alNode := root.Get("announce-list")
	if alNode == nil {
		if announce == "" {
			return nil, nil
		}
		return [][]string{{announce}}, nil
	}
	tierNodes, err := alNode.AsList()
	if err != nil {
		return nil, err
	}
	var tiers [][]string
	for _, tierNode := range tierNodes {
		urls, err := tierNode.AsList()
		if err != nil {
			continue
		}
		var tier []string
		for _, u := range urls {
			s, err := u.AsString()
			if err == nil {
				tier = append(tier, s)
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// ValidateRelativePath rejects absolute paths, ".." segments, and
// segments that would resolve outside baseDir once joined — per §4.2,
// this check happens at file-open time, not parse time, since it needs
// to know the configured base directory.
func ValidateRelativePath(baseDir string, segments []string) (string, error) {
	for _, seg := range segments {
		if seg == ".." || seg == "." || seg == "" {
			return "", &errs.Metainfo{Reason: fmt.Sprintf("invalid path segment %q", seg)}
		}
		if filepath.IsAbs(seg) || strings.ContainsRune(seg, filepath.Separator) {
			return "", &errs.Metainfo{Reason: fmt.Sprintf("invalid path segment %q", seg)}
		}
	}
	joined := filepath.Join(append([]string{baseDir}, segments...)...)
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", &errs.Metainfo{Reason: "cannot resolve base directory", Cause: err}
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", &errs.Metainfo{Reason: "cannot resolve file path", Cause: err}
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", &errs.Metainfo{Reason: fmt.Sprintf("path %q resolves outside base directory", filepath.Join(segments...))}
	}
	return abs, nil
}

// PieceSize returns the length of piece index within this torrent: equal
// to PieceLength for all but the last piece, which is TotalSize modulo
// PieceLength (or PieceLength itself when that modulus is zero).
func (m *Metainfo) PieceSize(index int) int64 {
	if index == len(m.PieceHashes)-1 {
		rem := m.TotalSize % m.PieceLength
		if rem == 0 {
			return m.PieceLength
		}
		return rem
	}
	return m.PieceLength
}

// IsMultiFile reports whether this torrent describes more than one file.
func (m *Metainfo) IsMultiFile() bool {
	return len(m.Files) > 1 || (len(m.Files) == 1 && m.Files[0].Path != nil)
}
