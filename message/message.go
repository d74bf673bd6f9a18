// Package message implements the peer-wire length-prefixed frame
// format and the ten message types of the BitTorrent peer protocol.
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer-wire message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// MaxBlockLength is the wire-mandated cap on a single request/piece
// block, in both directions.
const MaxBlockLength = 16 * 1024

// Message is a single peer-wire message: a type byte plus its payload.
// A nil *Message represents a keep-alive (zero-length frame).
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize renders m as a length-prefixed frame. A nil receiver
// serializes to a zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Read parses one frame from r: 4-byte big-endian length followed by
// that many payload bytes. A zero-length frame (keep-alive) yields
// (nil, nil).
func Read(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Message{ID: ID(buf[0]), Payload: buf[1:]}, nil
}

// FormatHave builds a "have" message announcing piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a "have" message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("message: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("message: have payload must be 4 bytes, got %d", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// FormatBitfield builds a "bitfield" message from raw wire bytes.
func FormatBitfield(bits []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: bits}
}

// FormatRequest builds a "request" message for the given block.
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// FormatCancel builds a "cancel" message; the wire shape matches request.
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// BlockRequest is the parsed form of a request/cancel payload.
type BlockRequest struct {
	Index  int
	Begin  int
	Length int
}

// ParseBlockRequest parses a request or cancel message's index/begin/length
// triple.
func ParseBlockRequest(m *Message) (BlockRequest, error) {
	if m.ID != Request && m.ID != Cancel {
		return BlockRequest{}, fmt.Errorf("message: expected request or cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return BlockRequest{}, fmt.Errorf("message: request payload must be 12 bytes, got %d", len(m.Payload))
	}
	return BlockRequest{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// ParsePiece copies the block carried by a "piece" message into buf at
// the offset the message specifies, validating bounds against buf and
// that the index matches what was expected. Returns the number of bytes
// copied.
func ParsePiece(expectedIndex int, buf []byte, m *Message) (int, error) {
	if m.ID != Piece {
		return 0, fmt.Errorf("message: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, fmt.Errorf("message: piece payload too short: %d bytes", len(m.Payload))
	}
	index := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if index != expectedIndex {
		return 0, fmt.Errorf("message: piece index %d does not match expected %d", index, expectedIndex)
	}
	begin := int(binary.BigEndian.Uint32(m.Payload[4:8]))
	if begin < 0 || begin >= len(buf) {
		return 0, fmt.Errorf("message: piece begin %d out of range for buffer of length %d", begin, len(buf))
	}
	data := m.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, fmt.Errorf("message: piece data of length %d at begin %d overflows buffer of length %d", len(data), begin, len(buf))
	}
	copy(buf[begin:], data)
	return len(data), nil
}

// FormatPiece builds a "piece" message carrying block for the given
// index/begin.
func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsePort extracts the DHT port from a "port" message. gorent has no
// DHT (§1 Non-goals); the port is accepted and ignored by callers, but
// parsing it is still useful for logging/diagnostics.
func ParsePort(m *Message) (uint16, error) {
	if m.ID != Port {
		return 0, fmt.Errorf("message: expected port, got %s", m.ID)
	}
	if len(m.Payload) != 2 {
		return 0, fmt.Errorf("message: port payload must be 2 bytes, got %d", len(m.Payload))
	}
	return binary.BigEndian.Uint16(m.Payload), nil
}
