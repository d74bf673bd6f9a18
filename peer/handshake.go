package peer

import (
	"bytes"
	"fmt"
	"io"
)

const protocolLiteral = "BitTorrent protocol"

// HandshakeSize is the fixed 68-byte handshake length: 1 + 19 + 8 + 20 + 20.
const HandshakeSize = 1 + len(protocolLiteral) + 8 + 20 + 20

// Handshake is the 68-byte peer-wire handshake blob.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize renders the handshake to its 68-byte wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(protocolLiteral))
	cursor := 1
	cursor += copy(buf[cursor:], protocolLiteral)
	cursor += 8 // reserved, left zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates the fixed-size literal and length
// byte, returning the parsed handshake. It does not itself check the
// info hash or peer id against expectations — callers do that, since
// the required checks differ between the outbound and inbound sides.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen != len(protocolLiteral) {
		return Handshake{}, fmt.Errorf("peer: unexpected protocol string length %d", pstrlen)
	}

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	if string(rest[:pstrlen]) != protocolLiteral {
		return Handshake{}, fmt.Errorf("peer: unexpected protocol literal %q", rest[:pstrlen])
	}

	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// VerifyInfoHash reports whether the handshake's info hash matches ours.
func (h Handshake) VerifyInfoHash(want [20]byte) bool {
	return bytes.Equal(h.InfoHash[:], want[:])
}
