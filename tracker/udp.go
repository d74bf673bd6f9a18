package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

// udpProtocolMagic is the fixed connection-id value BEP-15 uses to open
// a connect transaction.
const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

const udpTimeout = 15 * time.Second

type udpAnnouncer struct {
	addr string
}

func newUDPAnnouncer(u *url.URL) *udpAnnouncer {
	return &udpAnnouncer{addr: u.Host}
}

func (a *udpAnnouncer) announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	raddr, err := net.ResolveUDPAddr("udp", a.addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", a.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", a.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(udpTimeout))
	}

	connID, err := a.connect(conn)
	if err != nil {
		return nil, err
	}
	return a.doAnnounce(conn, connID, req)
}

// connect performs BEP-15 phase one: a 16-byte request, a 16-byte reply.
func (a *udpAnnouncer) connect(conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()

	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(out[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(out[12:16], txID)

	if _, err := conn.Write(out); err != nil {
		return 0, fmt.Errorf("sending connect: %w", err)
	}

	in := make([]byte, 16)
	n, err := conn.Read(in)
	if err != nil {
		return 0, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(in[0:4])
	gotTx := binary.BigEndian.Uint32(in[4:8])
	if action != udpActionConnect {
		return 0, fmt.Errorf("connect response action mismatch: got %d, want %d", action, udpActionConnect)
	}
	if gotTx != txID {
		return 0, fmt.Errorf("connect response transaction id mismatch: got %d, want %d", gotTx, txID)
	}
	return binary.BigEndian.Uint64(in[8:16]), nil
}

// doAnnounce performs BEP-15 phase two: a 98-byte request, a response of
// at least 20 bytes followed by 6-byte compact peer entries.
func (a *udpAnnouncer) doAnnounce(conn *net.UDPConn, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	txID := rand.Uint32()

	out := make([]byte, 98)
	binary.BigEndian.PutUint64(out[0:8], connID)
	binary.BigEndian.PutUint32(out[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(out[12:16], txID)
	copy(out[16:36], req.InfoHash[:])
	copy(out[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(out[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(out[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(out[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(out[80:84], req.Event.udpCode())
	binary.BigEndian.PutUint32(out[84:88], 0) // ip: let the tracker use the source address
	binary.BigEndian.PutUint32(out[88:92], 0) // key
	binary.BigEndian.PutUint32(out[92:96], 0xFFFFFFFF) // num_want: -1, no preference
	binary.BigEndian.PutUint16(out[96:98], req.Port)

	if _, err := conn.Write(out); err != nil {
		return nil, fmt.Errorf("sending announce: %w", err)
	}

	in := make([]byte, 2048)
	n, err := conn.Read(in)
	if err != nil {
		return nil, fmt.Errorf("reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}
	in = in[:n]

	action := binary.BigEndian.Uint32(in[0:4])
	gotTx := binary.BigEndian.Uint32(in[4:8])
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("announce response action mismatch: got %d, want %d", action, udpActionAnnounce)
	}
	if gotTx != txID {
		return nil, fmt.Errorf("announce response transaction id mismatch: got %d, want %d", gotTx, txID)
	}

	interval := binary.BigEndian.Uint32(in[8:12])
	// leechers := binary.BigEndian.Uint32(in[12:16])
	// seeders := binary.BigEndian.Uint32(in[16:20])

	peers, err := parseCompactPeers(in[20:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}
