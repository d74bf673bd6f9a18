package controller

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/gorent/gorent/bitfield"
	"github.com/gorent/gorent/message"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/tracker"
)

// intake applies §4.6's peer-intake rule to one tracker announce's
// result: for each IPv4 address not already known and not blacklisted,
// blacklist it immediately (so a second announce returning the same
// address doesn't race a second dial) and connect in the background.
func (c *Controller) intake(peers []tracker.Peer) {
	for _, p := range peers {
		key, ok := ipv4Key(p.IP)
		if !ok {
			continue // IPv6 peers: out of scope, §3 keys the peer map by IPv4
		}

		c.mu.Lock()
		_, known := c.peers[key]
		blacklisted := c.blacklist[key]
		if !known && !blacklisted {
			c.blacklist[key] = true
		}
		shouldDial := !known && !blacklisted
		c.mu.Unlock()

		if !shouldDial {
			continue
		}

		c.mainWG.Add(1)
		go c.dialPeer(key, p)
	}
}

func (c *Controller) dialPeer(key uint32, p tracker.Peer) {
	defer c.mainWG.Done()

	addr := fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
	s, err := peer.Dial(addr, p.PeerID, c, message.MaxBlockLength, nil)
	if err != nil {
		c.logger.Debug("outbound connect failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	c.registerPeer(key, s)
}

// registerPeer promotes a successfully handshaken session into the live
// peer map, clearing any blacklist entry for its IP (§4.6), then sends
// our current bitfield so it can decide what to request from us.
func (c *Controller) registerPeer(key uint32, s *peer.Session) {
	c.mu.Lock()
	delete(c.blacklist, key)
	c.peers[key] = s
	c.addrIndex[s.Addr()] = s
	c.mu.Unlock()

	s.SendBitfield(c.renderBitfield())
	c.maybeRequestPiece(s)
}

// removePeer drops s from both the IP-keyed map and the address index.
// Finding s's IP-keyed entry requires a linear scan since Session does
// not expose its own key; peer counts are small enough (tens, not
// thousands) that this is not worth a second index.
func (c *Controller) removePeer(s *peer.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.addrIndex, s.Addr())
	for k, v := range c.peers {
		if v == s {
			delete(c.peers, k)
			break
		}
	}
}

// acceptLoop accepts inbound connections on the listener until it is
// closed, handshaking each on its own goroutine.
func (c *Controller) acceptLoop() {
	defer c.mainWG.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		c.mainWG.Add(1)
		go c.acceptPeer(conn)
	}
}

func (c *Controller) acceptPeer(conn net.Conn) {
	defer c.mainWG.Done()
	s, err := peer.Accept(conn, c, message.MaxBlockLength, nil)
	if err != nil {
		c.logger.Debug("inbound handshake failed", zap.Error(err))
		return
	}

	key, ok := ipv4Key(remoteIP(s.Addr()))
	if !ok {
		s.Close(nil)
		return
	}
	c.registerPeer(key, s)
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// renderBitfield packs the piece manager's completion set into the
// wire bitfield form sent to a newly registered peer.
func (c *Controller) renderBitfield() bitfield.Bitfield {
	total := c.pieces.TotalPieces()
	bf := bitfield.New(total)
	done := c.pieces.CompletedBits()
	for i := 0; i < total; i++ {
		if done.Test(uint(i)) {
			bf.SetPiece(i)
		}
	}
	return bf
}
