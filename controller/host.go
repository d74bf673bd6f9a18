package controller

import (
	"go.uber.org/zap"

	"github.com/gorent/gorent/message"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/piece"
)

// maxInflightPerPeer bounds how many pieces we ask a single peer for at
// once. The spec's example request pipeline issues all of one piece's
// blocks at once (§4.4); gorent keeps that simple per-piece pipelining
// but caps concurrent pieces per peer rather than queuing unboundedly.
const maxInflightPerPeer = 1

// maybeRequestPiece asks the piece manager for a candidate piece this
// peer has and we don't, and starts downloading it if one exists. This
// is also what expresses "interested" to the remote, since
// Session.RequestPiece sends it lazily on first use (§1 Non-goals: no
// separate interest bookkeeping beyond the wire-required bits).
func (c *Controller) maybeRequestPiece(s *peer.Session) {
	if s.InflightCount() >= maxInflightPerPeer {
		return
	}
	index := c.pieces.GetPieceForRequest(s.HasPiece)
	if index == piece.NoPiece {
		return
	}
	s.RequestPiece(index, c.pieces.PieceSize(index))
}

// OnBitfield implements peer.Host: a freshly announced bitfield may give
// us something to request from this peer.
func (c *Controller) OnBitfield(s *peer.Session) {
	c.maybeRequestPiece(s)
}

// OnHave implements peer.Host.
func (c *Controller) OnHave(s *peer.Session, index int) {
	c.maybeRequestPiece(s)
}

// OnInterested implements peer.Host. §1's Non-goals rule out choking
// economics entirely: we unchoke anyone who asks.
func (c *Controller) OnInterested(s *peer.Session) {
	s.Unchoke()
}

// OnNotInterested implements peer.Host; no action needed under the
// trivial always-unchoke policy.
func (c *Controller) OnNotInterested(s *peer.Session) {}

// OnRequest implements peer.Host: hand the read off to the piece
// manager's background worker. An invalid or premature request (piece
// not done, range past the end of the piece) is silently dropped rather
// than disconnecting the peer. Oversize blocks never reach here: the
// session closes the connection on those itself.
func (c *Controller) OnRequest(s *peer.Session, req message.BlockRequest) {
	c.pieces.RequestPieceBlock(req.Index, s.Addr(), req.Begin, req.Length)
}

// OnCancel implements peer.Host. Reads are served asynchronously off the
// piece manager's queue; Session.SendPiece already no-ops if the request
// was cancelled before the read completed, so there is nothing further
// to do here.
func (c *Controller) OnCancel(s *peer.Session, req message.BlockRequest) {}

// OnBlockComplete implements peer.Host: a full piece has been assembled
// from this peer's blocks. Validate and hand it to the piece manager;
// on hash mismatch, account the loss and choke the peer (§7
// PieceVerifyError). A piece that another peer already completed first
// is not the sender's fault and is not charged or choked, just dropped.
func (c *Controller) OnBlockComplete(s *peer.Session, index int, buf []byte) {
	switch c.pieces.WritePieceBlock(index, s.Addr(), buf) {
	case piece.WriteHashMismatch:
		c.mu.Lock()
		c.counters.Wasted += uint64(len(buf))
		c.counters.HashMisses++
		c.mu.Unlock()
		c.logger.Warn("piece failed verification", zap.Int("index", index), zap.String("peer", s.Addr()))
		s.Choke()
	case piece.WriteAlreadyDone:
		c.logger.Debug("piece already completed by another peer", zap.Int("index", index), zap.String("peer", s.Addr()))
	}
	c.maybeRequestPiece(s)
}

// OnDisconnect implements peer.Host: drop the peer from the live set.
// The blacklist entry, if any, is left untouched — membership there
// only clears on a later successful handshake (§3).
func (c *Controller) OnDisconnect(s *peer.Session, err error) {
	c.removePeer(s)
	if err != nil {
		c.logger.Debug("peer disconnected", zap.String("peer", s.Addr()), zap.Error(err))
	}
}

// onPieceComplete is the piece.Manager completion callback: broadcast
// have(index) to every live peer once the write has durably landed
// (§5 ordering invariant (a)), and account the downloaded bytes.
func (c *Controller) onPieceComplete(ev piece.CompletionEvent) {
	c.mu.Lock()
	c.counters.Downloaded += uint64(c.pieces.PieceSize(ev.Index))
	peers := make([]*peer.Session, 0, len(c.peers))
	for _, s := range c.peers {
		peers = append(peers, s)
	}
	c.mu.Unlock()

	for _, s := range peers {
		s.SendHave(ev.Index)
	}
	c.logger.Info("piece completed", zap.Int("index", ev.Index), zap.Int("totalDone", c.pieces.CompletedCount()))
}

// onPieceRead is the piece.Manager read-completion callback: deliver the
// gathered bytes to whichever peer requested them.
func (c *Controller) onPieceRead(ev piece.ReadEvent) {
	if ev.Err != nil {
		c.logger.Warn("piece read failed", zap.Int("index", ev.Index), zap.Error(ev.Err))
		return
	}
	c.mu.Lock()
	s, ok := c.addrIndex[ev.From]
	c.mu.Unlock()
	if !ok {
		return
	}
	if s.SendPiece(ev.Index, ev.Begin, ev.Buf) {
		c.mu.Lock()
		c.counters.Uploaded += uint64(len(ev.Buf))
		c.mu.Unlock()
	}
}
