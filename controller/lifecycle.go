package controller

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/errs"
	"github.com/gorent/gorent/peer"
	"github.com/gorent/gorent/tracker"
)

// pollInterval bounds how often the main loop wakes up to check tracker
// deadlines and completion state when nothing else is driving it.
const pollInterval = time.Second

// listen opens the inbound TCP listener on port and starts the accept
// loop. Port 0 lets the OS choose, which is useful for tests.
func (c *Controller) listen(port uint16) error {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return &errs.Network{Reason: "listening for inbound peers", Cause: err}
	}
	_, p, _ := net.SplitHostPort(l.Addr().String())
	portNum, _ := strconv.Atoi(p)

	c.mu.Lock()
	c.listener = l
	c.listenPort = uint16(portNum)
	c.mu.Unlock()

	c.mainWG.Add(1)
	go c.acceptLoop()
	return nil
}

func (c *Controller) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	left := c.meta.TotalSize - c.pieces.ComputeDownloaded()
	if left < 0 {
		left = 0
	}
	counters := c.Counters()
	return tracker.AnnounceRequest{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       c.listenPort,
		Uploaded:   int64(counters.Uploaded),
		Downloaded: int64(counters.Downloaded),
		Left:       left,
		Event:      event,
	}
}

// Download runs the torrent to completion: listens for inbound peers,
// announces started, then loops servicing tracker deadlines and peer
// intake until every piece is verified (or ctx is cancelled), announcing
// completed on success, then tearing down (which announces stopped in
// every case).
func (c *Controller) Download(ctx context.Context, port uint16) (Outcome, error) {
	if c.pieces.CompletedCount() == c.pieces.TotalPieces() {
		return OutcomeAlreadyDownloaded, nil
	}

	c.startTime = time.Now()
	if err := c.listen(port); err != nil {
		return OutcomeNetworkError, err
	}

	startReq := c.announceRequest(tracker.EventStarted)
	peers, err := c.tiers.AnnounceAll(ctx, startReq)
	if err != nil {
		c.teardown(ctx)
		return OutcomeTrackerQueryFailure, err
	}
	c.intake(peers)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if c.pieces.CompletedCount() == c.pieces.TotalPieces() {
			c.announceCompleted(ctx)
			c.teardown(ctx)
			return OutcomeCompleted, nil
		}

		select {
		case <-ctx.Done():
			c.teardown(ctx)
			return OutcomeNetworkError, ctx.Err()
		case <-c.stopCh:
			c.teardown(ctx)
			return OutcomeNetworkError, nil
		case <-ticker.C:
			c.reannounce(ctx)
		}
	}
}

// Seed runs indefinitely, re-announcing to trackers and serving reads
// to peers, until ctx is cancelled or Stop is called. Unlike Download it
// never exits on completion since there is nothing left to complete.
func (c *Controller) Seed(ctx context.Context, port uint16) error {
	c.startTime = time.Now()
	if err := c.listen(port); err != nil {
		return err
	}

	startReq := c.announceRequest(tracker.EventStarted)
	if _, err := c.tiers.AnnounceAll(ctx, startReq); err != nil {
		c.teardown(ctx)
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx)
			return ctx.Err()
		case <-c.stopCh:
			c.teardown(ctx)
			return nil
		case <-ticker.C:
			c.reannounce(ctx)
		}
	}
}

// Stop requests an early, graceful shutdown of a running Download or
// Seed loop. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Controller) reannounce(ctx context.Context) {
	req := c.announceRequest(tracker.EventNone)
	peers, err := c.tiers.AnnounceAll(ctx, req)
	if err != nil {
		c.logger.Warn("reannounce failed", zap.Error(err))
		return
	}
	c.intake(peers)
}

// announceCompleted fires the terminal completed event directly through
// every tracker rather than c.tiers.AnnounceAll: AnnounceAll only visits
// trackers whose deadline (set by the earlier started announce) is due,
// and finishing inside that interval would otherwise drop the event.
func (c *Controller) announceCompleted(ctx context.Context) {
	req := c.announceRequest(tracker.EventCompleted)
	c.tiers.Completed(ctx, req)
}

// teardown closes the listener, fires a best-effort stopped announce,
// closes every live peer session, waits for all background goroutines
// (accept loop, inbound handshakes, dials) to exit, and closes the piece
// manager.
func (c *Controller) teardown(ctx context.Context) {
	if c.listener != nil {
		c.listener.Close()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.tiers.Stopped(stopCtx, c.announceRequest(tracker.EventStopped))

	c.mu.Lock()
	sessions := make([]*peer.Session, 0, len(c.peers))
	for _, s := range c.peers {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Close(nil)
	}

	c.mainWG.Wait()
	if err := c.pieces.Close(); err != nil {
		c.logger.Warn("closing piece manager", zap.Error(err))
	}
}
