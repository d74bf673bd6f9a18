// Package tracker implements the HTTP and UDP tracker announce protocols
// and the BEP-12 tiered-tracker-list policy that sits on top of them.
package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gorent/gorent/internal/errs"
)

// retryFloor is the minimum wait before re-trying a tracker that just
// failed (§6: "a fixed minimum 30-second retry floor is acceptable").
// Repeated failures back off past this floor rather than hammering a
// dead tracker every 30 seconds forever.
const retryFloor = 30 * time.Second

const retryCeiling = 15 * time.Minute

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryFloor
	b.MaxInterval = retryCeiling
	b.Multiplier = 2
	// No jitter, so no wait falls below the floor.
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up; the controller decides when to stop
	b.Reset()
	return b
}

// Event is the announce event reported to a tracker.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) queryValue() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// udpCode maps Event onto the u32 the UDP announce packet carries.
func (e Event) udpCode() uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// Peer is one address returned by a tracker. PeerID is only populated
// for the non-compact dict peer format, which optionally carries it;
// the compact format has no room for one. Callers that dial out should
// verify the handshake's peer id against it when present (§4.4).
type Peer struct {
	IP     net.IP
	Port   uint16
	PeerID *[20]byte
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

// AnnounceRequest carries the fields every announce transport needs.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// AnnounceResponse is the transport-agnostic result of one announce.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []Peer
}

// announcer is implemented by the http and udp transports.
type announcer interface {
	announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
}

// Tracker is one announce URL: its transport, and the scheduling state
// the controller uses to decide when to poll it again.
type Tracker struct {
	URL string

	announcer announcer
	logger    *zap.Logger
	backoff   *backoff.ExponentialBackOff

	nextAnnounce time.Time // zero value: due immediately
}

// New builds a Tracker for rawURL, selecting the HTTP or UDP transport by
// scheme. logger may be nil.
func New(rawURL string, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &errs.Tracker{URL: rawURL, Reason: "invalid announce URL", Cause: err}
	}

	var a announcer
	switch u.Scheme {
	case "http", "https":
		a = newHTTPAnnouncer(u)
	case "udp":
		a = newUDPAnnouncer(u)
	default:
		return nil, &errs.Tracker{URL: rawURL, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	return &Tracker{
		URL:       rawURL,
		announcer: a,
		logger:    logger.With(zap.String("tracker", rawURL)),
		backoff:   newRetryBackoff(),
	}, nil
}

// TimeUp reports whether the controller should re-announce to this
// tracker now (§4.3: "the controller only reannounces when current time
// ≥ deadline").
func (t *Tracker) TimeUp() bool {
	return !time.Now().Before(t.nextAnnounce)
}

// Announce performs one announce round. On success the next-announce
// deadline is set from the response interval and the retry backoff
// resets to its floor. On failure the deadline is pushed out by the
// next backoff interval (growing on repeated failures, never below
// retryFloor) and the error is returned for the caller to log/surface.
func (t *Tracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	resp, err := t.announcer.announce(ctx, req)
	if err != nil {
		t.nextAnnounce = time.Now().Add(t.backoff.NextBackOff())
		return nil, &errs.Tracker{URL: t.URL, Reason: "announce failed", Cause: err}
	}
	t.backoff.Reset()
	t.nextAnnounce = time.Now().Add(resp.Interval)
	t.logger.Debug("announce ok", zap.Int("peers", len(resp.Peers)), zap.Duration("interval", resp.Interval))
	return resp, nil
}

// Tier is one priority level of a BEP-12 announce-list: a group of
// trackers tried together, any one of which is sufficient.
type Tier struct {
	Trackers []*Tracker
}

// TierList holds the full tiered tracker list for one torrent and
// implements BEP-12's tier-shuffle-stop-on-success policy.
type TierList struct {
	Tiers  []*Tier
	logger *zap.Logger
}

// NewTierList builds a TierList from the announce-list tiers, grouped
// as parsed out of a metainfo file (metainfo.Tiers).
func NewTierList(urlTiers [][]string, logger *zap.Logger) (*TierList, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tl := &TierList{logger: logger}
	for _, urls := range urlTiers {
		tier := &Tier{}
		for _, u := range urls {
			tr, err := New(u, logger)
			if err != nil {
				logger.Warn("dropping unusable tracker", zap.String("url", u), zap.Error(err))
				continue
			}
			tier.Trackers = append(tier.Trackers, tr)
		}
		if len(tier.Trackers) > 0 {
			tl.Tiers = append(tl.Tiers, tier)
		}
	}
	if len(tl.Tiers) == 0 {
		return nil, &errs.Network{Reason: "no usable trackers in announce-list"}
	}
	return tl, nil
}

// AnnounceAll performs one BEP-12 announce round: within each tier the
// trackers are shuffled and tried in order, stopping at the first
// success; the tracker that succeeded is promoted to the front of its
// tier so it is tried first next round. All tiers are attempted
// (BEP-12 governs ordering within a tier, not whether later tiers are
// skipped after an earlier one succeeds — every tier still contributes
// peers). Errors from individual trackers are logged, not returned;
// AnnounceAll only fails if at least one tracker was actually due and
// none of the due trackers answered. A round where nothing was due yet
// is a no-op, not a failure.
func (tl *TierList) AnnounceAll(ctx context.Context, req AnnounceRequest) ([]Peer, error) {
	var allPeers []Peer
	anyAttempted := false
	anySuccess := false

	for _, tier := range tl.Tiers {
		order := rand.Perm(len(tier.Trackers))
		var winner int = -1
		for _, idx := range order {
			tr := tier.Trackers[idx]
			if !tr.TimeUp() {
				continue
			}
			anyAttempted = true
			resp, err := tr.Announce(ctx, req)
			if err != nil {
				tl.logger.Warn("tracker announce failed", zap.String("url", tr.URL), zap.Error(err))
				continue
			}
			allPeers = append(allPeers, resp.Peers...)
			anySuccess = true
			winner = idx
			break
		}
		if winner > 0 {
			promoted := tier.Trackers[winner]
			rest := append(tier.Trackers[:winner:winner], tier.Trackers[winner+1:]...)
			tier.Trackers = append([]*Tracker{promoted}, rest...)
		}
	}

	if anyAttempted && !anySuccess {
		return nil, &errs.Network{Reason: "no tracker in any tier answered"}
	}
	return allPeers, nil
}

// Stopped fires event=stopped to every tracker in every tier, best
// effort: failures here are logged and otherwise ignored since the
// process is tearing down regardless.
func (tl *TierList) Stopped(ctx context.Context, req AnnounceRequest) {
	req.Event = EventStopped
	for _, tier := range tl.Tiers {
		for _, tr := range tier.Trackers {
			if _, err := tr.announcer.announce(ctx, req); err != nil {
				tl.logger.Debug("stopped announce failed", zap.String("url", tr.URL), zap.Error(err))
			}
		}
	}
}

// Completed fires event=completed to every tracker, bypassing each
// tracker's TimeUp deadline the same way Stopped does. A torrent that
// finishes inside its started announce's interval would otherwise have
// no tracker due yet, and AnnounceAll would silently skip the round
// entirely; the completed event has to go out regardless of deadlines.
func (tl *TierList) Completed(ctx context.Context, req AnnounceRequest) {
	req.Event = EventCompleted
	for _, tier := range tl.Tiers {
		for _, tr := range tier.Trackers {
			if _, err := tr.announcer.announce(ctx, req); err != nil {
				tl.logger.Warn("completed announce failed", zap.String("url", tr.URL), zap.Error(err))
			}
		}
	}
}
