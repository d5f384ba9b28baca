package scroll

import (
	"strings"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
	"github.com/zhouzirui/talkroom/backend/internal/reconcile"
)

// Thresholds are the tuning constants for the edge heuristics.
type Thresholds struct {
	NearLiveItems     int
	NearLivePixels    float64
	NearHistoryItems  int
	FollowOwnMessages bool
}

// DefaultThresholds mirror the values the mobile list shipped with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NearLiveItems:     2,
		NearLivePixels:    48,
		NearHistoryItems:  3,
		FollowOwnMessages: false,
	}
}

// Heuristics decides when to follow the live edge and when to ask for older
// pages. Only the history gate keeps state between updates.
type Heuristics struct {
	cfg         Thresholds
	direction   chat.Direction
	localUserID string

	lastRequestLen int
}

// NewHeuristics returns heuristics for one room.
func NewHeuristics(cfg Thresholds, direction chat.Direction, localUserID string) *Heuristics {
	if direction == "" {
		direction = chat.Inverted
	}
	return &Heuristics{cfg: cfg, direction: direction, localUserID: strings.TrimSpace(localUserID), lastRequestLen: -1}
}

// NearLive reports whether the viewport sits close to the live edge of a
// sequence of length n. A host that never reported is assumed to be there.
func (h *Heuristics) NearLive(vp Viewport, n int) bool {
	if !vp.Reported || n == 0 {
		return true
	}
	dist := abs(vp.LeadingIndex - LiveIndex(h.direction, n))
	return dist <= h.cfg.NearLiveItems && vp.LeadingOffset <= h.cfg.NearLivePixels
}

// ShouldAutoScroll reports whether the update from prev to next brought a new
// message to the live edge that the viewport should follow. A confirmation
// that replaces a bubble already on screen is not an arrival. The local
// user's own messages only follow when FollowOwnMessages is set, and then
// only for a fresh optimistic send.
func (h *Heuristics) ShouldAutoScroll(prev, next []chat.Record, vp Viewport) bool {
	if len(prev) == 0 || len(next) == 0 {
		return false
	}

	edge := next[LiveIndex(h.direction, len(next))]
	edgeKey := reconcile.IdentityKey(edge)
	if edgeKey == reconcile.IdentityKey(prev[LiveIndex(h.direction, len(prev))]) {
		return false
	}
	edgeLocal := ""
	if edge.HasLocalID() {
		edgeLocal = strings.TrimSpace(edge.LocalID)
	}
	for _, r := range prev {
		if reconcile.IdentityKey(r) == edgeKey {
			return false
		}
		if edgeLocal != "" && r.HasLocalID() && strings.TrimSpace(r.LocalID) == edgeLocal {
			return false
		}
	}

	if h.localUserID != "" && strings.TrimSpace(edge.SenderID) == h.localUserID {
		return h.cfg.FollowOwnMessages && edgeLocal != "" && !edge.HasServerID()
	}
	return h.NearLive(vp, len(prev))
}

// ShouldRequestHistory reports whether the viewport is close enough to the
// oldest loaded message to page in more. A true result arms the gate.
func (h *Heuristics) ShouldRequestHistory(n int, vp Viewport, fetching bool) bool {
	if !vp.Reported || n == 0 {
		return false
	}
	if abs(vp.TrailingIndex-OldestIndex(h.direction, n)) > h.cfg.NearHistoryItems {
		return false
	}
	return h.AllowHistory(n, fetching, false)
}

// AllowHistory is the shared gate for history requests: never while a fetch
// is in flight, and at most once per sequence length unless forced.
func (h *Heuristics) AllowHistory(n int, fetching, force bool) bool {
	if fetching {
		return false
	}
	if !force && n == h.lastRequestLen {
		return false
	}
	h.lastRequestLen = n
	return true
}
