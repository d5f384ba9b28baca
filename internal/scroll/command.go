// Package scroll drives anchored scrolling and paging decisions for a
// virtualized, possibly inverted, message list.
//
// Nothing here touches a real list. The Controller and Heuristics consume the
// render sequence plus the host's viewport and layout reports and return
// Commands for the host to execute.
package scroll

import (
	"strings"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// CommandKind names what the host should do.
type CommandKind string

const (
	CommandScrollToIndex  CommandKind = "scrollToIndex"
	CommandScrollBy       CommandKind = "scrollBy"
	CommandHighlight      CommandKind = "highlight"
	CommandRequestHistory CommandKind = "requestHistory"
)

// Command is one instruction for the host list. Index is a layout index into
// the render sequence; Delta is in pixels, positive moves the target up.
type Command struct {
	Kind      CommandKind    `json:"kind"`
	Campaign  uint64         `json:"campaign,omitempty"`
	Index     int            `json:"index"`
	Alignment chat.Alignment `json:"alignment,omitempty"`
	Delta     float64        `json:"delta,omitempty"`
	Key       string         `json:"key,omitempty"`
	Animated  bool           `json:"animated"`
}

// Viewport is the host's latest report of what the list shows. Indices are
// layout indices; LeadingIndex is the visible item closest to the live edge
// and LeadingOffset how far, in pixels, the list is scrolled away from it.
type Viewport struct {
	LeadingIndex  int     `json:"leadingIndex"`
	LeadingOffset float64 `json:"leadingOffset"`
	TrailingIndex int     `json:"trailingIndex"`
	Reported      bool    `json:"-"`
}

// LayoutReport is the measurement the host sends after a rendered frame.
type LayoutReport struct {
	Campaign       uint64  `json:"campaign"`
	Found          bool    `json:"found"`
	Offset         float64 `json:"offset"`
	Height         float64 `json:"height"`
	ViewportHeight float64 `json:"viewportHeight"`
}

// LiveIndex is the layout index of the newest message.
func LiveIndex(direction chat.Direction, n int) int {
	if n == 0 {
		return -1
	}
	if direction == chat.Forward {
		return n - 1
	}
	return 0
}

// OldestIndex is the layout index of the oldest loaded message.
func OldestIndex(direction chat.Direction, n int) int {
	if n == 0 {
		return -1
	}
	if direction == chat.Forward {
		return 0
	}
	return n - 1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func isLatest(id string) bool {
	return strings.TrimSpace(id) == chat.LatestTarget
}
