package chat

import "strings"

// Alignment describes where an anchored message should land in the viewport.
type Alignment string

const (
	AlignTop    Alignment = "top"
	AlignCenter Alignment = "center"
	AlignBottom Alignment = "bottom"
)

// ParseAlignment normalises host supplied alignment strings, defaulting to center.
func ParseAlignment(raw string) (Alignment, bool) {
	switch Alignment(strings.ToLower(strings.TrimSpace(raw))) {
	case AlignTop:
		return AlignTop, true
	case AlignBottom:
		return AlignBottom, true
	case AlignCenter, "":
		return AlignCenter, true
	}
	return AlignCenter, false
}

// LatestTarget is the sentinel talk id meaning "the newest message".
const LatestTarget = "latest"

// ScrollTarget asks the room to bring one message into view.
type ScrollTarget struct {
	TalkID    string    `json:"talkId"`
	Alignment Alignment `json:"alignment"`
	Highlight bool      `json:"highlight"`
}

// Latest reports whether the target points at the live edge.
func (t ScrollTarget) Latest() bool {
	return strings.TrimSpace(t.TalkID) == LatestTarget
}

// Direction is the order in which the render sequence is laid out.
type Direction string

const (
	// Inverted lists render newest first: layout index 0 is the live edge.
	Inverted Direction = "inverted"
	// Forward lists render oldest first: the last index is the live edge.
	Forward Direction = "forward"
)

// ParseDirection maps config values onto a Direction.
func ParseDirection(raw string) (Direction, bool) {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case Inverted, "":
		return Inverted, true
	case Forward:
		return Forward, true
	}
	return Inverted, false
}
