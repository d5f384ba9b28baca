package scroll

import (
	"math"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
	"github.com/zhouzirui/talkroom/backend/internal/reconcile"
)

// Phase is the state of the current campaign.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSeeking
	PhaseRefining
	PhaseSettled
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeking:
		return "seeking"
	case PhaseRefining:
		return "refining"
	case PhaseSettled:
		return "settled"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "idle"
	}
}

// Outcome describes how a campaign ended.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeCanceled  Outcome = "canceled"
)

// AnchorConfig tunes the Controller.
type AnchorConfig struct {
	Direction chat.Direction
	// MaxAttempts bounds the corrective scrolls issued after the first seek.
	MaxAttempts int
	// Tolerance is the pixel distance treated as "in place".
	Tolerance float64
	// OnFinish, if set, observes every campaign outcome.
	OnFinish func(Outcome)
}

// Controller runs one scroll campaign at a time. It is not safe for
// concurrent use; the owning room calls it from its event loop.
type Controller struct {
	cfg AnchorConfig

	campaign uint64
	phase    Phase
	target   chat.ScrollTarget
	key      string
	index    int
	attempts int

	// awaiting is set while an unresolved target waits for older history.
	awaiting bool
}

// NewController returns an idle Controller.
func NewController(cfg AnchorConfig) *Controller {
	if cfg.Direction == "" {
		cfg.Direction = chat.Inverted
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	return &Controller{cfg: cfg}
}

// Phase returns the current campaign state.
func (c *Controller) Phase() Phase { return c.phase }

// Campaign returns the id of the current campaign.
func (c *Controller) Campaign() uint64 { return c.campaign }

// Active reports whether a campaign is still moving the list.
func (c *Controller) Active() bool {
	return c.phase == PhaseSeeking || c.phase == PhaseRefining
}

// Awaiting reports whether an unresolved target is waiting for history.
func (c *Controller) Awaiting() bool { return c.awaiting }

// Start cancels any running campaign and begins a new one toward target.
func (c *Controller) Start(seq []chat.Record, target chat.ScrollTarget) []Command {
	c.Cancel()
	c.campaign++
	c.target = target
	c.attempts = 0

	index, key, ok := Resolve(seq, target.TalkID, c.cfg.Direction)
	if !ok {
		c.phase = PhaseAbandoned
		if isLatest(target.TalkID) {
			// Nothing loaded yet; there is no live edge to go to.
			c.finish(OutcomeAbandoned)
			return nil
		}
		c.awaiting = true
		c.finish(OutcomeNotFound)
		return []Command{{Kind: CommandRequestHistory, Campaign: c.campaign}}
	}

	c.phase = PhaseSeeking
	c.index = index
	c.key = key
	return []Command{c.seek()}
}

// Cancel stops the running campaign and forgets any awaiting target.
func (c *Controller) Cancel() {
	if c.Active() {
		c.finish(OutcomeCanceled)
	}
	c.phase = PhaseIdle
	c.awaiting = false
}

// OnLayout consumes a measurement taken after the host rendered a frame.
func (c *Controller) OnLayout(report LayoutReport) []Command {
	if !c.Active() || report.Campaign != c.campaign {
		return nil
	}

	if !report.Found || report.ViewportHeight <= 0 {
		// The virtualized list may not have laid the row out yet; seeking
		// retries, refinement means the target went away.
		if c.phase == PhaseSeeking && report.ViewportHeight > 0 && c.attempts < c.cfg.MaxAttempts {
			c.attempts++
			return []Command{c.seek()}
		}
		c.abandon()
		return nil
	}

	delta := report.Offset - desiredOffset(c.target.Alignment, report.Height, report.ViewportHeight)
	if math.Abs(delta) <= c.cfg.Tolerance {
		return c.settle(OutcomeSettled)
	}
	if c.attempts >= c.cfg.MaxAttempts {
		return c.settle(OutcomeExhausted)
	}

	c.attempts++
	c.phase = PhaseRefining
	return []Command{{Kind: CommandScrollBy, Campaign: c.campaign, Index: c.index, Delta: delta}}
}

// OnSequence re-anchors the campaign after the render sequence was replaced.
func (c *Controller) OnSequence(seq []chat.Record) []Command {
	switch {
	case c.awaiting:
		if _, _, ok := Resolve(seq, c.target.TalkID, c.cfg.Direction); ok {
			return c.Start(seq, c.target)
		}
		return []Command{{Kind: CommandRequestHistory, Campaign: c.campaign}}
	case c.Active():
		index, key, ok := Resolve(seq, c.target.TalkID, c.cfg.Direction)
		if !ok {
			c.abandon()
			return nil
		}
		c.key = key
		if index == c.index {
			return nil
		}
		c.index = index
		c.phase = PhaseSeeking
		return []Command{c.seek()}
	}
	return nil
}

func (c *Controller) seek() Command {
	return Command{
		Kind:      CommandScrollToIndex,
		Campaign:  c.campaign,
		Index:     c.index,
		Alignment: c.target.Alignment,
		Animated:  !isLatest(c.target.TalkID),
		Key:       c.key,
	}
}

func (c *Controller) settle(outcome Outcome) []Command {
	c.phase = PhaseSettled
	c.finish(outcome)
	if !c.target.Highlight {
		return nil
	}
	return []Command{{Kind: CommandHighlight, Campaign: c.campaign, Index: c.index, Key: c.key}}
}

func (c *Controller) abandon() {
	c.phase = PhaseAbandoned
	c.finish(OutcomeAbandoned)
}

func (c *Controller) finish(outcome Outcome) {
	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish(outcome)
	}
}

// desiredOffset is where the target's top edge should sit in the viewport.
func desiredOffset(align chat.Alignment, height, viewport float64) float64 {
	switch align {
	case chat.AlignTop:
		return 0
	case chat.AlignBottom:
		return viewport - height
	default:
		return (viewport - height) / 2
	}
}

// Resolve finds the layout index of id in seq. The sentinel "latest" maps to
// the live edge. Exact matches on server id, local id or identity key win
// over loose, case-insensitive matches.
func Resolve(seq []chat.Record, id string, direction chat.Direction) (int, string, bool) {
	if len(seq) == 0 {
		return -1, "", false
	}
	if isLatest(id) {
		i := LiveIndex(direction, len(seq))
		return i, reconcile.IdentityKey(seq[i]), true
	}
	for i, r := range seq {
		if reconcile.Matches(r, id) {
			return i, reconcile.IdentityKey(r), true
		}
	}
	for i, r := range seq {
		if reconcile.LooselyMatches(r, id) {
			return i, reconcile.IdentityKey(r), true
		}
	}
	return -1, "", false
}
