package reconcile

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// Options tunes a Reconciler.
type Options struct {
	// Direction selects ascending (Forward) or descending (Inverted) sentAt order.
	Direction chat.Direction
	// EchoWindow, when positive, links a local-only send to a confirmed record
	// from the same sender with the same body sent within the window.
	EchoWindow time.Duration
}

// Reconciler collapses duplicate records and orders the survivors.
type Reconciler struct {
	opts Options
}

// New returns a Reconciler using opts.
func New(opts Options) *Reconciler {
	if opts.Direction == "" {
		opts.Direction = chat.Inverted
	}
	return &Reconciler{opts: opts}
}

// Direction returns the configured layout direction.
func (r *Reconciler) Direction() chat.Direction {
	return r.opts.Direction
}

type entry struct {
	record chat.Record
	key    string
	rank   int
	at     instant
	pos    int
}

// DedupSort groups records by identity, keeps one winner per group and sorts
// the winners. Running it on its own output returns the same sequence.
func (r *Reconciler) DedupSort(records []chat.Record) []chat.Record {
	if len(records) == 0 {
		return []chat.Record{}
	}

	entries := make([]entry, len(records))
	for i, rec := range records {
		entries[i] = entry{
			record: rec,
			key:    IdentityKey(rec),
			rank:   Rank(rec),
			at:     parseInstant(rec.SentAt),
			pos:    i,
		}
	}

	aliases := echoAliases(entries)
	groups := make(map[string][]int, len(entries))
	for i := range entries {
		key := entries[i].key
		if target, ok := aliases[key]; ok {
			key = target
		}
		groups[key] = append(groups[key], i)
	}

	if r.opts.EchoWindow > 0 {
		linkWithinWindow(entries, groups, r.opts.EchoWindow)
	}

	winners := make([]entry, 0, len(groups))
	for key, members := range groups {
		best := entries[members[0]]
		for _, idx := range members[1:] {
			if beats(entries[idx], best) {
				best = entries[idx]
			}
		}
		best.key = key
		winners = append(winners, best)
	}

	descending := r.opts.Direction == chat.Inverted
	slices.SortFunc(winners, func(a, b entry) int {
		return compareRender(a, b, descending)
	})

	out := make([]chat.Record, len(winners))
	for i, w := range winners {
		out[i] = w.record
	}
	return out
}

// echoAliases maps local keys onto the server group of records that carry
// both ids, which is how a confirmation echoes the client's temporary id.
func echoAliases(entries []entry) map[string]string {
	type claim struct {
		target string
		rank   int
	}
	claims := make(map[string]claim)
	for _, e := range entries {
		if !e.record.HasServerID() || !e.record.HasLocalID() {
			continue
		}
		local := localKey(e.record.LocalID)
		current, ok := claims[local]
		if !ok || e.rank < current.rank || (e.rank == current.rank && e.key < current.target) {
			claims[local] = claim{target: e.key, rank: e.rank}
		}
	}

	aliases := make(map[string]string, len(claims))
	for local, c := range claims {
		aliases[local] = c.target
	}
	return aliases
}

// echoSkew is how far a local send may be stamped after the confirmation it
// echoes before the two are treated as different sends.
const echoSkew = 250 * time.Millisecond

// linkWithinWindow merges a local-only group into a confirmed record from the
// same sender with the same body when each is the other's only candidate.
// Ambiguous sends stay visible, and confirmations that already echo their own
// local id are never paired.
func linkWithinWindow(entries []entry, groups map[string][]int, window time.Duration) {
	echoed := make(map[string]bool)
	for key, members := range groups {
		for _, idx := range members {
			if entries[idx].record.HasLocalID() {
				echoed[key] = true
				break
			}
		}
	}

	var confirmed []int
	for i, e := range entries {
		if e.rank == RankConfirmed && e.at.class == instantParsed && !echoed[e.key] {
			confirmed = append(confirmed, i)
		}
	}
	if len(confirmed) == 0 {
		return
	}

	byLocal := make(map[string]map[string]bool)
	byTarget := make(map[string]map[string]bool)
	for key, members := range groups {
		if !strings.HasPrefix(key, localKeyPrefix) {
			continue
		}
		for _, idx := range members {
			pending := entries[idx]
			if pending.rank != RankLocal || pending.at.class != instantParsed {
				continue
			}
			for _, cidx := range confirmed {
				c := entries[cidx]
				if !echoes(pending, c, window) {
					continue
				}
				if byLocal[key] == nil {
					byLocal[key] = make(map[string]bool)
				}
				if byTarget[c.key] == nil {
					byTarget[c.key] = make(map[string]bool)
				}
				byLocal[key][c.key] = true
				byTarget[c.key][key] = true
			}
		}
	}

	for local, targets := range byLocal {
		if len(targets) != 1 {
			continue
		}
		for target := range targets {
			if len(byTarget[target]) != 1 {
				continue
			}
			groups[target] = append(groups[target], groups[local]...)
			delete(groups, local)
		}
	}
}

// echoes reports whether confirmed could be the server copy of pending. The
// local stamp may trail the server one by at most echoSkew.
func echoes(pending, confirmed entry, window time.Duration) bool {
	if confirmed.record.SenderID != pending.record.SenderID || confirmed.record.Body != pending.record.Body {
		return false
	}
	gap := confirmed.at.at.Sub(pending.at.at)
	if gap < -echoSkew {
		return false
	}
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}

// beats reports whether a should replace b as the winner of their group.
func beats(a, b entry) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if c := compareLatest(a.at, b.at); c != 0 {
		return c > 0
	}
	if c := strings.Compare(fingerprint(a.record), fingerprint(b.record)); c != 0 {
		return c > 0
	}
	return a.pos > b.pos
}

// fingerprint covers every field, the reply snapshot included, so that copies
// differing anywhere pick the same winner regardless of input order.
func fingerprint(r chat.Record) string {
	parent := ""
	if r.ReplyTo != nil {
		parent = "\x1e" + fingerprint(*r.ReplyTo) + "\x1d"
	}
	return strings.Join([]string{string(r.Status), r.ServerID, r.LocalID, r.SenderID, r.SentAt, r.Body, parent}, "\x1f")
}

func compareRender(a, b entry, descending bool) int {
	if a.at.class != b.at.class {
		return cmp.Compare(a.at.class, b.at.class)
	}
	c := compareWithinClass(a.at, b.at)
	if c == 0 {
		c = strings.Compare(strings.TrimSpace(a.record.ServerID), strings.TrimSpace(b.record.ServerID))
	}
	if c == 0 {
		c = strings.Compare(strings.TrimSpace(a.record.LocalID), strings.TrimSpace(b.record.LocalID))
	}
	if c == 0 {
		c = strings.Compare(a.key, b.key)
	}
	if descending {
		return -c
	}
	return c
}

const (
	instantParsed = iota
	instantOpaque
	instantBlank
)

// instant is a sortable view of a sentAt string.
type instant struct {
	class int
	at    time.Time
	raw   string
}

var sentAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseInstant(raw string) instant {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return instant{class: instantBlank}
	}
	for _, layout := range sentAtLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return instant{class: instantParsed, at: t, raw: raw}
		}
	}
	return instant{class: instantOpaque, raw: raw}
}

// ParseSentAt parses a sentAt value with the layouts the reconciler accepts.
func ParseSentAt(raw string) (time.Time, bool) {
	in := parseInstant(raw)
	return in.at, in.class == instantParsed
}

func compareWithinClass(a, b instant) int {
	if a.class == instantParsed {
		return a.at.Compare(b.at)
	}
	return strings.Compare(a.raw, b.raw)
}

// compareLatest orders instants by lateness: blank < opaque < parsed.
func compareLatest(a, b instant) int {
	rank := func(in instant) int {
		switch in.class {
		case instantParsed:
			return 2
		case instantOpaque:
			return 1
		}
		return 0
	}
	if ra, rb := rank(a), rank(b); ra != rb {
		return cmp.Compare(ra, rb)
	}
	return compareWithinClass(a, b)
}
