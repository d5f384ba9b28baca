package reconcile

import (
	"strings"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// Key prefixes keep server ids, local ids and composite keys in separate
// namespaces so a server id "5" never groups with a local id "5".
const (
	serverKeyPrefix    = "s:"
	localKeyPrefix     = "l:"
	compositeKeyPrefix = "c:"
)

// Rank values, lower wins within a group.
const (
	RankConfirmed = 0
	RankUnsettled = 1
	RankLocal     = 2
	RankUnknown   = 3
)

// IdentityKey returns the grouping key for a record. It never fails: a record
// without any identifying field still gets the degenerate composite key.
func IdentityKey(r chat.Record) string {
	if id := strings.TrimSpace(r.ServerID); id != "" {
		return serverKeyPrefix + id
	}
	if id := strings.TrimSpace(r.LocalID); id != "" {
		return localKeyPrefix + id
	}
	return compositeKey(r.SenderID, r.SentAt)
}

func localKey(localID string) string {
	return localKeyPrefix + strings.TrimSpace(localID)
}

func compositeKey(senderID, sentAt string) string {
	return compositeKeyPrefix + strings.TrimSpace(senderID) + "|" + strings.TrimSpace(sentAt)
}

// Rank orders records competing for the same group.
func Rank(r chat.Record) int {
	switch {
	case r.HasServerID() && !r.Status.Unsettled():
		return RankConfirmed
	case r.HasServerID():
		return RankUnsettled
	case r.HasLocalID():
		return RankLocal
	default:
		return RankUnknown
	}
}

// Matches reports whether id names the record exactly: its server id, its
// local id, or its identity key.
func Matches(r chat.Record, id string) bool {
	if id == "" {
		return false
	}
	if r.HasServerID() && strings.TrimSpace(r.ServerID) == id {
		return true
	}
	if r.HasLocalID() && strings.TrimSpace(r.LocalID) == id {
		return true
	}
	return IdentityKey(r) == id
}

// LooselyMatches is the fallback used when no record matches exactly.
func LooselyMatches(r chat.Record, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.ServerID), id) || strings.EqualFold(strings.TrimSpace(r.LocalID), id) {
		return true
	}
	key := IdentityKey(r)
	return strings.EqualFold(strings.TrimPrefix(key, key[:2]), id)
}
