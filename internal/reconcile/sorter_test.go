package reconcile

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

func forward() *Reconciler  { return New(Options{Direction: chat.Forward}) }
func inverted() *Reconciler { return New(Options{Direction: chat.Inverted}) }

func serverIDs(records []chat.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ServerID
		if ids[i] == "" {
			ids[i] = "local:" + r.LocalID
		}
	}
	return ids
}

// messyBatch mixes confirmations, optimistic sends, retries and history pages.
func messyBatch() []chat.Record {
	return []chat.Record{
		{ServerID: "100", LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:01Z", Body: "hello"},
		{LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Body: "hello", Status: chat.StatusPending},
		{ServerID: "101", SenderID: "u2", SentAt: "2025-01-01T00:00:05Z", Body: "yo"},
		{ServerID: "101", SenderID: "u2", SentAt: "2025-01-01T00:00:05Z", Body: "yo"},
		{ServerID: "99", SenderID: "u2", SentAt: "2024-12-31T23:59:59Z", Body: "older"},
		{LocalID: "TEMP_2", SenderID: "u1", Body: "no time yet", Status: chat.StatusPending},
		{LocalID: "TEMP_3", SenderID: "u1", SentAt: "2025-01-01T00:00:09Z", Body: "retry", Status: chat.StatusFail},
		{LocalID: "TEMP_3", SenderID: "u1", SentAt: "2025-01-01T00:00:10Z", Body: "retry", Status: chat.StatusPending},
		{ServerID: "102", SenderID: "u2", SentAt: "2025-01-01T00:00:05Z", Body: "same instant"},
		{ServerID: "103", SenderID: "u3", SentAt: "yesterday-ish", Body: "opaque time"},
		{ServerID: "104", SenderID: "u3", Status: chat.StatusPending, Body: "server pending"},
		{ServerID: "104", SenderID: "u3", SentAt: "2025-01-01T00:00:11Z", Body: "server confirmed"},
	}
}

func TestDedupSortEmpty(t *testing.T) {
	out := forward().DedupSort(nil)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestDedupSortIdempotent(t *testing.T) {
	for _, rc := range []*Reconciler{forward(), inverted(), New(Options{EchoWindow: 5 * time.Second})} {
		once := rc.DedupSort(messyBatch())
		twice := rc.DedupSort(once)
		assert.Equal(t, once, twice, "direction %s", rc.Direction())
	}
}

func TestDedupSortDistinctIdentityKeys(t *testing.T) {
	out := forward().DedupSort(messyBatch())
	seen := make(map[string]bool, len(out))
	for _, r := range out {
		key := IdentityKey(r)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestDedupSortPrefersConfirmed(t *testing.T) {
	confirmed := chat.Record{ServerID: "100", LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z"}
	pending := chat.Record{LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Status: chat.StatusPending}

	for _, in := range [][]chat.Record{{confirmed, pending}, {pending, confirmed}} {
		out := forward().DedupSort(in)
		require.Len(t, out, 1)
		assert.Equal(t, confirmed, out[0])
	}
}

func TestDedupSortServerPendingLosesToConfirmed(t *testing.T) {
	out := forward().DedupSort([]chat.Record{
		{ServerID: "7", Status: chat.StatusFail, SentAt: "2025-01-01T00:00:09Z"},
		{ServerID: "7", SentAt: "2025-01-01T00:00:01Z"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, chat.StatusConfirmed, out[0].Status)
}

func TestDedupSortRankTiePrefersLaterSentAt(t *testing.T) {
	out := forward().DedupSort([]chat.Record{
		{LocalID: "TEMP_3", SentAt: "2025-01-01T00:00:10Z", Status: chat.StatusPending},
		{LocalID: "TEMP_3", SentAt: "2025-01-01T00:00:09Z", Status: chat.StatusFail},
	})
	require.Len(t, out, 1)
	assert.Equal(t, chat.StatusPending, out[0].Status)
}

func TestDedupSortShuffleInvariant(t *testing.T) {
	// Echo-window candidates on top of the messy batch: one unique pair, one
	// ambiguous pair, and a send stamped after its look-alike confirmation.
	batch := func() []chat.Record {
		return append(messyBatch(),
			chat.Record{LocalID: "TEMP_7", SenderID: "u1", SentAt: "2025-01-01T00:00:20Z", Body: "done", Status: chat.StatusPending},
			chat.Record{ServerID: "107", SenderID: "u1", SentAt: "2025-01-01T00:00:21Z", Body: "done"},
			chat.Record{LocalID: "TEMP_8", SenderID: "u1", SentAt: "2025-01-01T00:00:30Z", Body: "ok", Status: chat.StatusPending},
			chat.Record{LocalID: "TEMP_9", SenderID: "u1", SentAt: "2025-01-01T00:00:30.2Z", Body: "ok", Status: chat.StatusPending},
			chat.Record{ServerID: "108", SenderID: "u1", SentAt: "2025-01-01T00:00:31Z", Body: "ok"},
			chat.Record{ServerID: "109", SenderID: "u1", SentAt: "2025-01-01T00:00:40Z", Body: "again"},
			chat.Record{LocalID: "TEMP_10", SenderID: "u1", SentAt: "2025-01-01T00:00:41Z", Body: "again", Status: chat.StatusPending},
		)
	}
	windowed := []*Reconciler{
		New(Options{Direction: chat.Forward, EchoWindow: 5 * time.Second}),
		New(Options{Direction: chat.Inverted, EchoWindow: 5 * time.Second}),
	}

	rng := rand.New(rand.NewSource(42))
	for _, rc := range append([]*Reconciler{forward(), inverted()}, windowed...) {
		want := rc.DedupSort(batch())
		assert.Equal(t, want, rc.DedupSort(want), "idempotent")
		for i := 0; i < 50; i++ {
			shuffled := batch()
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			assert.Equal(t, want, rc.DedupSort(shuffled), "shuffle %d", i)
		}
	}

	out := windowed[0].DedupSort(batch())
	ids := serverIDs(out)
	assert.NotContains(t, ids, "local:TEMP_7")
	assert.Contains(t, ids, "local:TEMP_8")
	assert.Contains(t, ids, "local:TEMP_9")
	assert.Contains(t, ids, "local:TEMP_10")
}

func TestDedupSortBasicOptimisticSend(t *testing.T) {
	pending := chat.Record{LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Status: chat.StatusPending}
	confirmed := chat.Record{ServerID: "100", SenderID: "u1", SentAt: "2025-01-01T00:00:01Z"}

	t.Run("echoed local id", func(t *testing.T) {
		echoed := confirmed
		echoed.LocalID = "TEMP_1"
		out := forward().DedupSort([]chat.Record{pending, echoed})
		require.Len(t, out, 1)
		assert.Equal(t, "100", out[0].ServerID)
	})

	t.Run("matched within echo window", func(t *testing.T) {
		rc := New(Options{Direction: chat.Forward, EchoWindow: 2 * time.Second})
		out := rc.DedupSort([]chat.Record{pending, confirmed})
		require.Len(t, out, 1)
		assert.Equal(t, "100", out[0].ServerID)
	})

	t.Run("window disabled keeps both", func(t *testing.T) {
		out := forward().DedupSort([]chat.Record{pending, confirmed})
		assert.Len(t, out, 2)
	})

	t.Run("outside window keeps both", func(t *testing.T) {
		rc := New(Options{Direction: chat.Forward, EchoWindow: 500 * time.Millisecond})
		out := rc.DedupSort([]chat.Record{pending, confirmed})
		assert.Len(t, out, 2)
	})
}

func TestDedupSortWindowRequiresSameSenderAndBody(t *testing.T) {
	rc := New(Options{Direction: chat.Forward, EchoWindow: time.Minute})
	out := rc.DedupSort([]chat.Record{
		{LocalID: "TEMP_1", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Body: "a", Status: chat.StatusPending},
		{ServerID: "1", SenderID: "u2", SentAt: "2025-01-01T00:00:00Z", Body: "a"},
		{ServerID: "2", SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Body: "b"},
	})
	assert.Len(t, out, 3)
}

func TestDedupSortWindowKeepsDistinctSends(t *testing.T) {
	rc := New(Options{Direction: chat.Forward, EchoWindow: 2 * time.Second})

	t.Run("later send survives an earlier confirmation", func(t *testing.T) {
		out := rc.DedupSort([]chat.Record{
			{ServerID: "100", SenderID: "me", SentAt: "2025-01-01T00:00:00Z", Body: "ok"},
			{LocalID: "TEMP_2", SenderID: "me", SentAt: "2025-01-01T00:00:01Z", Body: "ok", Status: chat.StatusPending},
		})
		assert.Equal(t, []string{"100", "local:TEMP_2"}, serverIDs(out))
	})

	t.Run("echoed confirmation is not reused", func(t *testing.T) {
		out := rc.DedupSort([]chat.Record{
			{ServerID: "100", LocalID: "TEMP_1", SenderID: "me", SentAt: "2025-01-01T00:00:01Z", Body: "ok"},
			{LocalID: "TEMP_1", SenderID: "me", SentAt: "2025-01-01T00:00:00Z", Body: "ok", Status: chat.StatusPending},
			{LocalID: "TEMP_2", SenderID: "me", SentAt: "2025-01-01T00:00:00.5Z", Body: "ok", Status: chat.StatusPending},
		})
		assert.Equal(t, []string{"local:TEMP_2", "100"}, serverIDs(out))
	})

	t.Run("ambiguous sends stay visible", func(t *testing.T) {
		in := []chat.Record{
			{LocalID: "TEMP_1", SenderID: "me", SentAt: "2025-01-01T00:00:00Z", Body: "ok", Status: chat.StatusPending},
			{LocalID: "TEMP_2", SenderID: "me", SentAt: "2025-01-01T00:00:00.1Z", Body: "ok", Status: chat.StatusPending},
			{ServerID: "100", SenderID: "me", SentAt: "2025-01-01T00:00:01Z", Body: "ok"},
		}
		out := rc.DedupSort(in)
		assert.Equal(t, []string{"local:TEMP_1", "local:TEMP_2", "100"}, serverIDs(out))
		assert.Equal(t, out, rc.DedupSort(out))
	})
}

func TestDedupSortReplySnapshotDecidesTies(t *testing.T) {
	older := chat.Record{ServerID: "1", SenderID: "u2", SentAt: "2025-01-01T00:00:00Z", Body: "original"}
	edited := older
	edited.Body = "edited"

	a := chat.Record{ServerID: "5", SenderID: "u1", SentAt: "2025-01-01T00:01:00Z", Body: "reply", ReplyTo: &older}
	b := a
	b.ReplyTo = &edited

	first := forward().DedupSort([]chat.Record{a, b})
	second := forward().DedupSort([]chat.Record{b, a})
	require.Len(t, first, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, "original", first[0].ReplyTo.Body)
}

func TestDedupSortChronological(t *testing.T) {
	in := []chat.Record{
		{ServerID: "b", SentAt: "2025-01-01T02:00:00Z"},
		{ServerID: "a", SentAt: "2025-01-01T01:00:00Z"},
		{ServerID: "c", SentAt: "2025-01-01T03:00:00Z"},
	}
	assert.Equal(t, []string{"a", "b", "c"}, serverIDs(forward().DedupSort(in)))
	assert.Equal(t, []string{"c", "b", "a"}, serverIDs(inverted().DedupSort(in)))
}

func TestDedupSortBlankSentAtLast(t *testing.T) {
	in := []chat.Record{
		{LocalID: "TEMP_2", Status: chat.StatusPending},
		{ServerID: "2", SentAt: "not a time"},
		{ServerID: "1", SentAt: "2025-01-01T01:00:00Z"},
		{ServerID: "3", SentAt: "2025-01-01T03:00:00Z"},
	}
	assert.Equal(t, []string{"1", "3", "2", "local:TEMP_2"}, serverIDs(forward().DedupSort(in)))
	assert.Equal(t, []string{"3", "1", "2", "local:TEMP_2"}, serverIDs(inverted().DedupSort(in)))
}

func TestDedupSortTieBreaks(t *testing.T) {
	in := []chat.Record{
		{LocalID: "b", SentAt: "2025-01-01T00:00:00Z"},
		{ServerID: "2", SentAt: "2025-01-01T00:00:00Z"},
		{ServerID: "10", SentAt: "2025-01-01T00:00:00Z"},
		{LocalID: "a", SentAt: "2025-01-01T00:00:00Z"},
	}
	assert.Equal(t, []string{"local:a", "local:b", "10", "2"}, serverIDs(forward().DedupSort(in)))
}

func TestDedupSortCompositeCollision(t *testing.T) {
	// Records without any id collapse on sender+sentAt; one of them is dropped.
	in := []chat.Record{
		{SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Body: "first"},
		{SenderID: "u1", SentAt: "2025-01-01T00:00:00Z", Body: "second"},
	}
	out := forward().DedupSort(in)
	require.Len(t, out, 1)
	assert.Equal(t, "second", out[0].Body)
}

func TestDedupSortConflictingEchoes(t *testing.T) {
	in := []chat.Record{
		{ServerID: "20", LocalID: "TEMP_1", SentAt: "2025-01-01T00:00:02Z"},
		{ServerID: "10", LocalID: "TEMP_1", SentAt: "2025-01-01T00:00:01Z"},
		{LocalID: "TEMP_1", Status: chat.StatusPending, SentAt: "2025-01-01T00:00:00Z"},
	}
	out := forward().DedupSort(in)
	assert.Equal(t, []string{"10", "20"}, serverIDs(out))
	assert.Equal(t, out, forward().DedupSort(out))
}

func TestDedupSortLargeBatch(t *testing.T) {
	var in []chat.Record
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 500; i++ {
		at := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		in = append(in,
			chat.Record{ServerID: fmt.Sprint(i), LocalID: fmt.Sprintf("TEMP_%d", i), SentAt: at},
			chat.Record{LocalID: fmt.Sprintf("TEMP_%d", i), SentAt: at, Status: chat.StatusPending},
		)
	}
	out := inverted().DedupSort(in)
	require.Len(t, out, 500)
	assert.Equal(t, "499", out[0].ServerID)
	assert.Equal(t, "0", out[len(out)-1].ServerID)
}
