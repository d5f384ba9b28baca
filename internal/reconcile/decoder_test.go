package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

func TestDecodeDropsMalformedElement(t *testing.T) {
	payload := `[
		{"serverId": "1", "senderId": "u1", "sentAt": "2025-01-01T00:00:01Z", "body": "hi"},
		null,
		{"localId": "TEMP_2", "senderId": "u1", "status": "pending"}
	]`

	records, errs := Decode([]byte(payload))

	require.Len(t, records, 2)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "[1]")
	assert.Equal(t, "1", records[0].ServerID)
	assert.Equal(t, chat.StatusPending, records[1].Status)
}

func TestDecodeTopLevelNotArray(t *testing.T) {
	for _, payload := range []string{`{"serverId": "1"}`, `null`, ``, `[{"serverId": "1"}`} {
		records, errs := Decode([]byte(payload))
		assert.Empty(t, records, "payload %q", payload)
		require.Len(t, errs, 1, "payload %q", payload)
		assert.True(t, strings.HasPrefix(errs[0], "payload:"), "got %q", errs[0])
	}
}

func TestDecodeEmptyArray(t *testing.T) {
	records, errs := Decode([]byte(`[]`))
	assert.Empty(t, records)
	assert.Empty(t, errs)
}

func TestDecodeFieldTypeMismatchFailsRecordOnly(t *testing.T) {
	payload := `[
		{"serverId": "1", "senderId": ["u1"]},
		{"serverId": "2", "sentAt": 12},
		{"serverId": "3", "status": "exploded"},
		{"serverId": "4", "body": "ok"}
	]`

	records, errs := Decode([]byte(payload))

	require.Len(t, records, 1)
	assert.Equal(t, "4", records[0].ServerID)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], `[0] field "senderId": expected string, got array`)
	assert.Contains(t, errs[1], `[1] field "sentAt"`)
	assert.Contains(t, errs[2], `[2] field "status": unknown status "exploded"`)
}

func TestDecodeRequiresAnIdentifier(t *testing.T) {
	records, errs := Decode([]byte(`[{"senderId": "u1", "sentAt": "2025-01-01T00:00:00Z"}]`))
	assert.Empty(t, records)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "[0] record has neither serverId nor localId")
}

func TestDecodeToleratesExtrasAndAliases(t *testing.T) {
	payload := `[
		{"talkId": 1042, "senderId": 7, "sentAt": null, "unknown": {"deep": true}},
		{"serverId": "9", "talkId": "ignored", "localId": "TEMP_9"}
	]`

	records, errs := Decode([]byte(payload))

	require.Empty(t, errs)
	require.Len(t, records, 2)
	assert.Equal(t, "1042", records[0].ServerID)
	assert.Equal(t, "7", records[0].SenderID)
	assert.Equal(t, "", records[0].SentAt)
	assert.Equal(t, "9", records[1].ServerID)
	assert.Equal(t, "TEMP_9", records[1].LocalID)
}

func TestDecodeReplySnapshot(t *testing.T) {
	payload := `[
		{"serverId": "2", "replyTo": {"serverId": "1", "body": "parent", "replyTo": {"serverId": "0"}}},
		{"serverId": "3", "replyTo": {"serverId": 5, "sentAt": false}},
		{"serverId": "4", "replyTo": "not-an-object"}
	]`

	records, errs := Decode([]byte(payload))

	require.Empty(t, errs)
	require.Len(t, records, 3)
	require.NotNil(t, records[0].ReplyTo)
	assert.Equal(t, "parent", records[0].ReplyTo.Body)
	require.NotNil(t, records[0].ReplyTo.ReplyTo)
	assert.Equal(t, "0", records[0].ReplyTo.ReplyTo.ServerID)
	assert.Nil(t, records[1].ReplyTo)
	assert.Nil(t, records[2].ReplyTo)
}

func TestDecodeRecordSingle(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"localId": "TEMP_1", "status": "fail"}`))
	require.NoError(t, err)
	assert.Equal(t, chat.StatusFail, rec.Status)

	_, err = DecodeRecord([]byte(`42`))
	require.Error(t, err)
}
