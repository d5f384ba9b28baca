package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// maxReplyDepth bounds how deep nested reply snapshots are followed.
const maxReplyDepth = 8

var (
	errNotObject  = errors.New("expected object")
	errNoIdentity = errors.New("record has neither serverId nor localId")
)

// Decode turns a serialized batch into records. Elements that fail to decode
// are dropped and described in the returned diagnostics as "[index] reason";
// they never abort the rest of the batch.
func Decode(payload []byte) ([]chat.Record, []string) {
	trimmed := bytes.TrimSpace(payload)
	if kind := jsonKind(trimmed); kind != "array" {
		return nil, []string{fmt.Sprintf("payload: expected array, got %s", kind)}
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, []string{fmt.Sprintf("payload: %v", err)}
	}

	records := make([]chat.Record, 0, len(elements))
	var diagnostics []string
	for i, raw := range elements {
		record, err := decodeRecord(raw, 0)
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("[%d] %v", i, err))
			continue
		}
		if !record.HasServerID() && !record.HasLocalID() {
			diagnostics = append(diagnostics, fmt.Sprintf("[%d] %v", i, errNoIdentity))
			continue
		}
		records = append(records, record)
	}
	return records, diagnostics
}

// DecodeRecord decodes a single record object with the same tolerant rules
// Decode applies to batch elements.
func DecodeRecord(raw []byte) (chat.Record, error) {
	record, err := decodeRecord(raw, 0)
	if err != nil {
		return chat.Record{}, err
	}
	if !record.HasServerID() && !record.HasLocalID() {
		return chat.Record{}, errNoIdentity
	}
	return record, nil
}

func decodeRecord(raw json.RawMessage, depth int) (chat.Record, error) {
	raw = bytes.TrimSpace(raw)
	if kind := jsonKind(raw); kind != "object" {
		return chat.Record{}, fmt.Errorf("%w, got %s", errNotObject, kind)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return chat.Record{}, err
	}

	var (
		record chat.Record
		err    error
	)
	if record.ServerID, err = idField(fields, "serverId"); err != nil {
		return chat.Record{}, err
	}
	if record.ServerID == "" {
		if record.ServerID, err = idField(fields, "talkId"); err != nil {
			return chat.Record{}, err
		}
	}
	if record.LocalID, err = idField(fields, "localId"); err != nil {
		return chat.Record{}, err
	}
	if record.SenderID, err = idField(fields, "senderId"); err != nil {
		return chat.Record{}, err
	}
	if record.SentAt, err = stringField(fields, "sentAt"); err != nil {
		return chat.Record{}, err
	}
	if record.Body, err = stringField(fields, "body"); err != nil {
		return chat.Record{}, err
	}

	status, err := stringField(fields, "status")
	if err != nil {
		return chat.Record{}, err
	}
	record.Status = chat.Status(status)
	if !record.Status.Valid() {
		return chat.Record{}, fmt.Errorf("field %q: unknown status %q", "status", status)
	}

	// A broken reply snapshot only costs the snapshot, not the record.
	if parent, ok := fields["replyTo"]; ok && depth < maxReplyDepth && jsonKind(bytes.TrimSpace(parent)) == "object" {
		if snapshot, err := decodeRecord(parent, depth+1); err == nil {
			record.ReplyTo = &snapshot
		}
	}

	return record, nil
}

// stringField reads an optional string; null and absent both yield "".
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	switch kind := jsonKind(raw); kind {
	case "null":
		return "", nil
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("field %q: %w", name, err)
		}
		return s, nil
	default:
		return "", fmt.Errorf("field %q: expected string, got %s", name, kind)
	}
}

// idField is stringField that also accepts numeric ids, keeping their literal text.
func idField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if ok && jsonKind(bytes.TrimSpace(raw)) == "number" {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("field %q: %w", name, err)
		}
		return n.String(), nil
	}
	return stringField(fields, name)
}

func jsonKind(raw []byte) string {
	if len(raw) == 0 {
		return "empty input"
	}
	switch c := raw[0]; {
	case c == '{':
		return "object"
	case c == '[':
		return "array"
	case c == '"':
		return "string"
	case c == 't' || c == 'f':
		return "boolean"
	case c == 'n':
		return "null"
	case c == '-' || (c >= '0' && c <= '9'):
		return "number"
	default:
		return "invalid JSON"
	}
}
