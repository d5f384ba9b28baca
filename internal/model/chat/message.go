package chat

import "strings"

// Status tracks the delivery state of a record as reported by the host.
type Status string

const (
	StatusConfirmed Status = ""
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFail      Status = "fail"
)

// Valid reports whether s is one of the known delivery states.
func (s Status) Valid() bool {
	switch s {
	case StatusConfirmed, StatusPending, StatusSent, StatusFail:
		return true
	}
	return false
}

// Unsettled is true for records that have not round-tripped successfully.
func (s Status) Unsettled() bool {
	return s == StatusPending || s == StatusFail
}

// Record is one message as received from the network or a local send,
// before reconciliation.
type Record struct {
	ServerID string  `json:"serverId,omitempty"`
	LocalID  string  `json:"localId,omitempty"`
	SenderID string  `json:"senderId,omitempty"`
	SentAt   string  `json:"sentAt,omitempty"`
	Body     string  `json:"body,omitempty"`
	Status   Status  `json:"status,omitempty"`
	ReplyTo  *Record `json:"replyTo,omitempty"`
}

// HasServerID reports whether the record carries a non-blank server id.
func (r Record) HasServerID() bool {
	return strings.TrimSpace(r.ServerID) != ""
}

// HasLocalID reports whether the record carries a non-blank local id.
func (r Record) HasLocalID() bool {
	return strings.TrimSpace(r.LocalID) != ""
}

// WithStatus returns a copy of r carrying status.
func (r Record) WithStatus(status Status) Record {
	r.Status = status
	return r
}
