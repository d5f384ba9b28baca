package chat

import "time"

// Room captures one chat-room surface hosted by a client shell.
type Room struct {
	ID          string    `json:"id"`
	LocalUserID string    `json:"localUserId"`
	Layout      Direction `json:"layout"`
	CreatedAt   time.Time `json:"createdAt"`
}
