package chat

import (
	"log"
	"sync"
	"time"
)

// EventType names an outbound room event.
type EventType string

const (
	EventSequence        EventType = "sequence"
	EventMessagesInvalid EventType = "messagesInvalid"
	EventReachTop        EventType = "reachTop"
	EventScroll          EventType = "scroll"
	EventHighlight       EventType = "highlight"
	EventSendTimeout     EventType = "sendTimeout"
)

// Event is what subscribers of a room receive.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"-"`
}

// InvalidPayload carries decoder diagnostics for one batch.
type InvalidPayload struct {
	Seq    uint64   `json:"seq"`
	Errors []string `json:"errors"`
}

// ReachTopPayload is attached to reachTop events.
type ReachTopPayload struct {
	Loaded int `json:"loaded"`
}

// HighlightPayload turns the transient highlight of one message on or off.
type HighlightPayload struct {
	Key   string `json:"key"`
	Index int    `json:"index"`
	On    bool   `json:"on"`
}

// SendTimeoutPayload names an optimistic send that never got confirmed.
type SendTimeoutPayload struct {
	LocalID string `json:"localId"`
}

const subscriberBuffer = 64

// hub fans room events out to subscribers without ever blocking the room loop.
type hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	closed  bool
	onDrop  func()
	roomTag string
}

func newHub(roomID string, onDrop func()) *hub {
	return &hub{subs: make(map[int]chan Event), onDrop: onDrop, roomTag: roomID}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[room] subscriber too slow, dropped %s event room=%s", ev.Type, h.roomTag)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
