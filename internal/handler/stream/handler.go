package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/talkroom/backend/internal/service/chat"
	"github.com/zhouzirui/talkroom/backend/pkg/utils"
)

// DefaultHeartbeat keeps idle proxies from closing the stream.
const DefaultHeartbeat = 15 * time.Second

// Handler streams room events to the host via Server-Sent Events
type Handler struct {
	chatSvc   *chatService.Service
	heartbeat time.Duration
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{chatSvc: chatSvc, heartbeat: heartbeat}
}

// StreamStatus is the payload of the ready and closed frames.
type StreamStatus struct {
	Event  string                `json:"event"`
	RoomID string                `json:"roomId"`
	Seq    uint64                `json:"seq"`
	Latest *chatService.Snapshot `json:"latest,omitempty"`
}

// RegisterRoutes mounts GET /stream/{roomID}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomID")
		if err := h.HandleStreamRequest(r.Context(), w, roomID); err != nil {
			switch {
			case errors.Is(err, chatService.ErrRoomNotFound):
				utils.RespondError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, errStreamingUnsupported):
				utils.RespondError(w, http.StatusInternalServerError, err.Error())
			default:
				log.Printf("[stream] error handling request: %v", err)
			}
		}
	})
}

var errStreamingUnsupported = errors.New("streaming unsupported")

// HandleStreamRequest sends the current snapshot, then every room event until
// the client goes away or the room closes.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, roomID string) error {
	room, err := h.chatSvc.Room(roomID)
	if err != nil {
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return errStreamingUnsupported
	}

	events, unsubscribe := room.Subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var id uint64
	send := func(event string, data any) error {
		id++
		return utils.SendSSEEvent(w, flusher, event, id, data)
	}

	snapshot := room.Snapshot()
	if err := send("ready", StreamStatus{Event: "ready", RoomID: roomID, Seq: snapshot.Seq, Latest: snapshot}); err != nil {
		return err
	}
	log.Printf("[stream] opened room=%s", roomID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[stream] client left room=%s", roomID)
			return nil
		case t := <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat "+t.UTC().Format(time.RFC3339)); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				log.Printf("[stream] room closed room=%s", roomID)
				return send("closed", StreamStatus{Event: "closed", RoomID: roomID, Seq: room.Snapshot().Seq})
			}
			if err := send(string(ev.Type), ev); err != nil {
				return fmt.Errorf("room %s: %w", roomID, err)
			}
		}
	}
}
