package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/talkroom/backend/internal/scroll"
	chatservice "github.com/zhouzirui/talkroom/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Inbound frame types sent by the host shell.
const (
	TypeMessages         = "messages"
	TypeScrollTarget     = "scrollTarget"
	TypeFetchingNextPage = "fetchingNextPage"
	TypeScrollToLatest   = "scrollToLatest"
	TypeViewport         = "viewport"
	TypeLayout           = "layout"
)

var errRateLimited = errors.New("rate limited")

// Config 限制单个连接的入站帧速率。
type Config struct {
	RPS   float64
	Burst int
}

// WebSocketHandler 宿主桥接的WebSocket处理器
type WebSocketHandler struct {
	chatSvc  *chatservice.Service
	cfg      Config
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service, cfg Config) *WebSocketHandler {
	if cfg.RPS <= 0 {
		cfg.RPS = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	return &WebSocketHandler{
		chatSvc: chatSvc,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{roomID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TargetMessage 滚动目标
type TargetMessage struct {
	TalkID    string `json:"talkId"`
	Alignment string `json:"alignment"`
	Highlight bool   `json:"highlight"`
}

// FlagMessage 布尔开关
type FlagMessage struct {
	Value *bool `json:"value"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection serializes writes; gorilla allows one concurrent writer.
type connection struct {
	conn    *websocket.Conn
	roomID  string
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func (c *connection) write(msg outgoingMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		http.Error(w, "roomID is required", http.StatusBadRequest)
		return
	}

	room, err := h.chatSvc.Room(roomID)
	if err != nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[bridge] new connection for room: %s", roomID)

	events, unsubscribe := room.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{
		conn:    conn,
		roomID:  roomID,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RPS), h.cfg.Burst),
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)
	go h.forwardEvents(ctx, cancel, c, events)

	info := room.Info()
	h.sendInfo(c, map[string]any{
		"type":   "connected",
		"layout": info.Layout,
		"seq":    room.Snapshot().Seq,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var msg inboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[bridge] read error: %v", err)
				}
				return
			}

			conn.SetReadDeadline(time.Now().Add(readTimeout))

			if !c.limiter.Allow() {
				h.sendError(c, errRateLimited.Error())
				continue
			}
			if msg.RoomID != "" && msg.RoomID != roomID {
				h.sendError(c, "room mismatch")
				continue
			}

			ack, err := h.applyMessage(room, &msg)
			if err != nil {
				h.sendError(c, err.Error())
				if errors.Is(err, chatservice.ErrRoomClosed) {
					return
				}
				continue
			}
			if ack != nil {
				h.sendInfo(c, ack)
			}
		}
	}
}

// applyMessage hands one host frame to the room. It returns an optional
// acknowledgement payload.
func (h *WebSocketHandler) applyMessage(room *chatservice.Room, msg *inboundMessage) (map[string]any, error) {
	switch msg.Type {
	case TypeMessages:
		if len(msg.Data) == 0 {
			return nil, errors.New("messages frame has no data")
		}
		seq, err := room.SetMessagesBatch(msg.Data)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": "accepted", "seq": seq}, nil

	case TypeScrollTarget:
		var payload TargetMessage
		if err := decodeData(msg, &payload); err != nil {
			return nil, err
		}
		target, err := chatservice.ParseScrollTarget(payload.TalkID, payload.Alignment, payload.Highlight)
		if err != nil {
			return nil, err
		}
		return nil, room.SetScrollTarget(target)

	case TypeFetchingNextPage, TypeScrollToLatest:
		var payload FlagMessage
		if err := decodeData(msg, &payload); err != nil {
			return nil, err
		}
		if payload.Value == nil {
			return nil, fmt.Errorf("%s: value is required", msg.Type)
		}
		if msg.Type == TypeFetchingNextPage {
			return nil, room.SetIsFetchingNextPage(*payload.Value)
		}
		return nil, room.SetScrollToLatest(*payload.Value)

	case TypeViewport:
		var vp scroll.Viewport
		if err := decodeData(msg, &vp); err != nil {
			return nil, err
		}
		return nil, room.ReportViewport(vp)

	case TypeLayout:
		var report scroll.LayoutReport
		if err := decodeData(msg, &report); err != nil {
			return nil, err
		}
		return nil, room.ReportLayout(report)

	default:
		return nil, fmt.Errorf("unsupported message type: %s", msg.Type)
	}
}

func decodeData(msg *inboundMessage, dst any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: data is required", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		return fmt.Errorf("%s: invalid data: %w", msg.Type, err)
	}
	return nil
}

// forwardEvents pushes room events to the host until the room or the
// connection goes away.
func (h *WebSocketHandler) forwardEvents(ctx context.Context, cancel context.CancelFunc, c *connection, events <-chan chatservice.Event) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				h.sendInfo(c, map[string]any{"type": "closed"})
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"),
					time.Now().Add(writeTimeout))
				c.conn.Close()
				return
			}
			msg := outgoingMessage{
				Type:      string(ev.Type),
				RoomID:    ev.RoomID,
				Data:      ev.Data,
				Timestamp: ev.At.UnixMilli(),
			}
			if err := c.write(msg); err != nil {
				log.Printf("[bridge] write failed room=%s: %v", c.roomID, err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) sendInfo(c *connection, data map[string]any) {
	msg := outgoingMessage{
		Type:      "info",
		RoomID:    c.roomID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.write(msg); err != nil {
		log.Printf("[bridge] send info failed: %v", err)
	}
}

func (h *WebSocketHandler) sendError(c *connection, message string) {
	msg := outgoingMessage{
		Type:      "error",
		RoomID:    c.roomID,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.write(msg); err != nil {
		log.Printf("[bridge] send error failed: %v", err)
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
