package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/talkroom/backend/internal/scroll"
	chatService "github.com/zhouzirui/talkroom/backend/internal/service/chat"
	"github.com/zhouzirui/talkroom/backend/pkg/utils"
)

// Handler 聊天房间的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册房间相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rooms", h.handleCreateRoom)
	r.Route("/rooms/{roomID}", func(room chi.Router) {
		room.Get("/", h.handleGetRoom)
		room.Delete("/", h.handleCloseRoom)
		room.Get("/messages", h.handleSnapshot)
		room.Post("/messages", h.handleSubmitBatch)
		room.Post("/scroll-target", h.handleScrollTarget)
		room.Post("/fetching", h.handleFetching)
		room.Post("/scroll-to-latest", h.handleScrollToLatest)
		room.Post("/viewport", h.handleViewport)
		room.Post("/layout", h.handleLayout)
	})
}

// handleCreateRoom 创建房间
func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		LocalUserID string `json:"localUserId"`
		Layout      string `json:"layout"`
	}

	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	room, err := h.chatSvc.CreateRoom(r.Context(), payload.LocalUserID, payload.Layout)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, room)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.chatSvc.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, room)
}

func (h *Handler) handleCloseRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.CloseRoom(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshot 返回当前渲染序列
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, room.Snapshot())
}

// handleSubmitBatch 接收原始消息批次，异步对齐后通过事件流推送
func (h *Handler) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}

	payload, err := utils.ReadBody(r)
	if err != nil {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	seq, err := room.SetMessagesBatch(payload)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq})
}

func (h *Handler) handleScrollTarget(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}

	var payload struct {
		TalkID    string `json:"talkId"`
		Alignment string `json:"alignment"`
		Highlight bool   `json:"highlight"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, err := chatService.ParseScrollTarget(payload.TalkID, payload.Alignment, payload.Highlight)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	h.accepted(w, room.SetScrollTarget(target))
}

func (h *Handler) handleFetching(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	value, ok := decodeFlag(w, r)
	if !ok {
		return
	}
	h.accepted(w, room.SetIsFetchingNextPage(value))
}

func (h *Handler) handleScrollToLatest(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	value, ok := decodeFlag(w, r)
	if !ok {
		return
	}
	h.accepted(w, room.SetScrollToLatest(value))
}

func (h *Handler) handleViewport(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	var vp scroll.Viewport
	if err := utils.DecodeJSON(r, &vp); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.accepted(w, room.ReportViewport(vp))
}

func (h *Handler) handleLayout(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	var report scroll.LayoutReport
	if err := utils.DecodeJSON(r, &report); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.accepted(w, room.ReportLayout(report))
}

func (h *Handler) room(w http.ResponseWriter, r *http.Request) (*chatService.Room, bool) {
	room, err := h.chatSvc.Room(chi.URLParam(r, "roomID"))
	if err != nil {
		respondServiceError(w, err)
		return nil, false
	}
	return room, true
}

func (h *Handler) accepted(w http.ResponseWriter, err error) {
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func decodeFlag(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var payload struct {
		Value *bool `json:"value"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.Value == nil {
		utils.RespondError(w, http.StatusBadRequest, "value is required")
		return false, false
	}
	return *payload.Value, true
}

// respondServiceError 将服务层错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrRoomNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrRoomClosed):
		utils.RespondError(w, http.StatusGone, err.Error())
	case errors.Is(err, chatService.ErrInvalidLayout), errors.Is(err, chatService.ErrInvalidTarget):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
