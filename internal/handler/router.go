package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/talkroom/backend/internal/handler/bridge"
	"github.com/zhouzirui/talkroom/backend/internal/handler/chat"
	"github.com/zhouzirui/talkroom/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/talkroom/backend/internal/middleware"
	chatService "github.com/zhouzirui/talkroom/backend/internal/service/chat"
	"github.com/zhouzirui/talkroom/backend/pkg/utils"
)

// Options configures the optional parts of the router.
type Options struct {
	Bridge bridge.Config
	// Metrics serves /metrics when non-nil.
	Metrics   http.Handler
	Heartbeat time.Duration
}

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(chatSvc)
	streamHandler := stream.New(chatSvc, opts.Heartbeat)
	bridgeHandler := bridge.NewWebSocketHandler(chatSvc, opts.Bridge)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(api chi.Router) {
		// Room lifecycle, batches and scroll inputs
		chatHandler.RegisterRoutes(api)

		// Room events as Server-Sent Events
		streamHandler.RegisterRoutes(api)

		// Bidirectional host bridge
		bridgeHandler.RegisterWebSocketRoutes(api)
	})

	return r
}
