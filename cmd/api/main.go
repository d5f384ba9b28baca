package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/talkroom/backend/internal/config"
	"github.com/zhouzirui/talkroom/backend/internal/handler"
	"github.com/zhouzirui/talkroom/backend/internal/handler/bridge"
	"github.com/zhouzirui/talkroom/backend/internal/scroll"
	"github.com/zhouzirui/talkroom/backend/internal/service/chat"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var (
		registerer     prometheus.Registerer
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer = reg
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		log.Println("metrics exposed on /metrics")
	} else {
		log.Println("metrics disabled by configuration")
	}

	chatService := chat.NewService(serviceOptions(cfg.Room), chat.NewMetrics(registerer))
	defer chatService.Close()

	router := handler.NewRouter(chatService, handler.Options{
		Bridge:  bridge.Config{RPS: cfg.Bridge.RPS, Burst: cfg.Bridge.Burst},
		Metrics: metricsHandler,
	})

	startServer(ctx, cfg.Server, router)
}

func serviceOptions(room config.RoomConfig) chat.Options {
	return chat.Options{
		Layout: room.Layout,
		Thresholds: scroll.Thresholds{
			NearLiveItems:     room.NearLiveItems,
			NearLivePixels:    room.NearLivePixels,
			NearHistoryItems:  room.NearHistoryItems,
			FollowOwnMessages: room.FollowOwnMessages,
		},
		RefineAttempts:    room.RefineAttempts,
		AlignTolerance:    room.AlignTolerance,
		HighlightDuration: room.HighlightDuration,
		SendTimeout:       room.SendTimeout,
		EchoWindow:        room.EchoWindow,
		Workers:           int64(room.Workers),
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("talkroom backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
