package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Room    RoomConfig
	Bridge  BridgeConfig
	Metrics MetricsConfig
}

// Load 从环境变量加载配置，TALKROOM_TUNING_FILE 指向的 YAML 文件先被应用，环境变量优先。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	room, err := loadRoomConfig()
	if err != nil {
		return nil, err
	}

	bridge, err := loadBridgeConfig()
	if err != nil {
		return nil, err
	}

	metricsEnabled, err := parseBoolEnv("METRICS_ENABLED", true)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Room:    room,
		Bridge:  bridge,
		Metrics: MetricsConfig{Enabled: metricsEnabled},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// RoomConfig 描述消息对齐与滚动相关的调优参数。
type RoomConfig struct {
	Layout            chat.Direction
	NearLiveItems     int
	NearLivePixels    float64
	NearHistoryItems  int
	FollowOwnMessages bool
	RefineAttempts    int
	AlignTolerance    float64
	HighlightDuration time.Duration
	SendTimeout       time.Duration
	EchoWindow        time.Duration
	Workers           int
}

// DefaultRoomConfig 返回未做任何覆盖时的默认值。
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Layout:            chat.Inverted,
		NearLiveItems:     2,
		NearLivePixels:    48,
		NearHistoryItems:  3,
		FollowOwnMessages: false,
		RefineAttempts:    3,
		AlignTolerance:    1,
		HighlightDuration: 1500 * time.Millisecond,
		SendTimeout:       10 * time.Second,
		EchoWindow:        2 * time.Second,
		Workers:           4,
	}
}

// BridgeConfig 限制单个 websocket 连接的入站帧速率。
type BridgeConfig struct {
	RPS   float64
	Burst int
}

// MetricsConfig 控制 /metrics 是否暴露。
type MetricsConfig struct {
	Enabled bool
}

func loadRoomConfig() (RoomConfig, error) {
	cfg := DefaultRoomConfig()

	if path := strings.TrimSpace(os.Getenv("TALKROOM_TUNING_FILE")); path != "" {
		tuning, err := LoadTuningFile(path)
		if err != nil {
			return RoomConfig{}, err
		}
		if err := tuning.apply(&cfg); err != nil {
			return RoomConfig{}, err
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ROOM_LAYOUT")); raw != "" {
		layout, ok := chat.ParseDirection(raw)
		if !ok {
			return RoomConfig{}, fmt.Errorf("invalid ROOM_LAYOUT value %q", raw)
		}
		cfg.Layout = layout
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"NEAR_LIVE_ITEMS", &cfg.NearLiveItems, 0},
		{"NEAR_HISTORY_ITEMS", &cfg.NearHistoryItems, 0},
		{"REFINE_ATTEMPTS", &cfg.RefineAttempts, 1},
		{"PIPELINE_WORKERS", &cfg.Workers, 1},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return RoomConfig{}, err
		}
		if val == nil {
			continue
		}
		if *val < item.min {
			return RoomConfig{}, fmt.Errorf("invalid %s value %d: must be at least %d", item.key, *val, item.min)
		}
		*item.dst = *val
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"NEAR_LIVE_PIXELS", &cfg.NearLivePixels},
		{"ALIGN_TOLERANCE", &cfg.AlignTolerance},
	}
	for _, item := range floats {
		val, err := parseOptionalFloatEnv(item.key)
		if err != nil {
			return RoomConfig{}, err
		}
		if val == nil {
			continue
		}
		if *val < 0 {
			return RoomConfig{}, fmt.Errorf("invalid %s value %v: must not be negative", item.key, *val)
		}
		*item.dst = *val
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HIGHLIGHT_DURATION", &cfg.HighlightDuration},
		{"SEND_TIMEOUT", &cfg.SendTimeout},
		{"ECHO_WINDOW", &cfg.EchoWindow},
	}
	for _, item := range durations {
		val, err := parseOptionalDurationEnv(item.key)
		if err != nil {
			return RoomConfig{}, err
		}
		if val != nil {
			*item.dst = *val
		}
	}

	follow, err := parseBoolEnv("FOLLOW_OWN_MESSAGES", cfg.FollowOwnMessages)
	if err != nil {
		return RoomConfig{}, err
	}
	cfg.FollowOwnMessages = follow

	return cfg, nil
}

func loadBridgeConfig() (BridgeConfig, error) {
	cfg := BridgeConfig{RPS: 50, Burst: 100}

	rps, err := parseOptionalFloatEnv("BRIDGE_RPS")
	if err != nil {
		return BridgeConfig{}, err
	}
	if rps != nil {
		if *rps <= 0 {
			return BridgeConfig{}, fmt.Errorf("invalid BRIDGE_RPS value %v: must be positive", *rps)
		}
		cfg.RPS = *rps
	}

	burst, err := parseOptionalIntEnv("BRIDGE_BURST")
	if err != nil {
		return BridgeConfig{}, err
	}
	if burst != nil {
		if *burst < 1 {
			return BridgeConfig{}, fmt.Errorf("invalid BRIDGE_BURST value %d: must be at least 1", *burst)
		}
		cfg.Burst = *burst
	}

	return cfg, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseOptionalDurationEnv 接受 "1500ms" 这类写法，纯数字按毫秒处理。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	if ms, err := strconv.Atoi(value); err == nil {
		d := time.Duration(ms) * time.Millisecond
		if d < 0 {
			return nil, fmt.Errorf("invalid %s value %q: must not be negative", key, value)
		}
		return &d, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("invalid %s value %q: must not be negative", key, value)
	}
	return &d, nil
}
