package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
)

// TuningFile 是可选的 YAML 调优文件，未出现的字段保持默认值。
type TuningFile struct {
	Layout            *string        `yaml:"layout"`
	NearLiveItems     *int           `yaml:"nearLiveItems"`
	NearLivePixels    *float64       `yaml:"nearLivePixels"`
	NearHistoryItems  *int           `yaml:"nearHistoryItems"`
	FollowOwnMessages *bool          `yaml:"followOwnMessages"`
	RefineAttempts    *int           `yaml:"refineAttempts"`
	AlignTolerance    *float64       `yaml:"alignTolerance"`
	HighlightDuration *time.Duration `yaml:"highlightDuration"`
	SendTimeout       *time.Duration `yaml:"sendTimeout"`
	EchoWindow        *time.Duration `yaml:"echoWindow"`
	Workers           *int           `yaml:"workers"`
}

// LoadTuningFile 读取并解析调优文件。
func LoadTuningFile(path string) (*TuningFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	return ParseTuning(raw)
}

// ParseTuning 解析 YAML 内容，拒绝未知字段。
func ParseTuning(raw []byte) (*TuningFile, error) {
	var tuning TuningFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&tuning); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	return &tuning, nil
}

// apply 覆盖 cfg 中出现的字段，取值下限与环境变量保持一致。
func (t *TuningFile) apply(cfg *RoomConfig) error {
	if t.Layout != nil {
		layout, ok := chat.ParseDirection(*t.Layout)
		if !ok {
			return fmt.Errorf("invalid tuning layout %q", *t.Layout)
		}
		cfg.Layout = layout
	}

	ints := []struct {
		name string
		src  *int
		dst  *int
		min  int
	}{
		{"nearLiveItems", t.NearLiveItems, &cfg.NearLiveItems, 0},
		{"nearHistoryItems", t.NearHistoryItems, &cfg.NearHistoryItems, 0},
		{"refineAttempts", t.RefineAttempts, &cfg.RefineAttempts, 1},
		{"workers", t.Workers, &cfg.Workers, 1},
	}
	for _, item := range ints {
		if item.src == nil {
			continue
		}
		if *item.src < item.min {
			return fmt.Errorf("invalid tuning %s %d: must be at least %d", item.name, *item.src, item.min)
		}
		*item.dst = *item.src
	}

	floats := []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"nearLivePixels", t.NearLivePixels, &cfg.NearLivePixels},
		{"alignTolerance", t.AlignTolerance, &cfg.AlignTolerance},
	}
	for _, item := range floats {
		if item.src == nil {
			continue
		}
		if *item.src < 0 {
			return fmt.Errorf("invalid tuning %s %v: must not be negative", item.name, *item.src)
		}
		*item.dst = *item.src
	}

	durations := []struct {
		name string
		src  *time.Duration
		dst  *time.Duration
	}{
		{"highlightDuration", t.HighlightDuration, &cfg.HighlightDuration},
		{"sendTimeout", t.SendTimeout, &cfg.SendTimeout},
		{"echoWindow", t.EchoWindow, &cfg.EchoWindow},
	}
	for _, item := range durations {
		if item.src == nil {
			continue
		}
		if *item.src < 0 {
			return fmt.Errorf("invalid tuning %s %v: must not be negative", item.name, *item.src)
		}
		*item.dst = *item.src
	}

	if t.FollowOwnMessages != nil {
		cfg.FollowOwnMessages = *t.FollowOwnMessages
	}
	return nil
}
