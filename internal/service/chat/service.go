package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
	"github.com/zhouzirui/talkroom/backend/internal/scroll"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomClosed    = errors.New("room closed")
	ErrInvalidLayout = errors.New("layout must be inverted or forward")
	ErrInvalidTarget = errors.New("invalid scroll target")
)

// ParseScrollTarget validates host input for SetScrollTarget. A blank talk id
// is valid and clears the target.
func ParseScrollTarget(talkID, alignment string, highlight bool) (chat.ScrollTarget, error) {
	align, ok := chat.ParseAlignment(alignment)
	if !ok {
		return chat.ScrollTarget{}, fmt.Errorf("%w: unknown alignment %q", ErrInvalidTarget, alignment)
	}
	return chat.ScrollTarget{TalkID: strings.TrimSpace(talkID), Alignment: align, Highlight: highlight}, nil
}

// Options tunes every room the service opens.
type Options struct {
	Layout            chat.Direction
	Thresholds        scroll.Thresholds
	RefineAttempts    int
	AlignTolerance    float64
	HighlightDuration time.Duration
	SendTimeout       time.Duration
	EchoWindow        time.Duration
	// Workers bounds concurrent batch decoding across all rooms.
	Workers int64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Layout:            chat.Inverted,
		Thresholds:        scroll.DefaultThresholds(),
		RefineAttempts:    3,
		AlignTolerance:    1,
		HighlightDuration: 1500 * time.Millisecond,
		SendTimeout:       10 * time.Second,
		EchoWindow:        2 * time.Second,
		Workers:           4,
	}
}

// Service is the in-memory registry of open rooms.
type Service struct {
	opts    Options
	metrics *Metrics
	workers *semaphore.Weighted

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewService builds a registry. A nil metrics value gets unregistered collectors.
func NewService(opts Options, metrics *Metrics) *Service {
	if opts.Layout == "" {
		opts.Layout = chat.Inverted
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Service{
		opts:    opts,
		metrics: metrics,
		workers: semaphore.NewWeighted(opts.Workers),
		rooms:   make(map[string]*Room),
	}
}

// CreateRoom opens a room for localUserID. A blank layout uses the default.
func (s *Service) CreateRoom(_ context.Context, localUserID string, layout string) (chat.Room, error) {
	direction := s.opts.Layout
	if layout != "" {
		parsed, ok := chat.ParseDirection(layout)
		if !ok {
			return chat.Room{}, ErrInvalidLayout
		}
		direction = parsed
	}

	info := chat.Room{
		ID:          uuid.NewString(),
		LocalUserID: localUserID,
		Layout:      direction,
		CreatedAt:   time.Now().UTC(),
	}
	room := newRoom(info, s.opts, s.metrics, s.workers)

	s.mu.Lock()
	s.rooms[info.ID] = room
	s.mu.Unlock()

	s.metrics.rooms.Inc()
	log.Printf("[room] opened room=%s layout=%s", info.ID, info.Layout)
	return info, nil
}

// GetRoom retrieves a room description by identifier.
func (s *Service) GetRoom(ctx context.Context, roomID string) (chat.Room, error) {
	room, err := s.Room(roomID)
	if err != nil {
		return chat.Room{}, err
	}
	return room.Info(), nil
}

// Room returns the live room handle.
func (s *Service) Room(roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// CloseRoom stops a room and forgets it.
func (s *Service) CloseRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if !ok {
		return ErrRoomNotFound
	}
	room.Close()
	s.metrics.rooms.Dec()
	log.Printf("[room] closed room=%s", roomID)
	return nil
}

// Close stops every open room.
func (s *Service) Close() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*Room)
	s.mu.Unlock()

	for _, room := range rooms {
		room.Close()
		s.metrics.rooms.Dec()
	}
}
