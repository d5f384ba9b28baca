package chat

import "time"

type pendingSend struct {
	timer *time.Timer
	token uint64
}

// sendTimeouts keeps one cancelable timer per optimistic send, keyed by the
// local id. Timers fire through fire, which must hop back onto the room loop.
type sendTimeouts struct {
	after  time.Duration
	fire   func(localID string, token uint64)
	timers map[string]pendingSend
	seq    uint64
}

func newSendTimeouts(after time.Duration, fire func(localID string, token uint64)) *sendTimeouts {
	return &sendTimeouts{after: after, fire: fire, timers: make(map[string]pendingSend)}
}

// arm starts a timer for localID unless one is already running.
func (s *sendTimeouts) arm(localID string) {
	if s.after <= 0 {
		return
	}
	if _, ok := s.timers[localID]; ok {
		return
	}
	s.seq++
	token := s.seq
	s.timers[localID] = pendingSend{
		token: token,
		timer: time.AfterFunc(s.after, func() { s.fire(localID, token) }),
	}
}

// take removes the entry for localID if token still identifies it.
func (s *sendTimeouts) take(localID string, token uint64) bool {
	p, ok := s.timers[localID]
	if !ok || p.token != token {
		return false
	}
	delete(s.timers, localID)
	return true
}

// retain stops every timer whose local id is no longer pending.
func (s *sendTimeouts) retain(pending map[string]bool) {
	for id, p := range s.timers {
		if pending[id] {
			continue
		}
		p.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *sendTimeouts) armed(localID string) bool {
	_, ok := s.timers[localID]
	return ok
}

func (s *sendTimeouts) stopAll() {
	s.retain(nil)
}
