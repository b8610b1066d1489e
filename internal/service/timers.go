package service

import (
	"sync"
	"time"
)

// Action names a delayed per-plug action.
type Action string

const (
	ActionOn         Action = "on"
	ActionOff        Action = "off"
	ActionConnect    Action = "connect"
	ActionDisconnect Action = "disconnect"
	ActionSysOn      Action = "sys_on"
	ActionSysOff     Action = "sys_off"
	ActionRecheck    Action = "recheck"
)

func (a Action) opposite() (Action, bool) {
	switch a {
	case ActionOn:
		return ActionOff, true
	case ActionOff:
		return ActionOn, true
	}
	return "", false
}

type timerKey struct {
	ip     string
	action Action
}

// Scheduler keeps at most one pending timer per (ip, action).
// Arming "on" cancels a pending "off" for the same ip and vice versa.
type Scheduler struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[timerKey]*time.Timer)}
}

// Schedule runs fn after delay unless cancelled or replaced first.
func (s *Scheduler) Schedule(ip string, action Action, delay time.Duration, fn func()) {
	key := timerKey{ip: ip, action: action}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opp, ok := action.opposite(); ok {
		s.stopLocked(timerKey{ip: ip, action: opp})
	}
	s.stopLocked(key)

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

// Cancel stops the pending timer for (ip, action). It reports whether one was pending.
func (s *Scheduler) Cancel(ip string, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(timerKey{ip: ip, action: action})
}

func (s *Scheduler) Pending(ip string, action Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[timerKey{ip: ip, action: action}]
	return ok
}

// CancelAll stops every pending timer.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.timers {
		s.stopLocked(k)
	}
}

func (s *Scheduler) stopLocked(key timerKey) bool {
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, key)
	return true
}
