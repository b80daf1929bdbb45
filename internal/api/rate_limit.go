package api

import (
	"sync"
	"time"
)

// submitLimiter bounds how fast submissions arrive, per worker and
// globally, over a sliding one-minute window.
type submitLimiter struct {
	mu         sync.Mutex
	perUserMax int
	globalMax  int
	window     time.Duration
	users      map[string][]int64
	global     []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perUser := getenvInt("DONEZO_SUBMIT_RATE_LIMIT_PER_MIN", 60)
	global := getenvInt("DONEZO_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 3000)
	if perUser < 0 {
		perUser = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perUserMax: perUser,
		globalMax:  global,
		window:     time.Minute,
		users:      map[string][]int64{},
		global:     make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(userID string, now time.Time) bool {
	if l == nil || (l.perUserMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.users[userID], cutoff)
	if l.perUserMax > 0 && len(history) >= l.perUserMax {
		l.users[userID] = history
		return false
	}

	history = append(history, ts)
	l.users[userID] = history
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}
