// Package ratelimit decides, per (room, nick) pair, whether a message
// submission is currently admitted. It combines the room slow-mode throttle
// with a fixed-window abuse limit. All state is in memory and ephemeral.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow   = 5 * time.Second
	DefaultMaxCount = 10
)

type window struct {
	start time.Time
	count int
}

// Governor holds the throttling state for every (room, nick) pair. Entries
// are created lazily and reset implicitly when their window elapses. A check
// and its commit happen atomically under the governor mutex, so two
// concurrent sends from the same nick cannot both pass a slow-mode check
// before either commits.
type Governor struct {
	mu sync.Mutex

	lastAccepted map[string]time.Time
	windows      map[string]*window

	windowLen time.Duration
	maxCount  int

	now func() time.Time
}

func NewGovernor(windowLen time.Duration, maxCount int) *Governor {
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &Governor{
		lastAccepted: make(map[string]time.Time),
		windows:      make(map[string]*window),
		windowLen:    windowLen,
		maxCount:     maxCount,
		now:          time.Now,
	}
}

func key(roomId, nick string) string {
	return roomId + "\x00" + nick
}

// CheckSlowMode admits or rejects a send under the room's slow-mode interval
// (seconds, 0 disables). An admitted check commits the acceptance timestamp
// before returning. On rejection the remaining wait is returned.
func (g *Governor) CheckSlowMode(roomId, nick string, slowModeSec int) (bool, time.Duration) {
	if slowModeSec <= 0 {
		return true, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := key(roomId, nick)
	interval := time.Duration(slowModeSec) * time.Second
	if last, ok := g.lastAccepted[k]; ok {
		if elapsed := now.Sub(last); elapsed < interval {
			return false, interval - elapsed
		}
	}
	g.lastAccepted[k] = now
	return true, 0
}

// CheckRateLimit counts the send against the fixed window and reports whether
// it is still within bounds. An expired window restarts at count 1.
func (g *Governor) CheckRateLimit(roomId, nick string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := key(roomId, nick)
	w, ok := g.windows[k]
	if !ok || now.Sub(w.start) >= g.windowLen {
		g.windows[k] = &window{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= g.maxCount
}
