package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testGovernor(windowLen time.Duration, maxCount int) (*Governor, *time.Time) {
	g := NewGovernor(windowLen, maxCount)
	now := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestSlowModeDisabled(t *testing.T) {
	g, _ := testGovernor(0, 0)
	for i := 0; i < 5; i++ {
		ok, wait := g.CheckSlowMode("global", "alice", 0)
		assert.True(t, ok)
		assert.Zero(t, wait)
	}
}

func TestSlowModeRejectsWithinInterval(t *testing.T) {
	g, now := testGovernor(0, 0)

	ok, _ := g.CheckSlowMode("priv", "alice", 10)
	assert.True(t, ok)

	*now = now.Add(3 * time.Second)
	ok, wait := g.CheckSlowMode("priv", "alice", 10)
	assert.False(t, ok)
	assert.Equal(t, 7*time.Second, wait)

	// waiting out the interval admits again
	*now = now.Add(7 * time.Second)
	ok, _ = g.CheckSlowMode("priv", "alice", 10)
	assert.True(t, ok)
}

func TestSlowModeRejectionDoesNotCommit(t *testing.T) {
	g, now := testGovernor(0, 0)
	ok, _ := g.CheckSlowMode("priv", "alice", 10)
	assert.True(t, ok)

	// repeated rejected attempts must not push the accepted timestamp forward
	for i := 0; i < 3; i++ {
		*now = now.Add(2 * time.Second)
		ok, _ = g.CheckSlowMode("priv", "alice", 10)
		assert.False(t, ok)
	}
	*now = now.Add(4 * time.Second) // 10s since the accepted send
	ok, _ = g.CheckSlowMode("priv", "alice", 10)
	assert.True(t, ok)
}

func TestSlowModeIsPerIdentity(t *testing.T) {
	g, _ := testGovernor(0, 0)
	ok, _ := g.CheckSlowMode("priv", "alice", 10)
	assert.True(t, ok)
	ok, _ = g.CheckSlowMode("priv", "bob", 10)
	assert.True(t, ok)
}

func TestRateLimitFixedWindow(t *testing.T) {
	g, now := testGovernor(5*time.Second, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, g.CheckRateLimit("global", "alice"))
	}
	assert.False(t, g.CheckRateLimit("global", "alice"))

	// other identities have their own window
	assert.True(t, g.CheckRateLimit("global", "bob"))

	// window expiry resets the counter
	*now = now.Add(5 * time.Second)
	assert.True(t, g.CheckRateLimit("global", "alice"))
}
