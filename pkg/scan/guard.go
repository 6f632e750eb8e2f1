package scan

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCooldown is the quiet period after each processed payload.
const DefaultCooldown = 1500 * time.Millisecond

// ErrIgnored is returned for a payload dropped because another one is being
// processed or the cooldown has not elapsed.
var ErrIgnored = errors.New("scan: payload ignored")

// Guard lets one payload through at a time and then holds the door shut for
// the cooldown, whether processing succeeded or not. A continuous decoder
// reports the same code many times per second; the guard keeps only the first.
type Guard struct {
	mu       sync.Mutex
	busy     bool
	until    time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewGuard returns a Guard. A non-positive cooldown uses DefaultCooldown.
func NewGuard(cooldown time.Duration) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Guard{cooldown: cooldown, now: time.Now}
}

// Do runs fn with payload unless the guard is busy or cooling down, in which
// case it returns ErrIgnored without calling fn.
func (g *Guard) Do(ctx context.Context, payload string, fn func(context.Context, string) error) error {
	g.mu.Lock()
	if g.busy || g.now().Before(g.until) {
		g.mu.Unlock()
		return ErrIgnored
	}
	g.busy = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.busy = false
		g.until = g.now().Add(g.cooldown)
		g.mu.Unlock()
	}()
	return fn(ctx, payload)
}

// Busy reports whether a payload is being processed.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
