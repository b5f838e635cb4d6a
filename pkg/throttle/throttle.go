// Package throttle implements the per-identity fixed-window request guard
// that runs before any remote call is made.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
)

// Guard decides whether a request from identity may proceed. It never fails;
// implementations that depend on remote state degrade to local state.
type Guard interface {
	Allow(ctx context.Context, identity string) bool
}

// Config is the window shape shared by every guard.
type Config struct {
	Limit  int           // requests admitted per window
	Window time.Duration // fixed window length
}

type windowState struct {
	count int
	start time.Time
}

// MemoryGuard keeps one fixed window per identity in a mutex-guarded map.
type MemoryGuard struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	states map[string]*windowState
	now    func() time.Time
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard(cfg Config) *MemoryGuard {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &MemoryGuard{
		limit:  cfg.Limit,
		window: cfg.Window,
		states: make(map[string]*windowState),
		now:    time.Now,
	}
}

// Allow counts the request against identity's current window and reports
// whether the count is still within the limit. A window that has elapsed
// is reset before counting.
func (g *MemoryGuard) Allow(_ context.Context, identity string) bool {
	allowed := g.allow(identity)
	metrics.ThrottleDecisions.WithLabelValues("memory", decision(allowed)).Inc()
	return allowed
}

func (g *MemoryGuard) allow(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st, ok := g.states[identity]
	if !ok || now.After(st.start.Add(g.window)) {
		st = &windowState{start: now}
		g.states[identity] = st
	}
	st.count++
	return st.count <= g.limit
}

// Sweep drops identities whose window has elapsed and returns how many
// were removed.
func (g *MemoryGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for id, st := range g.states {
		if now.After(st.start.Add(g.window)) {
			delete(g.states, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired windows every interval until ctx is done.
func (g *MemoryGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Len returns the number of tracked identities.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.states)
}

func decision(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}

// ---------------------------------------------------------------------------
// Identity resolution
// ---------------------------------------------------------------------------

// IdentityMode selects which request attribute keys the throttle.
type IdentityMode string

const (
	IdentityUser   IdentityMode = "user"   // user_id, else source address
	IdentityHeader IdentityMode = "header" // X-User-ID header, else source address
	IdentitySource IdentityMode = "source" // source address only
)

// UnknownIdentity keys requests that carry no usable identity at all.
const UnknownIdentity = "unknown"

// ParseIdentityMode validates a configured identity mode.
func ParseIdentityMode(s string) (IdentityMode, error) {
	switch m := IdentityMode(strings.ToLower(strings.TrimSpace(s))); m {
	case IdentityUser, IdentityHeader, IdentitySource:
		return m, nil
	case "":
		return IdentityUser, nil
	default:
		return "", fmt.Errorf("throttle: unknown identity mode %q", s)
	}
}

// Identity returns the throttle key for a request.
func Identity(mode IdentityMode, userID, header, source string) string {
	var id string
	switch mode {
	case IdentityHeader:
		id = header
	case IdentitySource:
	default:
		id = userID
	}
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if source = strings.TrimSpace(source); source != "" {
		return source
	}
	return UnknownIdentity
}
