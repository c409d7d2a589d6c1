package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const gateCooldown = 30 * time.Second

// Gate is the shared outbound throttle for all RPC traffic. Balance
// refreshes and trade submissions each take a token before calling out,
// so the combined request rate stays inside the provider quota.
type Gate struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	base         rate.Limit
	floor        rate.Limit
	reducedUntil time.Time
	cooldown     time.Duration

	throttled chan struct{}
	hits      atomic.Int64
	acquired  atomic.Int64
}

// GateStats is a point-in-time snapshot for status displays
type GateStats struct {
	LimitPerSecond float64
	Acquired       int64
	RateLimitHits  int64
}

// NewGate creates a token bucket allowing rps sustained requests per second
// with the given burst
func NewGate(rps float64, burst int) *Gate {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	base := rate.Limit(rps)
	return &Gate{
		limiter:   rate.NewLimiter(base, burst),
		base:      base,
		floor:     base / 4,
		cooldown:  gateCooldown,
		throttled: make(chan struct{}, 1),
	}
}

// Acquire blocks until a token is available or ctx is cancelled
func (g *Gate) Acquire(ctx context.Context) error {
	g.maybeRestore()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.acquired.Add(1)
	return nil
}

// ReportRateLimit halves the sustained rate (not below the floor) and
// signals the scheduler so it can widen its scan interval
func (g *Gate) ReportRateLimit() {
	g.hits.Add(1)

	g.mu.Lock()
	reduced := g.limiter.Limit() / 2
	if reduced < g.floor {
		reduced = g.floor
	}
	g.limiter.SetLimit(reduced)
	g.reducedUntil = time.Now().Add(g.cooldown)
	g.mu.Unlock()

	log.Warn().Float64("rps", float64(reduced)).Msg("rate limit hit, shedding RPC rate")

	select {
	case g.throttled <- struct{}{}:
	default:
	}
}

// Throttled exposes the rate-limit signal. The channel holds at most one
// pending signal; repeated hits before a read collapse into one.
func (g *Gate) Throttled() <-chan struct{} {
	return g.throttled
}

func (g *Gate) maybeRestore() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limiter.Limit() < g.base && time.Now().After(g.reducedUntil) {
		g.limiter.SetLimit(g.base)
		log.Info().Float64("rps", float64(g.base)).Msg("RPC rate restored")
	}
}

// Stats returns a snapshot of gate counters
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	limit := float64(g.limiter.Limit())
	g.mu.Unlock()

	return GateStats{
		LimitPerSecond: limit,
		Acquired:       g.acquired.Load(),
		RateLimitHits:  g.hits.Load(),
	}
}
