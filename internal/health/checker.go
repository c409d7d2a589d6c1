package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Component is the health verdict for one dependency.
type Component struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessStats is the agent's own resource footprint.
type ProcessStats struct {
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Report is one full health snapshot.
type Report struct {
	Healthy    bool         `json:"healthy"`
	Components []Component  `json:"components"`
	Process    ProcessStats `json:"process"`
	CheckedAt  int64        `json:"checked_at"`
}

// Probe is one named dependency check. It returns an error when the
// dependency is down.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Checker runs the probes on a fixed cadence and serves the latest
// report. Probes are cheap local checks (DB ping, breaker state); the
// checker never spends RPC quota of its own.
type Checker struct {
	probes   []Probe
	interval time.Duration
	started  time.Time
	proc     *process.Process

	mu     sync.RWMutex
	report Report
}

// NewChecker creates a checker over the given probes.
func NewChecker(probes []Probe, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Checker{
		probes:   probes,
		interval: interval,
		started:  time.Now(),
		proc:     proc,
	}
}

// Start begins periodic checks. The first check runs before Start
// returns so /health never serves an empty report.
func (c *Checker) Start(ctx context.Context) {
	c.check(ctx)

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()
}

func (c *Checker) check(ctx context.Context) {
	components := make([]Component, 0, len(c.probes))
	healthy := true

	for _, p := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		err := p.Check(probeCtx)
		cancel()

		comp := Component{
			Name:      p.Name,
			Healthy:   err == nil,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			comp.Error = err.Error()
			healthy = false
		}
		components = append(components, comp)
	}

	report := Report{
		Healthy:    healthy,
		Components: components,
		Process:    c.processStats(),
		CheckedAt:  time.Now().Unix(),
	}

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
}

func (c *Checker) processStats() ProcessStats {
	stats := ProcessStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}
	if c.proc != nil {
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			stats.RSSBytes = mem.RSS
		}
		if cpu, err := c.proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpu
		}
	}
	return stats
}

// Report returns the latest snapshot.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}
