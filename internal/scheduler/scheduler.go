package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/balance"
	"solana-yield-agent/internal/notify"
	"solana-yield-agent/internal/prices"
	"solana-yield-agent/internal/ranker"
	"solana-yield-agent/internal/strategy"
)

// Scheduler states.
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateDraining = "draining"
)

// The backed-off interval never grows past this multiple of the base.
const maxIntervalFactor = 4

// Users per stagger slot when the fleet is large enough to spread out.
const staggerSlotSize = 20

// UserSource enumerates the wallet-holding users at cycle start.
type UserSource interface {
	ListUserIDs() ([]string, error)
	Address(userID string) (string, error)
}

// Oracle is the balance surface the scheduler drives each cycle.
type Oracle interface {
	RefreshBatch(ctx context.Context, userIDs []string)
	Snapshot(userID string) (balance.Snapshot, bool)
	CommitPrevious(userID string)
}

// Scanner runs one user's enabled strategies.
type Scanner interface {
	Scan(ctx context.Context, sc strategy.ScanContext) []strategy.Opportunity
}

// Ranker asks the decision engine which opportunities to execute.
type Ranker interface {
	Rank(ctx context.Context, opps []strategy.Opportunity) ([]ranker.Approved, error)
}

// TradeSink accepts approved trades for serial execution.
type TradeSink interface {
	Enqueue(ctx context.Context, opp strategy.Opportunity, risk string, confidence float64) (string, error)
}

// Config holds the scheduler tunables. Zero fields fall back to defaults.
type Config struct {
	ScanInterval     time.Duration
	MinInterval      time.Duration
	MinLamports      uint64 // activation threshold
	StaggerThreshold int
	StaggerWindow    time.Duration
	EmptyThreshold   int           // consecutive empty cycles before widening
	EmptyExtra       time.Duration // extra sleep once widened
	RateLimitBackoff float64       // interval growth factor after a throttle signal
	ScanWorkers      int
	UserTimeout      time.Duration // per-user scan budget
}

func (c *Config) applyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Minute
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.ScanInterval < c.MinInterval {
		c.ScanInterval = c.MinInterval
	}
	if c.MinLamports == 0 {
		c.MinLamports = 10_000_000 // 0.01 SOL
	}
	if c.StaggerThreshold <= 0 {
		c.StaggerThreshold = 100
	}
	if c.StaggerWindow <= 0 {
		c.StaggerWindow = 60 * time.Second
	}
	if c.EmptyThreshold <= 0 {
		c.EmptyThreshold = 10
	}
	if c.EmptyExtra <= 0 {
		c.EmptyExtra = 30 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 0.5
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = 4
	}
	if c.UserTimeout <= 0 {
		c.UserTimeout = 30 * time.Second
	}
}

// Stats is a point-in-time scheduler snapshot for status displays.
type Stats struct {
	State             string
	Cycles            int64
	LastCycleAt       int64
	LastCycleDuration time.Duration
	LastUsers         int
	LastActive        int
	Opportunities     int64
	Enqueued          int64
	UserErrors        int64
	EmptyCycles       int
	CurrentInterval   time.Duration
}

// Scheduler owns the scan cycle: enumerate users, refresh balances in
// batches, detect threshold crossings, fan scans out over a bounded
// pool, and feed approved opportunities to the trade queue. One user's
// failure never touches another user's scan.
type Scheduler struct {
	users    UserSource
	oracle   Oracle
	scanner  Scanner
	ranker   Ranker
	sink     TradeSink
	notifier notify.Notifier
	prices   *prices.Cache

	// throttled delivers rate-limit signals from the RPC gate; nil
	// disables interval backoff.
	throttled <-chan struct{}

	mu       sync.Mutex
	cfg      Config
	interval time.Duration

	state   atomic.Value // string
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once

	cycles        atomic.Int64
	opportunities atomic.Int64
	enqueued      atomic.Int64
	userErrors    atomic.Int64

	statMu      sync.Mutex
	lastCycleAt time.Time
	lastCycleD  time.Duration
	lastUsers   int
	lastActive  int
	emptyCycles int
}

func New(users UserSource, oracle Oracle, scanner Scanner, rk Ranker, sink TradeSink, notifier notify.Notifier, priceCache *prices.Cache, throttled <-chan struct{}, cfg Config) *Scheduler {
	cfg.applyDefaults()

	s := &Scheduler{
		users:     users,
		oracle:    oracle,
		scanner:   scanner,
		ranker:    rk,
		sink:      sink,
		notifier:  notifier,
		prices:    priceCache,
		throttled: throttled,
		cfg:       cfg,
		interval:  cfg.ScanInterval,
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.state.Store(StateStopped)
	return s
}

// UpdateConfig swaps the tunables in place. The new base interval takes
// effect from the next cycle.
func (s *Scheduler) UpdateConfig(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.interval = cfg.ScanInterval
	s.mu.Unlock()
	log.Info().Dur("interval", cfg.ScanInterval).Msg("scheduler config updated")
}

// Start launches the cycle loop. The first cycle runs immediately.
func (s *Scheduler) Start() {
	s.state.Store(StateRunning)
	go s.run()
	log.Info().Dur("interval", s.currentInterval()).Msg("scheduler started")
}

// Stop transitions to draining, lets the in-flight cycle finish, and
// returns once the loop has exited.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.state.Store(StateDraining)
		close(s.stopCh)
	})
	<-s.stopped
	s.state.Store(StateStopped)
	log.Info().Msg("scheduler stopped")
}

// State returns the current lifecycle state.
func (s *Scheduler) State() string {
	return s.state.Load().(string)
}

func (s *Scheduler) Stats() Stats {
	s.statMu.Lock()
	defer s.statMu.Unlock()

	var at int64
	if !s.lastCycleAt.IsZero() {
		at = s.lastCycleAt.Unix()
	}
	return Stats{
		State:             s.State(),
		Cycles:            s.cycles.Load(),
		LastCycleAt:       at,
		LastCycleDuration: s.lastCycleD,
		LastUsers:         s.lastUsers,
		LastActive:        s.lastActive,
		Opportunities:     s.opportunities.Load(),
		Enqueued:          s.enqueued.Load(),
		UserErrors:        s.userErrors.Load(),
		EmptyCycles:       s.emptyCycles,
		CurrentInterval:   s.currentInterval(),
	}
}

func (s *Scheduler) run() {
	defer close(s.stopped)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		start := time.Now()
		found := s.scanCycle()
		elapsed := time.Since(start)

		s.cycles.Add(1)
		s.statMu.Lock()
		s.lastCycleAt = start
		s.lastCycleD = elapsed
		if found == 0 {
			s.emptyCycles++
		} else {
			s.emptyCycles = 0
		}
		empty := s.emptyCycles
		s.statMu.Unlock()

		sleep := s.nextInterval()
		if empty >= s.emptyThreshold() {
			sleep += s.emptyExtra()
			log.Debug().Int("empty_cycles", empty).Dur("sleep", sleep).Msg("no opportunities fleet-wide, widening interval")
		}

		select {
		case <-time.After(sleep):
		case <-s.stopCh:
			return
		}
	}
}

// scanCycle is one full pass over the fleet. Returns the number of
// opportunities discovered, which drives the empty-scan widening.
func (s *Scheduler) scanCycle() int64 {
	userIDs, err := s.users.ListUserIDs()
	if err != nil {
		log.Error().Err(err).Msg("cannot enumerate users, skipping cycle")
		return 0
	}
	if len(userIDs) == 0 {
		return 0
	}
	sort.Strings(userIDs)

	log.Debug().Int("users", len(userIDs)).Msg("scan cycle starting")

	var found atomic.Int64
	var active atomic.Int64

	cfg := s.snapshotConfig()
	slots := s.partition(userIDs, cfg)
	slotGap := time.Duration(0)
	if len(slots) > 1 {
		slotGap = cfg.StaggerWindow / time.Duration(len(slots))
	}

	for i, slot := range slots {
		if i > 0 && slotGap > 0 {
			select {
			case <-time.After(slotGap):
			case <-s.stopCh:
				// Draining: unprocessed users keep their snapshots and
				// are covered by no further cycle.
				return found.Load()
			}
		}
		s.processSlot(slot, cfg, &found, &active)
	}

	s.statMu.Lock()
	s.lastUsers = len(userIDs)
	s.lastActive = int(active.Load())
	s.statMu.Unlock()

	return found.Load()
}

// processSlot batch-refreshes one slot's balances, then fans scans out
// over the worker pool.
func (s *Scheduler) processSlot(userIDs []string, cfg Config, found, active *atomic.Int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.oracle.RefreshBatch(ctx, userIDs)

	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < cfg.ScanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for userID := range work {
				s.processUser(userID, cfg, found, active)
			}
		}()
	}

	for _, userID := range userIDs {
		work <- userID
	}
	close(work)
	wg.Wait()
}

// processUser handles one user start to finish: crossing detection,
// balance gating, scan, rank, enqueue. Nothing it does can escape:
// errors and panics are logged with the user context and absorbed.
func (s *Scheduler) processUser(userID string, cfg Config, found, active *atomic.Int64) {
	defer func() {
		if r := recover(); r != nil {
			s.userErrors.Add(1)
			log.Error().Str("user_id", userID).Interface("panic", r).Msg("user scan panicked")
		}
	}()

	snap, ok := s.oracle.Snapshot(userID)
	if !ok {
		// Never successfully read; nothing to gate or notify on.
		return
	}

	s.detectCrossing(userID, snap, cfg.MinLamports)
	s.oracle.CommitPrevious(userID)

	if snap.Lamports < cfg.MinLamports {
		return
	}
	active.Add(1)

	addr, err := s.users.Address(userID)
	if err != nil {
		s.userErrors.Add(1)
		log.Warn().Err(err).Str("user_id", userID).Msg("cannot resolve address, skipping scan")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.UserTimeout)
	defer cancel()

	opps := s.scanner.Scan(ctx, strategy.ScanContext{
		UserID:   userID,
		Address:  addr,
		Lamports: snap.Lamports,
		Prices:   s.prices,
	})
	if len(opps) == 0 {
		return
	}
	found.Add(int64(len(opps)))
	s.opportunities.Add(int64(len(opps)))

	approved, err := s.ranker.Rank(ctx, opps)
	if err != nil {
		s.userErrors.Add(1)
		log.Warn().Err(err).Str("user_id", userID).Int("opportunities", len(opps)).Msg("ranking failed")
		return
	}

	for _, a := range approved {
		if _, err := s.sink.Enqueue(ctx, a.Opportunity, a.Risk, a.Confidence); err != nil {
			s.userErrors.Add(1)
			log.Warn().Err(err).Str("user_id", userID).Str("strategy", a.Opportunity.Strategy).Msg("enqueue failed")
			continue
		}
		s.enqueued.Add(1)
	}
}

// detectCrossing compares the refreshed balance against the committed
// previous one and emits at most one activation or deactivation event.
func (s *Scheduler) detectCrossing(userID string, snap balance.Snapshot, min uint64) {
	wasActive := snap.Previous >= min
	isActive := snap.Lamports >= min
	if wasActive == isActive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if isActive {
		log.Info().Str("user_id", userID).Uint64("lamports", snap.Lamports).Msg("user crossed into trading range")
		s.notifier.Notify(ctx, notify.Activation(userID, snap.Lamports, min))
	} else {
		log.Info().Str("user_id", userID).Uint64("lamports", snap.Lamports).Msg("user dropped below trading range")
		s.notifier.Notify(ctx, notify.Deactivation(userID, snap.Lamports, min))
	}
}

// partition splits the fleet into stagger slots. Small fleets get one
// slot; large ones are cut into fixed-size slots spread over the
// stagger window. The split is deterministic for a given user list.
func (s *Scheduler) partition(userIDs []string, cfg Config) [][]string {
	if len(userIDs) <= cfg.StaggerThreshold {
		return [][]string{userIDs}
	}

	var slots [][]string
	for start := 0; start < len(userIDs); start += staggerSlotSize {
		end := start + staggerSlotSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		slots = append(slots, userIDs[start:end])
	}
	return slots
}

// nextInterval applies rate-limit backoff and decay. A throttle signal
// since the last cycle grows the interval by the backoff factor; a
// clean cycle snaps it back to the base.
func (s *Scheduler) nextInterval() time.Duration {
	hit := false
	if s.throttled != nil {
		select {
		case <-s.throttled:
			hit = true
		default:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.cfg.ScanInterval
	if hit {
		widened := time.Duration(float64(s.interval) * (1 + s.cfg.RateLimitBackoff))
		if max := base * maxIntervalFactor; widened > max {
			widened = max
		}
		s.interval = widened
		log.Warn().Dur("interval", s.interval).Msg("rate-limit signal received, backing off scan interval")
	} else if s.interval != base {
		s.interval = base
		log.Info().Dur("interval", base).Msg("scan interval restored")
	}

	if s.interval < s.cfg.MinInterval {
		s.interval = s.cfg.MinInterval
	}
	return s.interval
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) snapshotConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) emptyThreshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EmptyThreshold
}

func (s *Scheduler) emptyExtra() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EmptyExtra
}
