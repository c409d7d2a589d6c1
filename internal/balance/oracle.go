package balance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"solana-yield-agent/internal/chain"
	"solana-yield-agent/internal/storage"
)

// ChainClient is the RPC surface the oracle needs
type ChainClient interface {
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
	GetMultipleBalances(ctx context.Context, pubkeys []string) ([]uint64, error)
}

// AddressSource resolves a user ID to their wallet address without
// unlocking the keypair
type AddressSource interface {
	Address(userID string) (string, error)
}

// Snapshot is the cached balance state for one user. Previous only moves
// when the scheduler commits it, so threshold crossings survive ad-hoc
// refreshes from the API.
type Snapshot struct {
	Lamports    uint64 `msgpack:"lamports"`
	Previous    uint64 `msgpack:"previous"`
	RefreshedAt int64  `msgpack:"refreshed_at"`
}

// OracleStats is a point-in-time snapshot for status displays
type OracleStats struct {
	Tracked   int
	CacheHits int64
	Refreshes int64
	Failures  int64
}

// Oracle caches SOL balances for the whole fleet. Reads inside the TTL hit
// the cache; refreshes go through the shared gate in batched RPC calls.
// Fetch failures fall back to the last known value and never propagate to
// callers.
type Oracle struct {
	rpc   ChainClient
	gate  *chain.Gate
	addrs AddressSource
	db    *storage.DB // nil disables snapshot persistence

	ttl       time.Duration
	batchSize int
	workers   int

	mu        sync.RWMutex
	snapshots map[string]*Snapshot

	cacheHits atomic.Int64
	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewOracle creates a balance oracle
func NewOracle(rpc ChainClient, gate *chain.Gate, addrs AddressSource, db *storage.DB, ttl time.Duration, batchSize, workers int) *Oracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if workers <= 0 {
		workers = 3
	}

	return &Oracle{
		rpc:       rpc,
		gate:      gate,
		addrs:     addrs,
		db:        db,
		ttl:       ttl,
		batchSize: batchSize,
		workers:   workers,
		snapshots: make(map[string]*Snapshot),
	}
}

// Lamports returns the user's balance: the cached value inside the TTL, a
// fresh read otherwise. On fetch failure it returns the last known value,
// or zero when nothing was ever cached.
func (o *Oracle) Lamports(ctx context.Context, userID string) uint64 {
	o.mu.RLock()
	snap, ok := o.snapshots[userID]
	if ok && time.Since(time.Unix(snap.RefreshedAt, 0)) < o.ttl {
		lamports := snap.Lamports
		o.mu.RUnlock()
		o.cacheHits.Add(1)
		return lamports
	}
	o.mu.RUnlock()

	return o.refreshOne(ctx, userID)
}

func (o *Oracle) refreshOne(ctx context.Context, userID string) uint64 {
	addr, err := o.addrs.Address(userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("cannot resolve wallet address")
		return o.stale(userID)
	}

	if err := o.gate.Acquire(ctx); err != nil {
		return o.stale(userID)
	}

	lamports, err := o.rpc.GetBalance(ctx, addr)
	if err != nil {
		o.failures.Add(1)
		if chain.IsRateLimited(err) {
			o.gate.ReportRateLimit()
		}
		log.Warn().Err(err).Str("user_id", userID).Msg("balance refresh failed, serving last known value")
		return o.stale(userID)
	}

	o.refreshes.Add(1)
	o.store(userID, lamports)
	return lamports
}

// RefreshBatch refreshes many users in gate-limited chunks. Chunks that
// fail leave their users on the last known value.
func (o *Oracle) RefreshBatch(ctx context.Context, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}

	chunks := make([][]string, 0, len(userIDs)/o.batchSize+1)
	for start := 0; start < len(userIDs); start += o.batchSize {
		end := start + o.batchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		chunks = append(chunks, userIDs[start:end])
	}

	ch := make(chan []string)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range ch {
				o.refreshChunk(ctx, chunk)
			}
		}()
	}

	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	wg.Wait()
}

func (o *Oracle) refreshChunk(ctx context.Context, userIDs []string) {
	users := make([]string, 0, len(userIDs))
	addrs := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		addr, err := o.addrs.Address(userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("cannot resolve wallet address")
			continue
		}
		users = append(users, userID)
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return
	}

	if err := o.gate.Acquire(ctx); err != nil {
		return
	}

	balances, err := o.rpc.GetMultipleBalances(ctx, addrs)
	if err != nil {
		o.failures.Add(1)
		if chain.IsRateLimited(err) {
			o.gate.ReportRateLimit()
		}
		log.Warn().Err(err).Int("users", len(users)).Msg("batch balance refresh failed, serving last known values")
		return
	}

	o.refreshes.Add(1)
	for i, userID := range users {
		o.store(userID, balances[i])
	}
}

// Snapshot returns a copy of the user's cached snapshot
func (o *Oracle) Snapshot(userID string) (Snapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap, ok := o.snapshots[userID]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// CommitPrevious advances the stored previous balance to the current one.
// Only the scheduler calls this, once per cycle after it has checked for
// a threshold crossing.
func (o *Oracle) CommitPrevious(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if snap, ok := o.snapshots[userID]; ok {
		snap.Previous = snap.Lamports
	}
}

func (o *Oracle) store(userID string, lamports uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap, ok := o.snapshots[userID]
	if !ok {
		// First observation: previous stays zero so a funded wallet
		// registers an upward crossing on its first scan
		snap = &Snapshot{}
		o.snapshots[userID] = snap
	}
	snap.Lamports = lamports
	snap.RefreshedAt = time.Now().Unix()
}

// Forget drops a user's snapshot (wallet removed)
func (o *Oracle) Forget(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.snapshots, userID)
}

// SaveSnapshots persists every snapshot so a restart compares against the
// pre-restart state instead of re-notifying the whole fleet
func (o *Oracle) SaveSnapshots() error {
	if o.db == nil {
		return nil
	}

	o.mu.RLock()
	copies := make(map[string]Snapshot, len(o.snapshots))
	for userID, snap := range o.snapshots {
		copies[userID] = *snap
	}
	o.mu.RUnlock()

	for userID, snap := range copies {
		blob, err := msgpack.Marshal(&snap)
		if err != nil {
			return err
		}
		if err := o.db.SaveBalanceSnapshot(userID, blob); err != nil {
			return err
		}
	}

	log.Debug().Int("count", len(copies)).Msg("balance snapshots persisted")
	return nil
}

// LoadSnapshots restores persisted snapshots. Entries are loaded as
// already-stale so the first cycle refreshes them.
func (o *Oracle) LoadSnapshots() error {
	if o.db == nil {
		return nil
	}

	blobs, err := o.db.LoadBalanceSnapshots()
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for userID, blob := range blobs {
		var snap Snapshot
		if err := msgpack.Unmarshal(blob, &snap); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("bad balance snapshot, skipping")
			continue
		}
		snap.RefreshedAt = 0 // force refresh on next read
		o.snapshots[userID] = &snap
	}

	log.Info().Int("count", len(o.snapshots)).Msg("balance snapshots loaded")
	return nil
}

// Stats returns oracle counters
func (o *Oracle) Stats() OracleStats {
	o.mu.RLock()
	tracked := len(o.snapshots)
	o.mu.RUnlock()

	return OracleStats{
		Tracked:   tracked,
		CacheHits: o.cacheHits.Load(),
		Refreshes: o.refreshes.Load(),
		Failures:  o.failures.Load(),
	}
}

func (o *Oracle) stale(userID string) uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if snap, ok := o.snapshots[userID]; ok {
		return snap.Lamports
	}
	return 0
}
