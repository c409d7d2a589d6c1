package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/storage"
)

// Outcomes written to trade records.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Metrics is the cached per-user aggregate. It must always equal what
// the user's trade records sum to, which is why every Record call
// drops the cache entry.
type Metrics struct {
	UserID         string
	TotalTrades    int
	Wins           int
	Losses         int
	WinRate        float64 // percent, 0-100
	ProfitLamports int64
	VolumeLamports int64
	BestLamports   int64
	WorstLamports  int64
	LastTradeAt    int64
	ByStrategy     []StrategyBreakdown
}

type StrategyBreakdown struct {
	Strategy       string
	Trades         int
	Wins           int
	ProfitLamports int64
}

// Entry is one leaderboard row. It carries no user identity.
type Entry struct {
	Rank           int
	ProfitLamports int64
	Trades         int
	WinRate        float64
}

// LedgerStats feeds the health endpoint.
type LedgerStats struct {
	Recorded    int64
	CachedUsers int
}

// Ledger is the append-only trade log plus a per-user metrics cache.
type Ledger struct {
	db *storage.DB

	mu    sync.RWMutex
	cache map[string]*Metrics

	recorded atomic.Int64
}

func New(db *storage.DB) *Ledger {
	return &Ledger{
		db:    db,
		cache: make(map[string]*Metrics),
	}
}

// Record appends one trade record and invalidates the owner's cached
// metrics. The record's ID is set on success.
func (l *Ledger) Record(rec *storage.TradeRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = storage.NowMillis()
	}

	id, err := l.db.InsertTradeRecord(rec)
	if err != nil {
		return fmt.Errorf("append trade record: %w", err)
	}
	rec.ID = id
	l.recorded.Add(1)

	l.mu.Lock()
	delete(l.cache, rec.UserID)
	l.mu.Unlock()

	log.Info().
		Str("user_id", rec.UserID).
		Str("strategy", rec.Strategy).
		Str("outcome", rec.Outcome).
		Int64("profit", rec.ProfitLamports).
		Int64("trade_id", id).
		Msg("trade recorded")
	return nil
}

// Metrics returns the user's aggregate, computing and caching it on a
// miss. All filtering happens in the storage queries.
func (l *Ledger) Metrics(userID string) (*Metrics, error) {
	l.mu.RLock()
	if m, ok := l.cache[userID]; ok {
		l.mu.RUnlock()
		out := *m
		return &out, nil
	}
	l.mu.RUnlock()

	stats, err := l.db.GetUserStats(userID)
	if err != nil {
		return nil, fmt.Errorf("load user stats: %w", err)
	}
	breakdown, err := l.db.GetStrategyBreakdown(userID)
	if err != nil {
		return nil, fmt.Errorf("load strategy breakdown: %w", err)
	}

	m := &Metrics{
		UserID:         userID,
		TotalTrades:    stats.TotalTrades,
		Wins:           stats.Wins,
		Losses:         stats.Losses,
		WinRate:        winRate(stats.Wins, stats.TotalTrades),
		ProfitLamports: stats.ProfitLamports,
		VolumeLamports: stats.VolumeLamports,
		BestLamports:   stats.BestLamports,
		WorstLamports:  stats.WorstLamports,
		LastTradeAt:    stats.LastTradeAt,
	}
	for _, b := range breakdown {
		m.ByStrategy = append(m.ByStrategy, StrategyBreakdown{
			Strategy:       b.Strategy,
			Trades:         b.Trades,
			Wins:           b.Wins,
			ProfitLamports: b.ProfitLamports,
		})
	}

	l.mu.Lock()
	l.cache[userID] = m
	l.mu.Unlock()

	out := *m
	return &out, nil
}

// RecentTrades returns the user's newest records, newest first.
func (l *Ledger) RecentTrades(userID string, limit int) ([]*storage.TradeRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.db.GetUserTrades(userID, limit)
}

// Leaderboard returns the top users by profit as anonymous ranked rows.
func (l *Ledger) Leaderboard(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.GetLeaderboard(limit)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}

	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{
			Rank:           i + 1,
			ProfitLamports: r.ProfitLamports,
			Trades:         r.Trades,
			WinRate:        winRate(r.Wins, r.Trades),
		}
	}
	return entries, nil
}

func (l *Ledger) Stats() LedgerStats {
	l.mu.RLock()
	cached := len(l.cache)
	l.mu.RUnlock()

	return LedgerStats{
		Recorded:    l.recorded.Load(),
		CachedUsers: cached,
	}
}

func winRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total) * 100
}
