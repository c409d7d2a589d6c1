package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"solana-yield-agent/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func record(user, strategyName, outcome string, amount int64, profit int64) *storage.TradeRecord {
	return &storage.TradeRecord{
		UserID:         user,
		Strategy:       strategyName,
		Action:         "stake",
		AmountLamports: amount,
		ProfitLamports: profit,
		Outcome:        outcome,
		Details:        "{}",
	}
}

func TestRecordAndMetrics(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Record(record("u1", "staking", OutcomeConfirmed, 1000, 100)))
	require.NoError(t, l.Record(record("u1", "airdrops", OutcomeConfirmed, 2000, 200)))
	require.NoError(t, l.Record(record("u1", "staking", OutcomeFailed, 500, -10)))

	m, err := l.Metrics("u1")
	require.NoError(t, err)
	require.Equal(t, 3, m.TotalTrades)
	require.Equal(t, 2, m.Wins)
	require.Equal(t, 1, m.Losses)
	require.InDelta(t, 66.67, m.WinRate, 0.01)
	require.Equal(t, int64(290), m.ProfitLamports)
	require.Equal(t, int64(3500), m.VolumeLamports)
	require.Equal(t, int64(200), m.BestLamports)
	require.Equal(t, int64(-10), m.WorstLamports)

	require.Len(t, m.ByStrategy, 2)
	require.Equal(t, "airdrops", m.ByStrategy[0].Strategy)
	require.Equal(t, int64(200), m.ByStrategy[0].ProfitLamports)
	require.Equal(t, "staking", m.ByStrategy[1].Strategy)
	require.Equal(t, int64(90), m.ByStrategy[1].ProfitLamports)
}

func TestMetricsAlwaysMatchRecords(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Record(record("u1", "staking", OutcomeConfirmed, 1000, 100)))

	m, err := l.Metrics("u1")
	require.NoError(t, err)
	require.Equal(t, 1, m.TotalTrades)
	require.Equal(t, 1, l.Stats().CachedUsers)

	// A new record must invalidate the cached aggregate.
	require.NoError(t, l.Record(record("u1", "staking", OutcomeConfirmed, 1000, 50)))

	m, err = l.Metrics("u1")
	require.NoError(t, err)
	require.Equal(t, 2, m.TotalTrades)
	require.Equal(t, int64(150), m.ProfitLamports)
}

func TestMetricsIsolatedPerUser(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Record(record("u1", "staking", OutcomeConfirmed, 1000, 100)))
	require.NoError(t, l.Record(record("u2", "staking", OutcomeConfirmed, 9000, 9000)))

	m1, err := l.Metrics("u1")
	require.NoError(t, err)
	require.Equal(t, 1, m1.TotalTrades)
	require.Equal(t, int64(100), m1.ProfitLamports)

	trades, err := l.RecentTrades("u1", 50)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "u1", trades[0].UserID)

	// A user with no trades gets a zeroed aggregate, not an error.
	empty, err := l.Metrics("nobody")
	require.NoError(t, err)
	require.Zero(t, empty.TotalTrades)
	require.Zero(t, empty.WinRate)
}

func TestLeaderboardRanked(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Record(record("u1", "s", OutcomeConfirmed, 100, 100)))
	require.NoError(t, l.Record(record("u2", "s", OutcomeConfirmed, 100, 900)))
	require.NoError(t, l.Record(record("u2", "s", OutcomeFailed, 100, -100)))
	require.NoError(t, l.Record(record("u3", "s", OutcomeConfirmed, 100, 400)))

	entries, err := l.Leaderboard(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, 1, entries[0].Rank)
	require.Equal(t, int64(800), entries[0].ProfitLamports)
	require.Equal(t, 2, entries[0].Trades)
	require.InDelta(t, 50.0, entries[0].WinRate, 0.01)

	require.Equal(t, 2, entries[1].Rank)
	require.Equal(t, int64(400), entries[1].ProfitLamports)
}

func TestRecentTradesNewestFirst(t *testing.T) {
	l := newTestLedger(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, l.Record(record("u1", "s", OutcomeConfirmed, 100, i)))
	}

	trades, err := l.RecentTrades("u1", 3)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	require.Equal(t, int64(5), trades[0].ProfitLamports)
	require.Equal(t, int64(3), trades[2].ProfitLamports)
}
