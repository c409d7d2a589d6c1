package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrDuplicate marks unique-constraint violations (one wallet per user)
var ErrDuplicate = errors.New("duplicate row")

// DB wraps SQLite database
type DB struct {
	db *sql.DB
}

// WalletRecord is the metadata row for an encrypted wallet. Key material
// never enters this table; it lives in the sealed blob at BlobPath.
type WalletRecord struct {
	ID               int64
	UserID           string
	PublicKey        string
	DerivationPath   string
	MnemonicWords    int
	KDFMethod        string
	EncryptionMethod string
	CreatedAt        int64
	LastUnlocked     int64 // 0 = never
	BlobPath         string
}

// TradeRecord is a completed trade submission
type TradeRecord struct {
	ID             int64
	UserID         string
	Strategy       string
	Action         string
	AmountLamports int64
	ProfitLamports int64
	TxSignature    string
	Outcome        string // "confirmed", "failed", "timed_out"
	Details        string // opaque JSON from the strategy
	Timestamp      int64
}

// Preferences holds per-user strategy and notification settings
type Preferences struct {
	UserID            string
	EnabledStrategies []string // empty = all strategies
	NotifyTrades      bool
	NotifyActivity    bool
	UpdatedAt         int64
}

// UserStats is the per-user aggregate over trades
type UserStats struct {
	TotalTrades    int
	Wins           int
	Losses         int
	ProfitLamports int64
	VolumeLamports int64
	BestLamports   int64
	WorstLamports  int64
	LastTradeAt    int64
}

// StrategyStats is one user's aggregate for a single strategy
type StrategyStats struct {
	Strategy       string
	Trades         int
	Wins           int
	ProfitLamports int64
}

// LeaderboardRow is one anonymized leaderboard entry. User IDs are never
// selected out of the grouping query.
type LeaderboardRow struct {
	ProfitLamports int64
	Trades         int
	Wins           int
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	// Add connection options to path if not present
	// _pragma=journal_mode(WAL) & _pragma=synchronous(NORMAL)
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS secure_wallets (
		wallet_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL UNIQUE,
		derivation_path TEXT NOT NULL,
		mnemonic_words INTEGER NOT NULL,
		kdf_method TEXT NOT NULL,
		encryption_method TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_unlocked INTEGER,
		blob_path TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		trade_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		strategy TEXT NOT NULL,
		action TEXT NOT NULL,
		amount_lamports INTEGER NOT NULL,
		profit_lamports INTEGER NOT NULL DEFAULT 0,
		tx_signature TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT PRIMARY KEY,
		enabled_strategies TEXT NOT NULL DEFAULT '[]',
		notify_trades INTEGER NOT NULL DEFAULT 1,
		notify_activity INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balance_snapshots (
		user_id TEXT PRIMARY KEY,
		snapshot BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_pubkey ON secure_wallets(public_key);
	CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertWallet inserts a wallet metadata row. Inserting a second wallet
// for the same user returns ErrDuplicate.
func (d *DB) InsertWallet(w *WalletRecord) error {
	res, err := d.db.Exec(`
		INSERT INTO secure_wallets
		(user_id, public_key, derivation_path, mnemonic_words, kdf_method, encryption_method, created_at, last_unlocked, blob_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		w.UserID, w.PublicKey, w.DerivationPath, w.MnemonicWords, w.KDFMethod, w.EncryptionMethod, w.CreatedAt, w.BlobPath)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("wallet for %s: %w", w.UserID, ErrDuplicate)
		}
		return err
	}

	w.ID, _ = res.LastInsertId()
	return nil
}

// GetWallet retrieves a wallet row by user ID
func (d *DB) GetWallet(userID string) (*WalletRecord, error) {
	var w WalletRecord
	var lastUnlocked sql.NullInt64
	err := d.db.QueryRow(`
		SELECT wallet_id, user_id, public_key, derivation_path, mnemonic_words, kdf_method, encryption_method, created_at, last_unlocked, blob_path
		FROM secure_wallets WHERE user_id = ?`, userID).Scan(
		&w.ID, &w.UserID, &w.PublicKey, &w.DerivationPath, &w.MnemonicWords, &w.KDFMethod, &w.EncryptionMethod, &w.CreatedAt, &lastUnlocked, &w.BlobPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.LastUnlocked = lastUnlocked.Int64
	return &w, nil
}

// ListWallets retrieves all wallet rows, oldest first
func (d *DB) ListWallets() ([]*WalletRecord, error) {
	rows, err := d.db.Query(`
		SELECT wallet_id, user_id, public_key, derivation_path, mnemonic_words, kdf_method, encryption_method, created_at, last_unlocked, blob_path
		FROM secure_wallets ORDER BY created_at ASC, wallet_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*WalletRecord
	for rows.Next() {
		var w WalletRecord
		var lastUnlocked sql.NullInt64
		if err := rows.Scan(&w.ID, &w.UserID, &w.PublicKey, &w.DerivationPath, &w.MnemonicWords, &w.KDFMethod, &w.EncryptionMethod, &w.CreatedAt, &lastUnlocked, &w.BlobPath); err != nil {
			return nil, err
		}
		w.LastUnlocked = lastUnlocked.Int64
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

// TouchWalletUnlock stamps last_unlocked for the user
func (d *DB) TouchWalletUnlock(userID string) error {
	_, err := d.db.Exec("UPDATE secure_wallets SET last_unlocked = ? WHERE user_id = ?", Now(), userID)
	return err
}

// CountWallets returns the number of stored wallets
func (d *DB) CountWallets() (int, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM secure_wallets").Scan(&n)
	return n, err
}

// InsertTradeRecord appends a trade and returns its monotonic ID
func (d *DB) InsertTradeRecord(t *TradeRecord) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO trades
		(user_id, strategy, action, amount_lamports, profit_lamports, tx_signature, outcome, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Strategy, t.Action, t.AmountLamports, t.ProfitLamports, t.TxSignature, t.Outcome, t.Details, t.Timestamp)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// GetUserTrades retrieves the most recent trades for one user
func (d *DB) GetUserTrades(userID string, limit int) ([]*TradeRecord, error) {
	rows, err := d.db.Query(`
		SELECT trade_id, user_id, strategy, action, amount_lamports, profit_lamports, tx_signature, outcome, details, timestamp
		FROM trades WHERE user_id = ? ORDER BY trade_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.UserID, &t.Strategy, &t.Action, &t.AmountLamports, &t.ProfitLamports, &t.TxSignature, &t.Outcome, &t.Details, &t.Timestamp); err != nil {
			return nil, err
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// GetUserStats returns aggregate stats for one user. Filtering happens in
// SQL, never by post-filtering another user's rows.
func (d *DB) GetUserStats(userID string) (*UserStats, error) {
	var s UserStats
	var lastTrade, best, worst sql.NullInt64
	err := d.db.QueryRow(`
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN profit_lamports > 0 THEN 1 ELSE 0 END), 0) as wins,
			COALESCE(SUM(CASE WHEN profit_lamports < 0 THEN 1 ELSE 0 END), 0) as losses,
			COALESCE(SUM(profit_lamports), 0) as profit,
			COALESCE(SUM(amount_lamports), 0) as volume,
			MAX(profit_lamports) as best,
			MIN(profit_lamports) as worst,
			MAX(timestamp) as last_trade
		FROM trades WHERE user_id = ?`, userID).Scan(
		&s.TotalTrades, &s.Wins, &s.Losses, &s.ProfitLamports, &s.VolumeLamports,
		&best, &worst, &lastTrade)
	if err != nil {
		return nil, err
	}
	s.BestLamports = best.Int64
	s.WorstLamports = worst.Int64
	s.LastTradeAt = lastTrade.Int64
	return &s, nil
}

// GetStrategyBreakdown returns the user's per-strategy aggregates sorted
// by profit descending
func (d *DB) GetStrategyBreakdown(userID string) ([]*StrategyStats, error) {
	rows, err := d.db.Query(`
		SELECT
			strategy,
			COUNT(*) as trades,
			COALESCE(SUM(CASE WHEN profit_lamports > 0 THEN 1 ELSE 0 END), 0) as wins,
			COALESCE(SUM(profit_lamports), 0) as profit
		FROM trades WHERE user_id = ?
		GROUP BY strategy ORDER BY profit DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breakdown []*StrategyStats
	for rows.Next() {
		var s StrategyStats
		if err := rows.Scan(&s.Strategy, &s.Trades, &s.Wins, &s.ProfitLamports); err != nil {
			return nil, err
		}
		breakdown = append(breakdown, &s)
	}
	return breakdown, rows.Err()
}

// GetLeaderboard returns per-user aggregates sorted by profit, without the
// user IDs
func (d *DB) GetLeaderboard(limit int) ([]*LeaderboardRow, error) {
	rows, err := d.db.Query(`
		SELECT
			COALESCE(SUM(profit_lamports), 0) as profit,
			COUNT(*) as trades,
			COALESCE(SUM(CASE WHEN profit_lamports > 0 THEN 1 ELSE 0 END), 0) as wins
		FROM trades GROUP BY user_id ORDER BY profit DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var board []*LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.ProfitLamports, &r.Trades, &r.Wins); err != nil {
			return nil, err
		}
		board = append(board, &r)
	}
	return board, rows.Err()
}

// UpsertPreferences inserts or replaces a user's preferences
func (d *DB) UpsertPreferences(p *Preferences) error {
	enabled, err := json.Marshal(p.EnabledStrategies)
	if err != nil {
		return err
	}

	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO preferences (user_id, enabled_strategies, notify_trades, notify_activity, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.UserID, string(enabled), boolToInt(p.NotifyTrades), boolToInt(p.NotifyActivity), Now())
	return err
}

// GetPreferences retrieves preferences for a user, nil when none stored
func (d *DB) GetPreferences(userID string) (*Preferences, error) {
	var p Preferences
	var enabled string
	var notifyTrades, notifyActivity int
	err := d.db.QueryRow(`
		SELECT user_id, enabled_strategies, notify_trades, notify_activity, updated_at
		FROM preferences WHERE user_id = ?`, userID).Scan(
		&p.UserID, &enabled, &notifyTrades, &notifyActivity, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(enabled), &p.EnabledStrategies); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("bad enabled_strategies json, treating as all")
		p.EnabledStrategies = nil
	}
	p.NotifyTrades = notifyTrades != 0
	p.NotifyActivity = notifyActivity != 0
	return &p, nil
}

// SaveBalanceSnapshot persists one user's encoded balance snapshot
func (d *DB) SaveBalanceSnapshot(userID string, snapshot []byte) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO balance_snapshots (user_id, snapshot, updated_at)
		VALUES (?, ?, ?)`, userID, snapshot, Now())
	return err
}

// LoadBalanceSnapshots retrieves all persisted balance snapshots
func (d *DB) LoadBalanceSnapshots() (map[string][]byte, error) {
	rows, err := d.db.Query("SELECT user_id, snapshot FROM balance_snapshots")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make(map[string][]byte)
	for rows.Next() {
		var userID string
		var blob []byte
		if err := rows.Scan(&userID, &blob); err != nil {
			return nil, err
		}
		snapshots[userID] = blob
	}
	return snapshots, rows.Err()
}

// FleetStats is the system-wide trade aggregate for operator rollups.
// It crosses tenant boundaries by design and must never be exposed on a
// user-facing surface.
type FleetStats struct {
	Users          int
	TradesTotal    int64
	TradesToday    int64
	ProfitLamports int64
}

// GetFleetStats returns aggregate trading stats across all users
func (d *DB) GetFleetStats() (*FleetStats, error) {
	var s FleetStats
	dayStart := time.Now().Truncate(24 * time.Hour).UnixMilli()
	err := d.db.QueryRow(`
		SELECT
			COUNT(DISTINCT user_id),
			COUNT(*),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(profit_lamports), 0)
		FROM trades`, dayStart).Scan(&s.Users, &s.TradesTotal, &s.TradesToday, &s.ProfitLamports)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// WALCheckpoint truncates the write-ahead log. Run from the maintenance
// schedule, not the trade path.
func (d *DB) WALCheckpoint() error {
	_, err := d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Ping verifies the connection is alive
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}

// NowMillis returns current Unix milliseconds. Trade timestamps use this
// resolution; ordering across records is carried by the trade_id.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
