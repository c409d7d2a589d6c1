package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-yield-agent/internal/balance"
	"solana-yield-agent/internal/chain"
	"solana-yield-agent/internal/ledger"
	"solana-yield-agent/internal/queue"
	"solana-yield-agent/internal/scheduler"
	"solana-yield-agent/internal/storage"
	"solana-yield-agent/internal/wallet"
)

type stubChain struct {
	lamports uint64
}

func (s *stubChain) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	return s.lamports, nil
}

func (s *stubChain) GetMultipleBalances(ctx context.Context, pubkeys []string) ([]uint64, error) {
	out := make([]uint64, len(pubkeys))
	for i := range out {
		out[i] = s.lamports
	}
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *wallet.Store, *ledger.Ledger) {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := wallet.NewStore(db, filepath.Join(dir, "wallets"), "test-secret", 12)
	require.NoError(t, err)

	gate := chain.NewGate(1000, 1000)
	oracle := balance.NewOracle(&stubChain{lamports: 42_000_000}, gate, store, nil, 30*time.Second, 10, 2)
	led := ledger.New(db)

	srv := NewServer("127.0.0.1", 0, store, oracle, led, db, nil, Providers{
		Scheduler: func() scheduler.Stats { return scheduler.Stats{State: scheduler.StateRunning} },
		Queue:     func() queue.Stats { return queue.Stats{Depth: 3} },
	})
	return srv, store, led
}

func doJSON(t *testing.T, srv *Server, method, path, caller string, payload interface{}) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}

	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	return out
}

func TestCreateWallet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, "POST", "/v1/wallets", "u1", walletRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode(t, resp)
	assert.NotEmpty(t, body["public_key"])
	words := strings.Fields(body["mnemonic"].(string))
	assert.Len(t, words, 12)

	// Second create for the same user is rejected with guidance.
	resp = doJSON(t, srv, "POST", "/v1/wallets", "u1", walletRequest{UserID: "u1"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body = decode(t, resp)
	assert.Contains(t, body["error"], "already have a wallet")
}

func TestCallerMustMatchTarget(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Mismatched caller on create.
	resp := doJSON(t, srv, "POST", "/v1/wallets", "mallory", walletRequest{UserID: "alice"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Missing caller entirely.
	resp = doJSON(t, srv, "POST", "/v1/wallets", "", walletRequest{UserID: "alice"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Cross-user export attempt.
	created := doJSON(t, srv, "POST", "/v1/wallets", "alice", walletRequest{UserID: "alice"})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	created.Body.Close()

	resp = doJSON(t, srv, "POST", "/v1/wallets/alice/export", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestExportRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := decode(t, doJSON(t, srv, "POST", "/v1/wallets", "u1", walletRequest{UserID: "u1"}))
	mnemonic := created["mnemonic"].(string)

	exported := decode(t, doJSON(t, srv, "POST", "/v1/wallets/u1/export", "u1", nil))
	assert.Equal(t, mnemonic, exported["mnemonic"])

	// The exported phrase imports into a fresh user with the same key.
	imported := decode(t, doJSON(t, srv, "POST", "/v1/wallets/import", "u2", walletRequest{UserID: "u2", Mnemonic: mnemonic}))
	assert.Equal(t, created["public_key"], imported["public_key"])
}

func TestImportRejectsBadMnemonic(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, "POST", "/v1/wallets/import", "u1", walletRequest{UserID: "u1", Mnemonic: "not a real phrase"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body["error"], "mnemonic")
}

func TestMetricsUnknownUser(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, "GET", "/v1/users/ghost/metrics", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBalanceEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	created := doJSON(t, srv, "POST", "/v1/wallets", "u1", walletRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, created.StatusCode)
	created.Body.Close()

	body := decode(t, doJSON(t, srv, "GET", "/v1/wallets/u1/balance", "u1", nil))
	assert.EqualValues(t, 42_000_000, body["lamports"])
	assert.InDelta(t, 0.042, body["sol"], 1e-9)
}

func TestLeaderboardAnonymity(t *testing.T) {
	srv, _, led := newTestServer(t)

	userIDs := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		userID := fmt.Sprintf("trader-%02d", i)
		userIDs = append(userIDs, userID)
		require.NoError(t, led.Record(&storage.TradeRecord{
			UserID:         userID,
			Strategy:       "staking",
			Action:         "stake",
			AmountLamports: 1_000_000,
			ProfitLamports: int64((i + 1) * 1000),
			Outcome:        ledger.OutcomeConfirmed,
		}))
	}

	resp := doJSON(t, srv, "GET", "/v1/leaderboard?limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	for _, userID := range userIDs {
		assert.NotContains(t, string(raw), userID, "leaderboard must not leak user IDs")
	}

	var body struct {
		Leaderboard []ledger.Entry `json:"leaderboard"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Leaderboard, 5)
	for i := 1; i < len(body.Leaderboard); i++ {
		assert.GreaterOrEqual(t, body.Leaderboard[i-1].ProfitLamports, body.Leaderboard[i].ProfitLamports,
			"entries ranked by profit descending")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Defaults before anything is stored.
	body := decode(t, doJSON(t, srv, "GET", "/v1/users/u1/preferences", "u1", nil))
	assert.Equal(t, true, body["NotifyTrades"])

	put := decode(t, doJSON(t, srv, "PUT", "/v1/users/u1/preferences", "u1", preferencesRequest{
		EnabledStrategies: []string{"staking"},
		NotifyTrades:      false,
		NotifyActivity:    true,
	}))
	assert.Equal(t, false, put["NotifyTrades"])

	got := decode(t, doJSON(t, srv, "GET", "/v1/users/u1/preferences", "u1", nil))
	assert.Equal(t, false, got["NotifyTrades"])
	assert.Equal(t, []interface{}{"staking"}, got["EnabledStrategies"])
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := decode(t, doJSON(t, srv, "GET", "/status", "", nil))
	sched := body["scheduler"].(map[string]interface{})
	assert.Equal(t, scheduler.StateRunning, sched["State"])
	q := body["queue"].(map[string]interface{})
	assert.EqualValues(t, 3, q["Depth"])
}

func TestHealthWithoutChecker(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestTxInspection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// No chain client wired: the route declines rather than guesses.
	resp := doJSON(t, srv, "GET", "/v1/tx/abc", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	srv.status.Tx = func(ctx context.Context, sig string) (*chain.TxCheckResult, error) {
		return &chain.TxCheckResult{
			Signature:          sig,
			Status:             "SUCCESS",
			Slot:               123,
			ConfirmationStatus: "finalized",
		}, nil
	}

	body := decode(t, doJSON(t, srv, "GET", "/v1/tx/5KtP9sig", "", nil))
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, "5KtP9sig", body["signature"])
	assert.EqualValues(t, 123, body["slot"])

	srv.status.Tx = func(ctx context.Context, sig string) (*chain.TxCheckResult, error) {
		return nil, fmt.Errorf("rpc timeout")
	}
	resp = doJSON(t, srv, "GET", "/v1/tx/other", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
}
