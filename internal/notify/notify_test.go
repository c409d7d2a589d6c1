package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"solana-yield-agent/internal/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingSink) Notify(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

type staticPrefs struct {
	prefs *storage.Preferences
	err   error
}

func (s *staticPrefs) GetPreferences(userID string) (*storage.Preferences, error) {
	return s.prefs, s.err
}

func TestWebhookNotifierPosts(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second)
	ev := TradeSucceeded("u1", "staker", "5ig...", 1_500_000)
	require.NoError(t, n.Notify(context.Background(), ev))

	require.Equal(t, "u1", got.UserID)
	require.Equal(t, KindTradeSucceeded, got.Kind)
	require.Contains(t, got.Message, "staker")
}

func TestWebhookNotifierRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, 2*time.Second)
	err := n.Notify(context.Background(), Activation("u1", 20_000_000, 10_000_000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestFanoutIsolatesFailingSink(t *testing.T) {
	broken := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}

	fan := NewFanout(broken, healthy)
	require.NoError(t, fan.Notify(context.Background(), Activation("u1", 2e7, 1e7)))

	require.Len(t, healthy.kinds(), 1)
}

func TestFilterSuppressesByPreference(t *testing.T) {
	tests := []struct {
		name      string
		prefs     *storage.Preferences
		ev        Event
		delivered bool
	}{
		{"trades off suppresses trade success", &storage.Preferences{NotifyTrades: false, NotifyActivity: true}, TradeSucceeded("u1", "s", "", 1), false},
		{"trades off suppresses trade failure", &storage.Preferences{NotifyTrades: false, NotifyActivity: true}, TradeFailed("u1", "s", "x"), false},
		{"activity off suppresses activation", &storage.Preferences{NotifyTrades: true, NotifyActivity: false}, Activation("u1", 2e7, 1e7), false},
		{"activity off suppresses deactivation", &storage.Preferences{NotifyTrades: true, NotifyActivity: false}, Deactivation("u1", 1, 1e7), false},
		{"toggles on deliver", &storage.Preferences{NotifyTrades: true, NotifyActivity: true}, Activation("u1", 2e7, 1e7), true},
		{"errors always deliver", &storage.Preferences{NotifyTrades: false, NotifyActivity: false}, Event{UserID: "u1", Kind: KindError, Message: "boom"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			f := NewFilter(sink, &staticPrefs{prefs: tt.prefs})
			require.NoError(t, f.Notify(context.Background(), tt.ev))
			if tt.delivered {
				require.Len(t, sink.kinds(), 1)
			} else {
				require.Empty(t, sink.kinds())
			}
		})
	}
}

func TestFilterDeliversWithoutPreferences(t *testing.T) {
	sink := &recordingSink{}
	f := NewFilter(sink, &staticPrefs{prefs: nil})
	require.NoError(t, f.Notify(context.Background(), TradeSucceeded("u1", "s", "", 1)))
	require.Len(t, sink.kinds(), 1)

	sink = &recordingSink{}
	f = NewFilter(sink, &staticPrefs{err: errors.New("db locked")})
	require.NoError(t, f.Notify(context.Background(), Activation("u1", 2e7, 1e7)))
	require.Len(t, sink.kinds(), 1)
}

func TestEventConstructors(t *testing.T) {
	act := Activation("u1", 50_000_000, 10_000_000)
	require.Equal(t, KindActivated, act.Kind)
	require.Contains(t, act.Message, "0.0500 SOL")
	require.Contains(t, act.Message, "0.0100 SOL")
	require.NotZero(t, act.At)

	deact := Deactivation("u1", 5_000_000, 10_000_000)
	require.Equal(t, KindDeactivated, deact.Kind)
	require.Contains(t, deact.Message, "add funds")

	failed := TradeFailed("u1", "claimer", "blockhash expired")
	require.Equal(t, KindTradeFailed, failed.Kind)
	require.Contains(t, failed.Message, "blockhash expired")
}
