package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/storage"
)

// Event kinds.
const (
	KindActivated      = "activated"
	KindDeactivated    = "deactivated"
	KindTradeSucceeded = "trade-succeeded"
	KindTradeFailed    = "trade-failed"
	KindError          = "error"
)

// Event is one per-user message on its way to a delivery sink.
type Event struct {
	UserID  string                 `json:"user_id"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      int64                  `json:"at"`
}

// Notifier is the delivery boundary. Concrete sinks are injected at
// composition time; the core never knows where messages land.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

func lamportsToSOL(lamports uint64) float64 {
	return float64(lamports) / 1e9
}

// Activation builds the event for an upward threshold crossing.
func Activation(userID string, lamports, minLamports uint64) Event {
	return Event{
		UserID: userID,
		Kind:   KindActivated,
		Message: fmt.Sprintf(
			"Trading activated. Your balance reached %.4f SOL (minimum %.4f SOL); scanning for opportunities resumes.",
			lamportsToSOL(lamports), lamportsToSOL(minLamports)),
		Payload: map[string]interface{}{
			"lamports": lamports,
			"minimum":  minLamports,
		},
		At: time.Now().Unix(),
	}
}

// Deactivation builds the event for a downward threshold crossing.
func Deactivation(userID string, lamports, minLamports uint64) Event {
	return Event{
		UserID: userID,
		Kind:   KindDeactivated,
		Message: fmt.Sprintf(
			"Trading paused. Your balance dropped to %.4f SOL (minimum %.4f SOL); add funds to resume.",
			lamportsToSOL(lamports), lamportsToSOL(minLamports)),
		Payload: map[string]interface{}{
			"lamports": lamports,
			"minimum":  minLamports,
		},
		At: time.Now().Unix(),
	}
}

// TradeSucceeded builds the event for a confirmed trade.
func TradeSucceeded(userID, strategyName, signature string, profitLamports int64) Event {
	return Event{
		UserID: userID,
		Kind:   KindTradeSucceeded,
		Message: fmt.Sprintf("Trade executed by %s: profit %.6f SOL.",
			strategyName, float64(profitLamports)/1e9),
		Payload: map[string]interface{}{
			"strategy":  strategyName,
			"signature": signature,
			"profit":    profitLamports,
		},
		At: time.Now().Unix(),
	}
}

// TradeFailed builds the event for a failed or timed-out trade.
func TradeFailed(userID, strategyName, reason string) Event {
	return Event{
		UserID:  userID,
		Kind:    KindTradeFailed,
		Message: fmt.Sprintf("Trade by %s did not complete: %s", strategyName, reason),
		Payload: map[string]interface{}{
			"strategy": strategyName,
			"reason":   reason,
		},
		At: time.Now().Unix(),
	}
}

// LogNotifier writes events to the structured log. It is the default
// sink and always succeeds.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	evt := log.Info()
	if ev.Kind == KindError || ev.Kind == KindTradeFailed {
		evt = log.Warn()
	}
	evt.Str("user_id", ev.UserID).Str("kind", ev.Kind).Msg(ev.Message)
	return nil
}

// WebhookNotifier POSTs event JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Fanout delivers to every sink. Delivery is best-effort: a failing
// sink is logged and never blocks the others or the caller.
type Fanout struct {
	sinks []Notifier
}

func NewFanout(sinks ...Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	for _, sink := range f.sinks {
		if err := sink.Notify(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("user_id", ev.UserID).
				Str("kind", ev.Kind).
				Msg("notification sink failed")
		}
	}
	return nil
}

// PreferenceSource resolves a user's notification toggles.
type PreferenceSource interface {
	GetPreferences(userID string) (*storage.Preferences, error)
}

// Filter suppresses events the user has toggled off. Error events are
// never suppressed. Missing or unreadable preferences deliver.
type Filter struct {
	next  Notifier
	prefs PreferenceSource
}

func NewFilter(next Notifier, prefs PreferenceSource) *Filter {
	return &Filter{next: next, prefs: prefs}
}

func (f *Filter) Notify(ctx context.Context, ev Event) error {
	if f.prefs != nil && ev.Kind != KindError {
		p, err := f.prefs.GetPreferences(ev.UserID)
		if err == nil && p != nil {
			switch ev.Kind {
			case KindTradeSucceeded, KindTradeFailed:
				if !p.NotifyTrades {
					return nil
				}
			case KindActivated, KindDeactivated:
				if !p.NotifyActivity {
					return nil
				}
			}
		}
	}
	return f.next.Notify(ctx, ev)
}
