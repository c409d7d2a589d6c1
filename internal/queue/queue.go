package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/chain"
	"solana-yield-agent/internal/ledger"
	"solana-yield-agent/internal/notify"
	"solana-yield-agent/internal/storage"
	"solana-yield-agent/internal/strategy"
	"solana-yield-agent/internal/wallet"
)

// ErrClosed is returned by Enqueue once the queue is draining.
var ErrClosed = errors.New("trade queue closed")

// Statuses an item moves through.
const (
	StatusPending   = "pending"
	StatusExecuting = "executing"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Position caps as a fraction of the user's balance, by risk tier.
const (
	positionPctHigh   = 0.05
	positionPctMedium = 0.10
	positionPctLow    = 0.20
)

const (
	sendTimeout   = 30 * time.Second
	sendAttempts  = 3
	sendRetryWait = 100 * time.Millisecond
)

// WalletSource resolves signing handles. The queue always acts on the
// owner's behalf, so caller and target IDs are the same.
type WalletSource interface {
	Get(userID, callerID string) (*wallet.Wallet, error)
}

// ChainClient is the slice of the RPC surface the consumer needs.
type ChainClient interface {
	SendTransaction(ctx context.Context, signedTx string, skipPreflight bool) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*chain.SignatureStatus, error)
}

// BalanceSource supplies the balance used for position cap checks.
type BalanceSource interface {
	Lamports(ctx context.Context, userID string) uint64
}

// Item is one trade travelling through the queue.
type Item struct {
	ID          string
	UserID      string
	Opportunity strategy.Opportunity
	Risk        string
	Confidence  float64
	EnqueuedAt  time.Time

	Status     string
	Signature  string
	Error      string
	FinishedAt time.Time
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Depth     int
	Capacity  int
	Executed  int64
	Confirmed int64
	Failed    int64
	TimedOut  int64
	Retained  int
}

// Config tunes the queue. Zero fields fall back to defaults.
type Config struct {
	Size           int
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	DrainTimeout   time.Duration
	Retention      time.Duration
}

// Queue serializes trade execution across all users. Exactly one
// consumer runs: trades are signed and submitted strictly in enqueue
// order, and a trade's record is written before the next submission
// starts.
type Queue struct {
	rpc      ChainClient
	wallets  WalletSource
	balances BalanceSource
	gate     *chain.Gate
	ledger   *ledger.Ledger
	notifier notify.Notifier

	items          chan *Item
	confirmTimeout time.Duration
	pollInterval   time.Duration
	drainTimeout   time.Duration
	retention      time.Duration

	mu        sync.Mutex
	completed map[string]*Item

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once

	executed  atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

func New(rpc ChainClient, wallets WalletSource, balances BalanceSource, gate *chain.Gate, led *ledger.Ledger, notifier notify.Notifier, cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	return &Queue{
		rpc:            rpc,
		wallets:        wallets,
		balances:       balances,
		gate:           gate,
		ledger:         led,
		notifier:       notifier,
		items:          make(chan *Item, cfg.Size),
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		drainTimeout:   cfg.DrainTimeout,
		retention:      cfg.Retention,
		completed:      make(map[string]*Item),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the single consumer.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.consume()
	log.Info().Int("capacity", cap(q.items)).Msg("trade queue consumer started")
}

// Stop drains in-flight and queued trades, bounded by the drain
// timeout, then returns. Enqueue fails from the moment Stop is called.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("trade queue drained")
	case <-time.After(q.drainTimeout):
		log.Warn().Int("abandoned", len(q.items)).Msg("trade queue drain timed out")
	}
}

// Enqueue adds an approved trade. It blocks while the queue is full,
// which throttles scanning against execution throughput. The owning
// user comes from the opportunity itself.
func (q *Queue) Enqueue(ctx context.Context, opp strategy.Opportunity, risk string, confidence float64) (string, error) {
	item := &Item{
		ID:          uuid.NewString(),
		UserID:      opp.UserID,
		Opportunity: opp,
		Risk:        risk,
		Confidence:  confidence,
		EnqueuedAt:  time.Now(),
		Status:      StatusPending,
	}

	select {
	case <-q.stopCh:
		return "", ErrClosed
	default:
	}

	select {
	case q.items <- item:
		return item.ID, nil
	case <-q.stopCh:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth returns the number of queued, not yet consumed trades.
func (q *Queue) Depth() int {
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	retained := len(q.completed)
	q.mu.Unlock()

	return Stats{
		Depth:     len(q.items),
		Capacity:  cap(q.items),
		Executed:  q.executed.Load(),
		Confirmed: q.confirmed.Load(),
		Failed:    q.failed.Load(),
		TimedOut:  q.timedOut.Load(),
		Retained:  retained,
	}
}

// Get returns a finished item by ID.
func (q *Queue) Get(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.completed[id]
	if !ok {
		return nil, false
	}
	out := *item
	return &out, true
}

// GC drops finished items older than the retention window and reports
// how many were removed.
func (q *Queue) GC() int {
	cutoff := time.Now().Add(-q.retention)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, item := range q.completed {
		if item.FinishedAt.Before(cutoff) {
			delete(q.completed, id)
			removed++
		}
	}
	return removed
}

// consume is the single executor loop. After Stop it finishes whatever
// is already queued, then exits.
func (q *Queue) consume() {
	defer q.wg.Done()

	for {
		select {
		case item := <-q.items:
			q.execute(item)
		case <-q.stopCh:
			for {
				select {
				case item := <-q.items:
					q.execute(item)
				default:
					return
				}
			}
		}
	}
}

// execute runs one trade start to finish. Every failure path ends in a
// trade record and a notification for the owning user; nothing escapes
// to the consumer loop.
func (q *Queue) execute(item *Item) {
	item.Status = StatusExecuting
	q.executed.Add(1)
	started := time.Now()

	log.Info().
		Str("trade", item.ID).
		Str("user_id", item.UserID).
		Str("strategy", item.Opportunity.Strategy).
		Str("risk", item.Risk).
		Msg("executing trade")

	w, err := q.wallets.Get(item.UserID, item.UserID)
	if err != nil {
		q.finish(item, StatusFailed, "", fmt.Sprintf("wallet unavailable: %v", err), started)
		return
	}

	if reason := q.checkPositionCap(item); reason != "" {
		q.finish(item, StatusFailed, "", reason, started)
		return
	}

	if item.Opportunity.UnsignedTx == "" {
		q.finish(item, StatusFailed, "", "strategy produced no transaction", started)
		return
	}

	signedTx, err := w.SignSerializedTransaction(item.Opportunity.UnsignedTx)
	if err != nil {
		q.finish(item, StatusFailed, "", fmt.Sprintf("signing failed: %v", err), started)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	signature, err := q.submit(sendCtx, signedTx)
	if err != nil {
		q.finish(item, StatusFailed, "", chain.HumanError(err), started)
		return
	}
	item.Signature = signature

	status, reason := q.awaitConfirmation(signature)
	q.finish(item, status, signature, reason, started)
}

// submit sends a signed transaction through the gate, resubmitting on
// transient RPC errors with a short backoff. Anything non-transient
// fails the trade on the first attempt.
func (q *Queue) submit(ctx context.Context, signedTx string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sendRetryWait << (attempt - 1))
		}

		if err := q.gate.Acquire(ctx); err != nil {
			return "", fmt.Errorf("rate gate: %w", err)
		}

		signature, err := q.rpc.SendTransaction(ctx, signedTx, false)
		if err == nil {
			return signature, nil
		}
		if chain.IsRateLimited(err) {
			q.gate.ReportRateLimit()
		}
		if !chain.IsTransient(err) {
			return "", err
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("transient submission error, retrying")
	}
	return "", lastErr
}

// awaitConfirmation polls signature status until the chain confirms,
// rejects, or the confirmation timeout passes.
func (q *Queue) awaitConfirmation(signature string) (string, string) {
	deadline := time.Now().Add(q.confirmTimeout)

	for time.Now().Before(deadline) {
		time.Sleep(q.pollInterval)

		pollCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := q.gate.Acquire(pollCtx); err != nil {
			cancel()
			continue
		}
		statuses, err := q.rpc.GetSignatureStatuses(pollCtx, []string{signature})
		cancel()
		if err != nil {
			if chain.IsRateLimited(err) {
				q.gate.ReportRateLimit()
			}
			log.Debug().Err(err).Str("sig", signature).Msg("confirmation poll failed")
			continue
		}
		if len(statuses) == 0 || statuses[0] == nil {
			continue
		}

		st := statuses[0]
		if st.Err != nil {
			return StatusFailed, fmt.Sprintf("transaction rejected on chain: %v", st.Err)
		}
		if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
			return StatusConfirmed, ""
		}
	}

	return StatusTimedOut, fmt.Sprintf("confirmation timed out after %s", q.confirmTimeout)
}

// checkPositionCap enforces per-tier sizing against the user's current
// balance. Returns a rejection reason or empty when within limits.
func (q *Queue) checkPositionCap(item *Item) string {
	if q.balances == nil || item.Opportunity.AmountLamports == 0 {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance := q.balances.Lamports(ctx, item.UserID)

	var pct float64
	switch item.Risk {
	case strategy.RiskHigh:
		pct = positionPctHigh
	case strategy.RiskMedium:
		pct = positionPctMedium
	default:
		pct = positionPctLow
	}

	cap := uint64(float64(balance) * pct)
	if item.Opportunity.AmountLamports > cap {
		return fmt.Sprintf("position %d lamports exceeds %s-risk cap %d (balance %d)",
			item.Opportunity.AmountLamports, item.Risk, cap, balance)
	}
	return ""
}

// finish writes the trade record, remembers the item for the status
// surface, and notifies the owner. The record lands before the consumer
// picks up the next trade.
func (q *Queue) finish(item *Item, status, signature, reason string, started time.Time) {
	item.Status = status
	item.Signature = signature
	item.Error = reason
	item.FinishedAt = time.Now()
	executionMs := item.FinishedAt.Sub(started).Milliseconds()

	var outcome string
	var profit int64
	switch status {
	case StatusConfirmed:
		q.confirmed.Add(1)
		outcome = ledger.OutcomeConfirmed
		// Realized PnL needs post-trade reconciliation; the estimate is
		// recorded and flagged as such in the details.
		profit = item.Opportunity.ExpectedProfitLamports
	case StatusTimedOut:
		q.timedOut.Add(1)
		outcome = ledger.OutcomeTimedOut
	default:
		q.failed.Add(1)
		outcome = ledger.OutcomeFailed
	}

	details := map[string]interface{}{
		"trade":             item.ID,
		"action":            item.Opportunity.Action,
		"risk":              item.Risk,
		"confidence":        item.Confidence,
		"execution_time_ms": executionMs,
	}
	if reason != "" {
		details["reason"] = reason
	}
	if status == StatusConfirmed {
		details["profit_source"] = "estimate"
	}
	for k, v := range item.Opportunity.Details {
		details[k] = v
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	rec := &storage.TradeRecord{
		UserID:         item.UserID,
		Strategy:       item.Opportunity.Strategy,
		Action:         item.Opportunity.Action,
		AmountLamports: int64(item.Opportunity.AmountLamports),
		ProfitLamports: profit,
		TxSignature:    signature,
		Outcome:        outcome,
		Details:        string(detailsJSON),
	}
	if err := q.ledger.Record(rec); err != nil {
		// The chain state stands regardless; losing the record is an
		// operator problem, not a user-facing failure.
		log.Error().Err(err).
			Str("trade", item.ID).
			Str("user_id", item.UserID).
			Msg("failed to persist trade record")
	}

	q.mu.Lock()
	q.completed[item.ID] = item
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if status == StatusConfirmed {
		q.notifier.Notify(ctx, notify.TradeSucceeded(item.UserID, item.Opportunity.Strategy, signature, profit))
		log.Info().
			Str("trade", item.ID).
			Str("user_id", item.UserID).
			Str("sig", signature).
			Int64("duration_ms", executionMs).
			Msg("trade confirmed")
	} else {
		q.notifier.Notify(ctx, notify.TradeFailed(item.UserID, item.Opportunity.Strategy, reason))
		log.Warn().
			Str("trade", item.ID).
			Str("user_id", item.UserID).
			Str("outcome", outcome).
			Str("reason", reason).
			Msg("trade did not complete")
	}
}
