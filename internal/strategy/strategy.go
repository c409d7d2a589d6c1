package strategy

import (
	"context"

	"solana-yield-agent/internal/prices"
)

// Risk tiers attached to opportunities and refined by the decision engine.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Opportunity is a candidate action found by a strategy scan. It lives
// only for the cycle that produced it; the durable artifact is the
// trade record written after execution.
type Opportunity struct {
	// UserID is stamped by the scanner. Strategies never set it.
	UserID string

	Strategy string
	// Action names what to do: "stake", "claim", "swap", "buy", "sell".
	Action                 string
	AmountLamports         uint64
	ExpectedProfitLamports int64
	Risk                   string

	// UnsignedTx is the base64 serialized transaction prepared by the
	// strategy's route builder. The executor signs it with the owning
	// user's key and submits it unchanged.
	UnsignedTx string

	// Details is an opaque payload carried into the trade record.
	Details map[string]interface{}

	FoundAt int64
}

// ScanContext is everything a strategy may consult for one user. The
// price cache is shared across all users; the rest is tenant-scoped.
type ScanContext struct {
	UserID   string
	Address  string
	Lamports uint64
	Prices   *prices.Cache
}

// Strategy is the plug-in point for yield logic. Implementations live
// outside the core and are registered at composition time.
type Strategy interface {
	Name() string
	Scan(ctx context.Context, sc ScanContext) ([]Opportunity, error)
}
