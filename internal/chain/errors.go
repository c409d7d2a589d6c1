package chain

import (
	"context"
	"errors"
	"strings"
)

// ErrRateLimited marks responses where the RPC provider throttled us. The
// gate watches for it to shed request rate.
var ErrRateLimited = errors.New("rpc rate limited")

// Provider throttle messages vary; these markers cover the common ones.
var rateLimitMarkers = []string{
	"rate limit",
	"too many requests",
	"429",
	"quota exceeded",
	"throttle",
}

// IsRateLimited reports whether err indicates provider throttling
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return matchesRateLimit(err.Error())
}

func matchesRateLimit(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying on a later cycle.
// Covers throttling, network hiccups and expired blockhashes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch {
	case contains(err.Error(), "timeout"):
		return true
	case contains(err.Error(), "connection refused"):
		return true
	case contains(err.Error(), "connection reset"):
		return true
	case contains(err.Error(), "blockhash not found"):
		return true
	case contains(err.Error(), "block height exceeded"):
		return true
	case contains(err.Error(), "http status 5"):
		return true
	case contains(err.Error(), "node is behind"):
		return true
	}
	return false
}

// TxError represents a human-readable transaction error
type TxError struct {
	Code    int
	Raw     string
	Message string
	Action  string
}

func (e *TxError) Error() string {
	return e.Message
}

// ParseTxError converts RPC error to human-readable message
func ParseTxError(err error) *TxError {
	if err == nil {
		return nil
	}

	raw := err.Error()
	txErr := &TxError{Raw: raw}

	// Parse error code
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		txErr.Code = rpcErr.Code
	}

	// Match known error patterns and translate
	switch {

	// Insufficient balance
	case contains(raw, "no record of a prior credit"):
		txErr.Message = "❌ INSUFFICIENT BALANCE - Wallet has 0 SOL"
		txErr.Action = "Fund wallet with SOL"

	case contains(raw, "insufficient funds"):
		txErr.Message = "❌ INSUFFICIENT BALANCE - Not enough SOL for trade + fees"
		txErr.Action = "Add more SOL to wallet"

	case contains(raw, "insufficient lamports"):
		txErr.Message = "❌ INSUFFICIENT BALANCE - Not enough lamports"
		txErr.Action = "Add more SOL to wallet"

	// Slippage / Price errors
	case contains(raw, "slippage"):
		txErr.Message = "❌ SLIPPAGE TOO HIGH - Price moved too much"
		txErr.Action = "Lower the position size or retry"

	// Blockhash expired
	case contains(raw, "blockhash not found"):
		txErr.Message = "❌ BLOCKHASH EXPIRED - Transaction took too long"
		txErr.Action = "Retry immediately"

	case contains(raw, "block height exceeded"):
		txErr.Message = "❌ TRANSACTION EXPIRED - Blockhash too old"
		txErr.Action = "Retry immediately"

	// Rate limiting
	case IsRateLimited(err):
		txErr.Message = "⚠️ RATE LIMITED - RPC throttled"
		txErr.Action = "Wait for the scan interval to back off"

	// Network errors
	case contains(raw, "connection refused"):
		txErr.Message = "❌ RPC CONNECTION FAILED"
		txErr.Action = "Check RPC endpoint"

	case contains(raw, "timeout"):
		txErr.Message = "⚠️ RPC TIMEOUT - Network slow"
		txErr.Action = "Retry"

	// Program errors
	case contains(raw, "custom program error"):
		txErr.Message = "❌ PROGRAM ERROR - On-chain program rejected the trade"
		txErr.Action = "Check pool liquidity"

	// Default
	default:
		txErr.Message = "❌ TRANSACTION FAILED"
		txErr.Action = "Check raw error"
	}

	return txErr
}

// HumanError returns a human-readable error string
func HumanError(err error) string {
	if err == nil {
		return ""
	}
	txErr := ParseTxError(err)
	return txErr.Message
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
