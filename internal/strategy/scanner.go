package strategy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/storage"
)

// Opportunities above these bounds are discarded as strategy bugs
// rather than passed to the ranker. 1e15 lamports is one million SOL.
const (
	maxAmountLamports = uint64(1e15)
	maxProfitLamports = int64(1e15)
	maxActionLen      = 50
)

// PreferenceSource resolves a user's strategy filter. A nil result
// means no preferences stored, which enables every strategy.
type PreferenceSource interface {
	GetPreferences(userID string) (*storage.Preferences, error)
}

// Scanner fans one user's scan out over every enabled strategy. A
// strategy failure is logged and isolated; the remaining strategies
// still run.
type Scanner struct {
	strategies []Strategy
	prefs      PreferenceSource
}

// NewScanner creates a scanner over the registered strategies. prefs
// may be nil, which disables per-user filtering.
func NewScanner(strategies []Strategy, prefs PreferenceSource) *Scanner {
	log.Info().Int("strategies", len(strategies)).Msg("scanner initialized")
	return &Scanner{strategies: strategies, prefs: prefs}
}

// StrategyNames lists the registered strategies in registration order.
func (s *Scanner) StrategyNames() []string {
	names := make([]string, 0, len(s.strategies))
	for _, st := range s.strategies {
		names = append(names, st.Name())
	}
	return names
}

// Scan runs every strategy enabled for the user and returns the merged
// opportunity list sorted by expected profit, highest first. Errors
// never escape: a failing strategy contributes zero opportunities.
func (s *Scanner) Scan(ctx context.Context, sc ScanContext) []Opportunity {
	enabled := s.enabledFor(sc.UserID)

	var mu sync.Mutex
	var all []Opportunity
	var wg sync.WaitGroup

	for _, st := range s.strategies {
		if !enabled(st.Name()) {
			continue
		}

		wg.Add(1)
		go func(st Strategy) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Str("user_id", sc.UserID).
						Str("strategy", st.Name()).
						Interface("panic", r).
						Msg("strategy panicked during scan")
				}
			}()

			opps, err := st.Scan(ctx, sc)
			if err != nil {
				log.Warn().Err(err).
					Str("user_id", sc.UserID).
					Str("strategy", st.Name()).
					Msg("strategy scan failed")
				return
			}

			kept := make([]Opportunity, 0, len(opps))
			for _, opp := range opps {
				opp.UserID = sc.UserID
				opp.Strategy = st.Name()
				if opp.FoundAt == 0 {
					opp.FoundAt = time.Now().Unix()
				}
				if reason := validate(opp); reason != "" {
					log.Warn().
						Str("user_id", sc.UserID).
						Str("strategy", st.Name()).
						Str("reason", reason).
						Msg("dropping invalid opportunity")
					continue
				}
				kept = append(kept, opp)
			}

			mu.Lock()
			all = append(all, kept...)
			mu.Unlock()
		}(st)
	}
	wg.Wait()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ExpectedProfitLamports > all[j].ExpectedProfitLamports
	})

	if len(all) > 0 {
		log.Debug().
			Str("user_id", sc.UserID).
			Int("opportunities", len(all)).
			Msg("scan produced opportunities")
	}
	return all
}

// enabledFor returns a predicate over strategy names for the user. An
// empty stored set means every strategy is enabled.
func (s *Scanner) enabledFor(userID string) func(string) bool {
	if s.prefs == nil {
		return func(string) bool { return true }
	}

	prefs, err := s.prefs.GetPreferences(userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("preference lookup failed, enabling all strategies")
		return func(string) bool { return true }
	}
	if prefs == nil || len(prefs.EnabledStrategies) == 0 {
		return func(string) bool { return true }
	}

	set := make(map[string]bool, len(prefs.EnabledStrategies))
	for _, name := range prefs.EnabledStrategies {
		set[name] = true
	}
	return func(name string) bool { return set[name] }
}

// validate rejects opportunities a buggy strategy could emit. Returns
// an empty string when the opportunity is acceptable.
func validate(opp Opportunity) string {
	switch {
	case opp.Action == "" || len(opp.Action) > maxActionLen:
		return "bad action"
	case opp.AmountLamports > maxAmountLamports:
		return "amount out of range"
	case opp.ExpectedProfitLamports > maxProfitLamports || opp.ExpectedProfitLamports < -maxProfitLamports:
		return "profit out of range"
	case opp.Risk != RiskLow && opp.Risk != RiskMedium && opp.Risk != RiskHigh:
		return "unknown risk tier"
	}
	return ""
}
