package maintenance

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/storage"
)

// QueueGC purges finished trade queue entries past their retention.
type QueueGC interface {
	GC() int
}

// Checkpointer compacts the sqlite WAL.
type Checkpointer interface {
	WALCheckpoint() error
}

// MetricsSource supplies the nightly rollup numbers.
type MetricsSource interface {
	GetFleetStats() (*storage.FleetStats, error)
}

// Jobs owns the background upkeep schedule: hourly queue GC, nightly
// WAL checkpoint, nightly metrics rollup. All jobs are best-effort and
// log their own failures.
type Jobs struct {
	cron    *cron.Cron
	queue   QueueGC
	db      Checkpointer
	metrics MetricsSource
}

func New(queue QueueGC, db Checkpointer, metrics MetricsSource) *Jobs {
	return &Jobs{
		cron:    cron.New(),
		queue:   queue,
		db:      db,
		metrics: metrics,
	}
}

// Start registers and launches the schedule.
func (j *Jobs) Start() error {
	if j.queue != nil {
		if _, err := j.cron.AddFunc("@hourly", j.runQueueGC); err != nil {
			return err
		}
	}
	if j.db != nil {
		if _, err := j.cron.AddFunc("5 3 * * *", j.runCheckpoint); err != nil {
			return err
		}
	}
	if j.metrics != nil {
		if _, err := j.cron.AddFunc("0 0 * * *", j.runRollup); err != nil {
			return err
		}
	}

	j.cron.Start()
	log.Info().Msg("maintenance jobs scheduled")
	return nil
}

// Stop halts the schedule. Running jobs finish.
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("maintenance jobs stopped")
}

func (j *Jobs) runQueueGC() {
	removed := j.queue.GC()
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("trade queue GC")
	}
}

func (j *Jobs) runCheckpoint() {
	if err := j.db.WALCheckpoint(); err != nil {
		log.Error().Err(err).Msg("WAL checkpoint failed")
		return
	}
	log.Info().Msg("WAL checkpoint complete")
}

func (j *Jobs) runRollup() {
	s, err := j.metrics.GetFleetStats()
	if err != nil {
		log.Error().Err(err).Msg("metrics rollup failed")
		return
	}
	log.Info().
		Int("users", s.Users).
		Int64("trades_total", s.TradesTotal).
		Int64("trades_today", s.TradesToday).
		Int64("profit_lamports", s.ProfitLamports).
		Msg("nightly metrics rollup")
}
