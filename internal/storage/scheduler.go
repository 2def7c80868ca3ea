package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CheckpointScheduler drives the three periodic background duties a
// long-lived database needs regardless of write traffic: checkpointing the
// WAL, sweeping GC-eligible tombstones, and compacting orphaned pages. Each
// duty runs on its own cron schedule so an operator can, for example,
// checkpoint every minute but only compact nightly.
type CheckpointScheduler struct {
	db  *Database
	log zerolog.Logger

	cron *cron.Cron
	mu   sync.Mutex

	gcBatchSize int
	entryIDs    []cron.EntryID
}

// SchedulerConfig names the cron expression for each duty. An empty
// expression disables that duty. Expressions use the standard five-field
// cron format (minute hour dom month dow); seconds are not supported, since
// checkpoint/GC/compaction are not sub-minute operations.
type SchedulerConfig struct {
	CheckpointCron string
	GCCron         string
	CompactCron    string
	GCBatchSize    int
}

// DefaultSchedulerConfig checkpoints every minute, runs GC every five
// minutes, and compacts once a day at 03:00.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CheckpointCron: "* * * * *",
		GCCron:         "*/5 * * * *",
		CompactCron:    "0 3 * * *",
		GCBatchSize:    500,
	}
}

// NewCheckpointScheduler builds a scheduler bound to db. Call Start to begin
// running it and Stop to shut it down cleanly.
func NewCheckpointScheduler(db *Database, cfg SchedulerConfig) (*CheckpointScheduler, error) {
	batch := cfg.GCBatchSize
	if batch <= 0 {
		batch = 500
	}
	s := &CheckpointScheduler{
		db:          db,
		log:         zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("component", "scheduler").Logger(),
		cron:        cron.New(),
		gcBatchSize: batch,
	}

	type duty struct {
		name string
		expr string
		fn   func()
	}
	duties := []duty{
		{"checkpoint", cfg.CheckpointCron, s.runCheckpoint},
		{"gc", cfg.GCCron, s.runGC},
		{"compact", cfg.CompactCron, s.runCompact},
	}
	for _, d := range duties {
		if d.expr == "" {
			continue
		}
		id, err := s.cron.AddFunc(d.expr, d.fn)
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", d.name, d.expr, err)
		}
		s.entryIDs = append(s.entryIDs, id)
	}
	return s, nil
}

// Start begins running scheduled duties in the background.
func (s *CheckpointScheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("duties", len(s.entryIDs)).Msg("checkpoint scheduler started")
}

// Stop waits for any in-flight duty to finish, then halts scheduling.
func (s *CheckpointScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("checkpoint scheduler stopped")
}

func (s *CheckpointScheduler) runCheckpoint() {
	if err := s.db.Checkpoint(); err != nil {
		s.log.Error().Err(err).Msg("scheduled checkpoint failed")
	}
}

func (s *CheckpointScheduler) runGC() {
	n, err := s.db.CollectGarbage(s.gcBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled garbage collection failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("reclaimed", n).Msg("scheduled garbage collection")
	}
}

func (s *CheckpointScheduler) runCompact() {
	result, err := s.db.Compact()
	if err != nil {
		s.log.Error().Err(err).Msg("scheduled compaction failed")
		return
	}
	s.log.Info().Int("reclaimed", result.Reclaimed).Msg("scheduled compaction")
}

// RunOnce runs all three duties immediately and synchronously, regardless
// of their cron schedules — useful for tests and for an operator-triggered
// "flush now" command.
func (s *CheckpointScheduler) RunOnce(ctx context.Context) error {
	if err := s.db.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := s.db.CollectGarbage(s.gcBatchSize); err != nil {
		return fmt.Errorf("collect garbage: %w", err)
	}
	if _, err := s.db.Compact(); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	_ = ctx
	return nil
}
