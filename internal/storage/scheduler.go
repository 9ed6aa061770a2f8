package storage

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ───────────────────────────────────────────────────────────────────────────
// Background maintenance scheduler (spec §4.10-ish housekeeping)
// ───────────────────────────────────────────────────────────────────────────
//
// The teacher's Scheduler drove arbitrary user-registered SQL jobs (CRON /
// INTERVAL / ONCE) against a CatalogManager of CatalogJob rows. This engine
// has no user job surface; the scheduler is repurposed into the two fixed
// internal housekeeping tasks the storage engine itself needs to run on a
// cadence: incremental vacuum and the blob-directory orphan sweep. The
// cron-expression parsing and single-flight-per-task guard are kept from
// the teacher almost unchanged — only the job model was specific to SQL.

// MaintenanceTasks is implemented by the engine façade so the scheduler can
// drive housekeeping without importing the engine package.
type MaintenanceTasks interface {
	VacuumIncremental(ctx context.Context) error
	SweepBlobOrphans(ctx context.Context) error
}

// Scheduler runs periodic maintenance tasks on CRON schedules.
type Scheduler struct {
	tasks  MaintenanceTasks
	cron   *cron.Cron
	log    zerolog.Logger
	mu     sync.Mutex
	active map[string]bool // task name -> currently running
}

// NewScheduler creates a maintenance scheduler. log may be a disabled
// logger (zerolog.Nop()) if the caller does not want housekeeping noise.
func NewScheduler(tasks MaintenanceTasks, log zerolog.Logger) *Scheduler {
	loc, _ := time.LoadLocation("UTC")
	return &Scheduler{
		tasks:  tasks,
		cron:   cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		log:    log,
		active: make(map[string]bool),
	}
}

// Start registers the vacuum and blob-sweep jobs on the given CRON
// expressions and starts the scheduler loop. Empty expressions disable
// that task.
func (s *Scheduler) Start(vacuumCron, blobSweepCron string) error {
	if vacuumCron != "" {
		if _, err := s.cron.AddFunc(vacuumCron, func() { s.run("vacuum_incremental", s.tasks.VacuumIncremental) }); err != nil {
			return err
		}
	}
	if blobSweepCron != "" {
		if _, err := s.cron.AddFunc(blobSweepCron, func() { s.run("blob_orphan_sweep", s.tasks.SweepBlobOrphans) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info().Msg("maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for its entries to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("maintenance scheduler stopped")
}

// run executes a single task with a no-overlap guard: if the previous
// invocation of this task is still running, the new tick is skipped rather
// than queued.
func (s *Scheduler) run(name string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.active[name] {
		s.mu.Unlock()
		s.log.Warn().Str("task", name).Msg("previous run still active, skipping tick")
		return
	}
	s.active[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.active, name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error().Str("task", name).Err(err).Dur("elapsed", time.Since(start)).Msg("maintenance task failed")
		return
	}
	s.log.Info().Str("task", name).Dur("elapsed", time.Since(start)).Msg("maintenance task completed")
}
