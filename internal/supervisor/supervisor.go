package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/probelab/crucible/internal/engine"
	"github.com/probelab/crucible/internal/store"
)

// Supervisor periodically sweeps for experiments stuck in a running
// state past their deadline and force-fails them. This covers the crash
// case where the orchestrating process died before it could finish its
// transaction.
type Supervisor struct {
	engine     *engine.Engine
	store      *store.Store
	staleAfter time.Duration
	cron       *cron.Cron
}

func New(eng *engine.Engine, st *store.Store, staleAfter time.Duration) *Supervisor {
	return &Supervisor{
		engine:     eng,
		store:      st,
		staleAfter: staleAfter,
		cron:       cron.New(),
	}
}

// Start schedules the sweep with a standard five-field cron expression
// and begins running it in the background.
func (s *Supervisor) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Supervisor) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep force-fails every experiment that has been running longer than
// the stale deadline. Exported so operators can trigger a one-shot
// sweep from the CLI.
func (s *Supervisor) Sweep() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.staleAfter)

	ids, err := store.ListStaleRunning(ctx, s.store.DB(), cutoff)
	if err != nil {
		log.Printf("warning: supervisor sweep query failed: %v", err)
		return
	}

	for _, id := range ids {
		reason := "supervisor: run exceeded deadline of " + s.staleAfter.String()
		if err := s.engine.MarkExperimentFailed(ctx, id, reason); err != nil {
			log.Printf("warning: could not mark experiment %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("supervisor: reaped %d stale experiments", len(ids))
	}
}
