package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/entitle/pkg/auth"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/plans"
)

// PublishedLookup finds the current PUBLISHED version of a plan
type PublishedLookup interface {
	CurrentPublished(ctx context.Context, p auth.Principal, planID int64) (*plans.Version, error)
}

// PlanSyncer synchronizes every tenant subscribed to a plan
type PlanSyncer interface {
	SyncAllTenants(ctx context.Context, p auth.Principal, planID, versionID int64, mode plans.Mode) (*plans.BatchResult, error)
}

// AuditPurger deletes audit events older than a cutoff
type AuditPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs the periodic maintenance jobs: a conservative resync of
// published plans and the audit retention purge. A job that is still running
// when its next tick fires is skipped, and a panicking job is logged and
// recovered.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewScheduler creates a scheduler. timeout bounds a single job run.
func NewScheduler(logger *observability.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cl := cronLogger{logger: logger.WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// AddResync schedules a CONSERVATIVE sync of every tenant of each plan
// against the plan's current PUBLISHED version
func (s *Scheduler) AddResync(spec string, planIDs []int64, lookup PublishedLookup, syncer PlanSyncer) error {
	if len(planIDs) == 0 {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunResync(ctx, planIDs, lookup, syncer)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{"spec": spec, "plans": planIDs}).Info("Scheduled plan resync")
	return nil
}

// AddAuditRetention schedules deletion of audit events older than days
func (s *Scheduler) AddAuditRetention(spec string, days int, purger AuditPurger) error {
	if days <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunAuditRetention(ctx, days, purger)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule audit retention: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{"spec": spec, "days": days}).Info("Scheduled audit retention")
	return nil
}

// RunResync syncs each plan in turn. Plans without a published version are
// skipped; a failing plan does not stop the others.
func (s *Scheduler) RunResync(ctx context.Context, planIDs []int64, lookup PublishedLookup, syncer PlanSyncer) {
	p := auth.SystemPrincipal()
	for _, planID := range planIDs {
		logger := s.logger.WithField("plan_id", planID)

		v, err := lookup.CurrentPublished(ctx, p, planID)
		if err != nil {
			logger.WithError(err).Error("Failed to look up published version")
			continue
		}
		if v == nil {
			logger.Info("Plan has no published version, skipping resync")
			continue
		}

		res, err := syncer.SyncAllTenants(ctx, p, planID, v.ID, plans.ModeConservative)
		if err != nil {
			logger.WithError(err).WithField("version_id", v.ID).Error("Plan resync failed")
			continue
		}
		logger.WithFields(map[string]interface{}{
			"version_id": v.ID,
			"synced":     res.SyncedCount,
			"total":      res.TotalCount,
			"failed":     len(res.Errors),
		}).Info("Plan resync finished")
	}
}

// RunAuditRetention deletes audit events older than days
func (s *Scheduler) RunAuditRetention(ctx context.Context, days int, purger AuditPurger) {
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	n, err := purger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("Audit retention purge failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"deleted": n,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("Audit retention purge finished")
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries returns the number of scheduled jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger adapts observability.Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
