package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BackgroundSyncer receives periodic wake-ups, the agent's stand-in for a
// browser background-sync event.
type BackgroundSyncer interface {
	BackgroundSync(ctx context.Context)
}

// Purger drops completed operations past their retention.
type Purger interface {
	PurgeCompleted(ctx context.Context) (int, error)
}

type BackgroundSyncJob struct {
	target BackgroundSyncer
	logger *zap.SugaredLogger
}

func NewBackgroundSyncJob(target BackgroundSyncer, logger *zap.SugaredLogger) *BackgroundSyncJob {
	return &BackgroundSyncJob{target: target, logger: logger}
}

func (j *BackgroundSyncJob) Name() string { return "background-sync" }

func (j *BackgroundSyncJob) Run(ctx context.Context) {
	j.logger.Debug("background sync wake-up")
	j.target.BackgroundSync(ctx)
}

type PurgeJob struct {
	target Purger
	logger *zap.SugaredLogger
}

func NewPurgeJob(target Purger, logger *zap.SugaredLogger) *PurgeJob {
	return &PurgeJob{target: target, logger: logger}
}

func (j *PurgeJob) Name() string { return "purge-completed" }

func (j *PurgeJob) Run(ctx context.Context) {
	start := time.Now()
	removed, err := j.target.PurgeCompleted(ctx)
	if err != nil {
		j.logger.Errorw("purge of completed operations failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		j.logger.Infow("purged completed operations", "removed", removed, "duration", time.Since(start))
	}
}

// Register adds both outbox jobs to s.
func Register(s *Scheduler, syncer BackgroundSyncer, purger Purger, syncSpec, purgeSpec string, logger *zap.SugaredLogger) error {
	if _, err := s.Add(syncSpec, NewBackgroundSyncJob(syncer, logger)); err != nil {
		return err
	}
	if _, err := s.Add(purgeSpec, NewPurgeJob(purger, logger)); err != nil {
		return err
	}
	return nil
}
