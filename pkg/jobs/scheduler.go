package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultJobTimeout = 5 * time.Minute

type Job interface {
	Name() string
	Run(ctx context.Context)
}

type Scheduler struct {
	c       *cron.Cron
	ctx     context.Context
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewScheduler accepts standard five-field specs, an optional leading seconds
// field and descriptors such as "@every 5m".
func NewScheduler(ctx context.Context, logger *zap.SugaredLogger) *Scheduler {
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{c: c, ctx: ctx, timeout: defaultJobTimeout, logger: logger}
}

// Add registers job under spec. An empty spec disables the job.
func (s *Scheduler) Add(spec string, job Job) (cron.EntryID, error) {
	if spec == "" {
		s.logger.Infow("job disabled", "job", job.Name())
		return 0, nil
	}
	id, err := s.c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("job panicked", "job", job.Name(), "panic", r)
			}
		}()
		job.Run(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("register %s job: %w", job.Name(), err)
	}
	s.logger.Infow("job registered", "job", job.Name(), "spec", spec, "entry", id)
	return id, nil
}

func (s *Scheduler) Entries() []cron.Entry {
	return s.c.Entries()
}

func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}
