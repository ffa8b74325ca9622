package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is a unit of periodic work. It receives the scheduler's context.
type Job func(ctx context.Context)

type scheduledJob struct {
	name string
	spec string
	job  Job
}

// Scheduler runs registered jobs on cron specs, evaluated in UTC. A job still running when its next
// tick fires is skipped for that tick.
type Scheduler struct {
	parser cron.Parser
	logger *zap.Logger

	mu      sync.Mutex
	jobs    []scheduledJob
	started bool
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger: logger,
	}
}

// Register validates spec and adds the job. It must be called before Start.
func (s *Scheduler) Register(name string, spec string, job Job) error {
	spec = strings.TrimSpace(spec)
	if job == nil {
		return fmt.Errorf("job %q has no function", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.jobs = append(s.jobs, scheduledJob{name: name, spec: spec, job: job})
	return nil
}

// DailyAt returns the cron spec for hour:00 every day.
func DailyAt(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}

// Start runs the registered jobs until ctx is done, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	jobs := append([]scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	cronLogger := cronLogAdapter{logger: s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	for _, j := range jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			if ctx.Err() != nil {
				return
			}
			j.job(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule job %q: %w", j.name, err)
		}
		s.logger.Info("job scheduled", zap.String("job", j.name), zap.String("spec", j.spec))
	}

	c.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))

	<-ctx.Done()

	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

type cronLogAdapter struct {
	logger *zap.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
