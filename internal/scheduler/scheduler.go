// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func() error
}

// Scheduler evaluates cron expressions and fires registered jobs.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []Job
	cron   *cron.Cron
	logger *slog.Logger
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// New creates an empty Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger,
	}
}

// Add registers job. Jobs with an empty schedule are skipped; an invalid
// schedule is an error.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		s.logger.Debug("job has no schedule, skipping", "name", job.Name)
		return nil
	}
	if err := ValidateSchedule(job.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// Start registers every job as a cron entry and starts the cron ticker.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		_, err := s.cron.AddFunc(job.Schedule, func() {
			start := time.Now()
			if err := job.Run(); err != nil {
				s.logger.Error("scheduled job failed", "name", job.Name, "error", err)
				return
			}
			s.logger.Debug("scheduled job finished", "name", job.Name, "duration", time.Since(start))
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		s.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Pruner removes transcripts older than a maximum age.
type Pruner interface {
	Prune(maxAge time.Duration) (int, error)
}

// RetentionJob returns a job that prunes transcripts older than maxAge.
func RetentionJob(schedule string, maxAge time.Duration, p Pruner, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name:     "transcript-retention",
		Schedule: schedule,
		Run: func() error {
			n, err := p.Prune(maxAge)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("pruned transcripts", "removed", n, "max_age", maxAge)
			}
			return nil
		},
	}
}
