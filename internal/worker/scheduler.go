package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type scheduledJob struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// Scheduler fires coordinator cycles on cron specs.
type Scheduler struct {
	cron *cron.Cron
	jobs []scheduledJob
}

// NewScheduler creates an empty scheduler using standard five-field specs.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// AddSync schedules c on spec. An empty spec leaves the job disabled.
func (s *Scheduler) AddSync(spec string, c *SyncCoordinator) error {
	return s.add("sync", spec, c.coordinator)
}

// AddSnapshot schedules c on spec. An empty spec leaves the job disabled.
func (s *Scheduler) AddSnapshot(spec string, c *SnapshotCoordinator) error {
	return s.add("snapshot", spec, c.coordinator)
}

func (s *Scheduler) add(name, spec string, c *coordinator) error {
	if spec == "" {
		slog.Info("scheduled job disabled",
			"component", "worker",
			"worker", "scheduler",
			"action", "job_disabled",
			"job", name,
		)
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse %s schedule %q: %w", name, spec, err)
	}
	s.jobs = append(s.jobs, scheduledJob{
		name: name,
		spec: spec,
		run: func(ctx context.Context) error {
			_, err := c.Run(ctx, nil)
			return err
		},
	})
	return nil
}

// Jobs returns the number of enabled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.jobs)
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	for _, job := range s.jobs {
		_, err := s.cron.AddFunc(job.spec, func() {
			s.fire(ctx, job)
		})
		if err != nil {
			slog.Error("failed to register scheduled job",
				"component", "worker",
				"worker", "scheduler",
				"action", "register_failed",
				"job", job.name,
				"error", err,
			)
		}
	}

	slog.Info("worker started",
		"component", "worker",
		"worker", "scheduler",
		"action", "worker_started",
		"jobs", len(s.jobs),
	)
	s.cron.Start()

	<-ctx.Done()
	<-s.cron.Stop().Done()
	slog.Info("worker stopped",
		"component", "worker",
		"worker", "scheduler",
		"action", "worker_stopped",
		"reason", "context_cancelled",
	)
}

func (s *Scheduler) fire(ctx context.Context, job scheduledJob) {
	if ctx.Err() != nil {
		return
	}
	err := job.run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		slog.Info("scheduled run skipped",
			"component", "worker",
			"worker", "scheduler",
			"action", "run_skipped",
			"job", job.name,
			"reason", "run_in_progress",
		)
	}
}
