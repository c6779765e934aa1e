package jobs

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// Scheduler wraps gocron and owns the recurring background jobs: the
// queue tick and the stale-job reclaimer.
type Scheduler struct {
	scheduler gocron.Scheduler
	mu        sync.Mutex
	jobs      map[string]gocron.Job
}

// NewScheduler creates a scheduler with UTC job times.
func NewScheduler() (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: scheduler,
		jobs:      make(map[string]gocron.Job),
	}, nil
}

// RegisterInterval registers a job that runs every interval.
func (s *Scheduler) RegisterInterval(name string, interval time.Duration, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	s.jobs[name] = job
	log.Printf("📅 [SCHEDULER] Registered job %s (every %v)", name, interval)
	return nil
}

// RegisterCron registers a job on a standard 5-field cron expression.
func (s *Scheduler) RegisterCron(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before handing to gocron so a bad expression fails at
	// startup instead of silently never firing.
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", expr, name, err)
	}

	job, err := s.scheduler.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(task),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	s.jobs[name] = job
	log.Printf("📅 [SCHEDULER] Registered job %s (cron: %s)", name, expr)
	return nil
}

// Start begins running all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Started with %d jobs", len(s.jobs))
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() error {
	log.Println("⏹️ [SCHEDULER] Stopping...")
	return s.scheduler.Shutdown()
}
