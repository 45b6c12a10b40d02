// Package scheduler submits jobs for compiled workflows on cron schedules.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/models"
)

// ErrScheduleExists is returned when a schedule name is registered twice.
var ErrScheduleExists = errors.New("schedule already exists")

// ErrScheduleNotFound is returned when removing an unknown schedule.
var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule configures one recurring submission.
type Schedule struct {
	Name       string
	CronExpr   string
	Workflow   *models.CompiledWorkflow
	MaxRetries int
}

type Scheduler struct {
	logger *slog.Logger
	engine *engine.Engine
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(logger *slog.Logger, jobEngine *engine.Engine) *Scheduler {
	return &Scheduler{
		logger: logger.With("module", "scheduler"),
		engine: jobEngine,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers a schedule. Each tick submits a fresh job with a generated id
// derived from the schedule name.
func (s *Scheduler) Add(schedule Schedule) error {
	if schedule.Name == "" {
		return errors.New("schedule name is required")
	}

	if schedule.Workflow == nil {
		return errors.New("schedule workflow is required")
	}

	if _, err := cron.ParseStandard(schedule.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q for schedule %s: %w",
			schedule.CronExpr, schedule.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[schedule.Name]; exists {
		return fmt.Errorf("%w: %s", ErrScheduleExists, schedule.Name)
	}

	entryID, err := s.cron.AddFunc(schedule.CronExpr, func() { s.fire(schedule) })
	if err != nil {
		return err
	}

	s.entries[schedule.Name] = entryID

	s.logger.Info("Schedule added",
		"schedule", schedule.Name,
		"cron", schedule.CronExpr,
		"workflow", schedule.Workflow.Name)

	return nil
}

// Remove deletes a schedule by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, exists := s.entries[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}

	s.cron.Remove(entryID)
	delete(s.entries, name)

	return nil
}

// Names returns the registered schedule names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	return names
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop stops firing and waits for in-flight submissions to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) fire(schedule Schedule) {
	job := models.NewJob("", schedule.Workflow)
	job.ID = schedule.Name + "-" + job.ID

	if schedule.MaxRetries > 0 {
		job.MaxRetries = schedule.MaxRetries
	}

	if _, err := s.engine.SubmitJob(job); err != nil {
		s.logger.Error("Failed to submit scheduled job",
			"schedule", schedule.Name, "error", err)

		return
	}

	s.logger.Info("Scheduled job submitted", "schedule", schedule.Name, "job_id", job.ID)
}
