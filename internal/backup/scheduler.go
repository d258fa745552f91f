// Package backup schedules recurring backup jobs on agents and tracks
// their outcomes.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/eventbus"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/pkg/protocol"
)

// Trigger sends a trigger-backup command to an agent. Satisfied by
// *gateway.Commands.
type Trigger interface {
	TriggerBackup(agentID string, req protocol.BackupRequest) error
}

// Scheduler fires due backup jobs. A trigger is fire-and-forget: the
// job sits in "running" until the agent reports a backup-completed
// event, which flips it to ok or failed.
type Scheduler struct {
	logger  *slog.Logger
	store   store.Store
	trigger Trigger
	bus     *eventbus.Bus

	checkInterval time.Duration
}

// NewScheduler creates a scheduler. checkInterval <= 0 defaults to one
// minute.
func NewScheduler(logger *slog.Logger, s store.Store, trigger Trigger, bus *eventbus.Bus, checkInterval time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &Scheduler{
		logger:        logger.With("component", "backup"),
		store:         s,
		trigger:       trigger,
		bus:           bus,
		checkInterval: checkInterval,
	}
}

// Run checks for due jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	jobs, err := s.store.ListBackupJobs(ctx)
	if err != nil {
		s.logger.Warn("list backup jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		if !job.Due(now) {
			continue
		}
		if err := s.fire(ctx, &job); err != nil {
			s.logger.Warn("backup trigger failed", "job_id", job.ID, "agent_id", job.AgentID, "error", err)
		}
	}
}

// TriggerNow fires a job immediately regardless of its schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID string) error {
	job, err := s.store.GetBackupJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get backup job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("backup job %s not found", jobID)
	}
	return s.fire(ctx, job)
}

func (s *Scheduler) fire(ctx context.Context, job *store.BackupJob) error {
	if err := s.trigger.TriggerBackup(job.AgentID, protocol.BackupRequest{
		JobID:       job.ID,
		Paths:       job.Paths,
		Destination: job.Destination,
	}); err != nil {
		_ = s.store.UpdateBackupJobStatus(ctx, job.ID, store.BackupFailed, err.Error(), job.LastRun)
		return err
	}
	s.logger.Info("backup triggered", "job_id", job.ID, "agent_id", job.AgentID)
	return s.store.UpdateBackupJobStatus(ctx, job.ID, store.BackupRunning, "", job.LastRun)
}

// HandleBackupCompleted is the event handler for backup-completed
// frames. Register it with the gateway dispatcher.
func (s *Scheduler) HandleBackupCompleted(agentID string, payload json.RawMessage) {
	var done protocol.BackupCompleted
	if err := json.Unmarshal(payload, &done); err != nil {
		s.logger.Warn("bad backup-completed payload", "agent_id", agentID, "error", err)
		return
	}

	status := store.BackupOK
	if !done.OK {
		status = store.BackupFailed
	}
	if err := s.store.UpdateBackupJobStatus(context.Background(), done.JobID, status, done.Error, time.Now()); err != nil {
		s.logger.Warn("failed to record backup outcome", "job_id", done.JobID, "error", err)
	}

	if done.OK {
		s.logger.Info("backup completed", "job_id", done.JobID, "agent_id", agentID, "bytes", done.Bytes)
	} else {
		s.logger.Warn("backup failed", "job_id", done.JobID, "agent_id", agentID, "error", done.Error)
	}
	s.bus.PublishType(eventbus.BackupCompleted, agentID, done)
}
