package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

type Scheduler interface {
	RegisterTasks() error
	Start() error
	Shutdown()
}

type scheduler struct {
	asynqScheduler *asynq.Scheduler
	sweepCron      string
	log            *slog.Logger
}

// NewScheduler schedules the free point sweep on sweepCron, a standard five
// field expression validated at config load.
func NewScheduler(redisOpt asynq.RedisConnOpt, sweepCron string, log *slog.Logger) Scheduler {
	return &scheduler{
		asynqScheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC}),
		sweepCron:      sweepCron,
		log:            log,
	}
}

func (s *scheduler) RegisterTasks() error {
	task, err := NewFreePointsSweepTask(TriggerCron, 10*time.Minute)
	if err != nil {
		return err
	}

	entryID, err := s.asynqScheduler.Register(s.sweepCron, task)
	if err != nil {
		return err
	}

	if s.log != nil {
		s.log.InfoContext(context.Background(), "scheduler: registered free point sweep",
			slog.String("cron", s.sweepCron),
			slog.String("entry_id", entryID),
		)
	}

	return nil
}

func (s *scheduler) Start() error {
	if s.log != nil {
		s.log.InfoContext(context.Background(), "scheduler: starting")
	}

	if err := s.asynqScheduler.Start(); err != nil {
		if s.log != nil {
			s.log.ErrorContext(context.Background(), "scheduler: start failed", slog.Any("error", err))
		}
		return err
	}
	return nil
}

func (s *scheduler) Shutdown() {
	if s.log != nil {
		s.log.InfoContext(context.Background(), "scheduler: shutting down")
	}

	s.asynqScheduler.Shutdown()
}
