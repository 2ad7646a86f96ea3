// Package cron runs configured schedules as conversation rounds.
package cron

import (
	"context"

	"github.com/haasonsaas/memoh/internal/config"
	"github.com/haasonsaas/memoh/pkg/models"
	"github.com/robfig/cron/v3"
	"log/slog"
)

// Trigger is the flow surface a schedule fires against.
type Trigger interface {
	TriggerSchedule(ctx context.Context, req models.ScheduleRequest) (models.ChatResponse, error)
}

// Runner owns the cron loop for the configured schedules.
type Runner struct {
	flow      Trigger
	schedules []config.ScheduleConfig
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewRunner builds a runner; Start arms it.
func NewRunner(flow Trigger, schedules []config.ScheduleConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		flow:      flow,
		schedules: schedules,
		logger:    logger.With(slog.String("component", "cron")),
	}
}

// Start registers every schedule and begins firing. Invalid patterns are
// logged and skipped; one bad schedule never blocks the rest.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()
	for _, sched := range r.schedules {
		sched := sched
		_, err := c.AddFunc(sched.Pattern, func() {
			r.fire(ctx, sched)
		})
		if err != nil {
			r.logger.Error("schedule registration failed",
				slog.String("schedule_id", sched.ID),
				slog.String("pattern", sched.Pattern),
				slog.Any("error", err))
			continue
		}
		r.logger.Info("schedule registered",
			slog.String("schedule_id", sched.ID),
			slog.String("pattern", sched.Pattern))
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts firing and waits for running jobs.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

func (r *Runner) fire(ctx context.Context, sched config.ScheduleConfig) {
	r.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("bot_id", sched.BotID))

	_, err := r.flow.TriggerSchedule(ctx, models.ScheduleRequest{
		BotID:       sched.BotID,
		ScheduleID:  sched.ID,
		Name:        sched.Name,
		Description: sched.Description,
		Pattern:     sched.Pattern,
		MaxCalls:    sched.MaxCalls,
		Command:     sched.Command,
		OwnerUserID: sched.OwnerUserID,
	})
	if err != nil {
		r.logger.Error("schedule round failed",
			slog.String("schedule_id", sched.ID),
			slog.Any("error", err))
	}
}
