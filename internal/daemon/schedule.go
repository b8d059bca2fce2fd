package daemon

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/aethernet/core/internal/state"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ScheduleStore is the persistence surface the supplementary scheduled-
// prompt feature needs. Not part of the core tick loop: a schedule fires
// by injecting its prompt as an ordinary inbound message, exactly as if
// an operator had sent it.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]state.Schedule, error)
	MarkScheduleFired(ctx context.Context, id string, firedAt, nextRunAt time.Time) error
	InsertMessage(ctx context.Context, m state.Message) (string, error)
}

// ScheduleRunner injects due scheduled-prompt messages ahead of each
// tick. It is optional: a Daemon with no ScheduleRunner configured only
// ever ticks on inbox/brain activity.
type ScheduleRunner struct {
	store  ScheduleStore
	to     string
	logger *slog.Logger
}

func NewScheduleRunner(store ScheduleStore, agentAddress string, logger *slog.Logger) *ScheduleRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScheduleRunner{store: store, to: agentAddress, logger: logger}
}

// RunDue queries for due schedules and injects one inbound message per
// fired schedule, then advances its next run time.
func (r *ScheduleRunner) RunDue(ctx context.Context) {
	now := time.Now()
	due, err := r.store.DueSchedules(ctx, now)
	if err != nil {
		r.logger.Error("schedule: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		r.fire(ctx, sched, now)
	}
}

func (r *ScheduleRunner) fire(ctx context.Context, sched state.Schedule, now time.Time) {
	_, err := r.store.InsertMessage(ctx, state.Message{
		From:       "schedule:" + sched.ID,
		To:         r.to,
		Content:    sched.Prompt,
		ReceivedAt: now,
	})
	if err != nil {
		r.logger.Error("schedule: failed to inject prompt message", "schedule_id", sched.ID, "error", err)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		r.logger.Error("schedule: failed to compute next run time",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}

	if err := r.store.MarkScheduleFired(ctx, sched.ID, now, nextRun); err != nil {
		r.logger.Error("schedule: failed to mark schedule fired", "schedule_id", sched.ID, "error", err)
		return
	}

	r.logger.Info("schedule: prompt injected", "schedule_id", sched.ID, "schedule_name", sched.Name, "next_run_at", nextRun)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
