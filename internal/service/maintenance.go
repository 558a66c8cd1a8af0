package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type maintenanceTask struct {
	name     string
	schedule cron.Schedule
	lastFire time.Time
	fn       func(ctx context.Context) error
}

// AddMaintenance registers a maintenance task. The spec is "HH:MM" for a
// daily run or ":MM" for an hourly run at the given minute.
func (s *Service) AddMaintenance(name, spec string, fn func(ctx context.Context) error) error {
	expr, err := maintenanceCron(spec)
	if err != nil {
		return err
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("service: maintenance %s: parse %q: %w", name, expr, err)
	}
	s.maint = append(s.maint, &maintenanceTask{
		name:     name,
		schedule: schedule,
		lastFire: time.Now(),
		fn:       fn,
	})
	return nil
}

// maintenanceCron turns "HH:MM" or ":MM" into a cron expression.
func maintenanceCron(spec string) (string, error) {
	hh, mm, ok := strings.Cut(spec, ":")
	if !ok {
		return "", fmt.Errorf("service: malformed maintenance time %q", spec)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("service: malformed maintenance minute %q", spec)
	}
	if hh == "" {
		return fmt.Sprintf("%d * * * *", minute), nil
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("service: malformed maintenance hour %q", spec)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// runMaintenance executes every task whose scheduled fire time has passed
// since it last ran. Sleep overshoot therefore delays a run but never skips
// it. With force set, all tasks run regardless of schedule.
func (s *Service) runMaintenance(ctx context.Context, force bool) {
	now := time.Now()
	for _, task := range s.maint {
		if !force && task.schedule.Next(task.lastFire).After(now) {
			continue
		}
		task.lastFire = now
		s.Log.Info().Str("task", task.name).Msg("running maintenance")
		if err := task.fn(ctx); err != nil {
			s.Log.Warn().Err(err).Str("task", task.name).Msg("maintenance failed")
		}
	}
}

// untilNextMaintenance returns the delay until the earliest scheduled task,
// or zero when no tasks are registered.
func (s *Service) untilNextMaintenance() time.Duration {
	var next time.Time
	for _, task := range s.maint {
		fire := task.schedule.Next(task.lastFire)
		if next.IsZero() || fire.Before(next) {
			next = fire
		}
	}
	if next.IsZero() {
		return 0
	}
	d := time.Until(next)
	if d < 0 {
		// Overdue: run on the next loop pass.
		return time.Millisecond
	}
	return d
}
