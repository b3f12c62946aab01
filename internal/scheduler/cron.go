package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// cronParser — парсер cron-выражений (5 полей + дескрипторы @daily, @every).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующее время запуска после from
// в часовом поясе schedule. Результат в UTC.
func CalculateNextDue(sched *domain.Schedule, from time.Time) (time.Time, error) {
	loc := time.UTC
	if sched.Timezone != "" {
		l, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
		}
		loc = l
	}
	from = from.In(loc)

	switch {
	case sched.IsCron():
		s, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
		}
		return s.Next(from).UTC(), nil
	case sched.IsInterval():
		return from.Add(time.Duration(sched.IntervalSec) * time.Second).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("schedule has neither cron_expr nor interval_sec")
	}
}

// ValidateSchedule проверяет cron-выражение, интервал и timezone.
func ValidateSchedule(sched *domain.Schedule) error {
	if sched.CronExpr == "" && sched.IntervalSec <= 0 {
		return fmt.Errorf("either cron_expr or interval_sec is required")
	}
	if sched.IsCron() {
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
		}
	}
	if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", sched.Timezone, err)
		}
	}
	return nil
}
