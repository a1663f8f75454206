// Package reminders exposes the reminder store as callable tools.
package reminders

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/reminders"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

const timeLayout = "02.01.2006 15:04"

type addArgs struct {
	Title       string `json:"title" jsonschema:"required,description=Короткий заголовок напоминания"`
	Description string `json:"description,omitempty" jsonschema:"description=Подробности"`
	When        string `json:"when" jsonschema:"required,description=Время: RFC3339 или относительное вида 'in 30 minutes'"`
}

type idArgs struct {
	ID string `json:"id" jsonschema:"required,description=Идентификатор напоминания"`
}

type listArgs struct {
	IncludeInactive bool `json:"includeInactive,omitempty" jsonschema:"description=Показывать выполненные и отменённые"`
}

// Register adds the reminder tools backed by store. The scheduler is
// optional; without it reminder_get_summary reports an empty summary.
func Register(registry *tools.Registry, store *reminders.FileStore, scheduler *reminders.Scheduler) error {
	toolset := []tools.Tool{
		tools.MustDeclare("reminder_add",
			"Создаёт напоминание на указанное время",
			func(_ context.Context, args addArgs) (string, error) {
				at, err := parseWhen(args.When, time.Now())
				if err != nil {
					return "", err
				}
				r, err := store.Add(args.Title, args.Description, at)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Напоминание создано на %s\nid: %s", r.ReminderTime.Format(timeLayout), r.ID), nil
			}),

		tools.MustDeclare("reminder_list",
			"Показывает список напоминаний",
			func(_ context.Context, args listArgs) (string, error) {
				list, err := store.List()
				if err != nil {
					return "", err
				}
				var b strings.Builder
				shown := 0
				for _, r := range list {
					if !args.IncludeInactive && r.Status != models.ReminderPending {
						continue
					}
					fmt.Fprintf(&b, "• %s — %s [%s]\n  id: %s\n", r.Title, r.ReminderTime.Format(timeLayout), r.Status, r.ID)
					shown++
				}
				if shown == 0 {
					return "Напоминаний нет.", nil
				}
				return b.String(), nil
			}),

		tools.MustDeclare("reminder_complete",
			"Отмечает напоминание выполненным",
			func(_ context.Context, args idArgs) (string, error) {
				r, err := store.Complete(args.ID)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Выполнено: %s", r.Title), nil
			}),

		tools.MustDeclare("reminder_delete",
			"Удаляет напоминание",
			func(_ context.Context, args idArgs) (string, error) {
				if err := store.Delete(args.ID); err != nil {
					return "", err
				}
				return "Напоминание удалено.", nil
			}),

		tools.MustDeclare("reminder_get_summary",
			"Показывает сводку последних просроченных напоминаний",
			func(context.Context, struct{}) (string, error) {
				if scheduler == nil {
					return "Планировщик не запущен.", nil
				}
				summary := scheduler.CurrentSummary()
				if summary == "" {
					return "Просроченных напоминаний не было.", nil
				}
				return summary, nil
			}),
	}

	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

var relativePattern = regexp.MustCompile(`^in\s+(\d+(?:\.\d+)?)\s*(seconds?|minutes?|mins?|hours?|hrs?|days?|weeks?)$`)

// parseWhen turns a time specification into an absolute time: RFC3339,
// a handful of common layouts, or relative "in N minutes/hours/days".
// Bare clock times resolve to the next occurrence.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, fmt.Errorf("time specification is empty")
	}

	if m := relativePattern.FindStringSubmatch(strings.ToLower(when)); m != nil {
		amount, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid number %q", m[1])
		}
		var unit time.Duration
		switch {
		case strings.HasPrefix(m[2], "sec"):
			unit = time.Second
		case strings.HasPrefix(m[2], "min"):
			unit = time.Minute
		case strings.HasPrefix(m[2], "h"):
			unit = time.Hour
		case strings.HasPrefix(m[2], "day"):
			unit = 24 * time.Hour
		case strings.HasPrefix(m[2], "week"):
			unit = 7 * 24 * time.Hour
		}
		return now.Add(time.Duration(amount * float64(unit))), nil
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"15:04",
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, when, now.Location())
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			// Clock-only: today, or tomorrow when already past.
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
			if t.Before(now) {
				t = t.Add(24 * time.Hour)
			}
		}
		return t, nil
	}

	return time.Time{}, fmt.Errorf("не удалось разобрать время: %s", when)
}
