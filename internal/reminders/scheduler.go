package reminders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/parley/internal/observability"
)

// DefaultCheckInterval is the overdue scan period when no interval or
// cron expression is configured.
const DefaultCheckInterval = 5 * time.Minute

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SchedulerConfig configures the scan cadence. Cron takes precedence
// over CheckInterval when set.
type SchedulerConfig struct {
	CheckInterval time.Duration
	Cron          string
}

// Scheduler periodically scans the store for overdue reminders, logs a
// summary at WARN level, and marks each surfaced reminder notified.
// Exactly one scan loop runs per instance; a second Start is a no-op.
type Scheduler struct {
	store   *FileStore
	logger  *observability.Logger
	metrics *observability.Metrics

	interval time.Duration
	schedule cron.Schedule

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	summary string
}

// NewScheduler builds a scheduler over the store. metrics may be nil.
func NewScheduler(store *FileStore, cfg SchedulerConfig, logger *observability.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	s := &Scheduler{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		interval: cfg.CheckInterval,
	}
	if s.interval <= 0 {
		s.interval = DefaultCheckInterval
	}
	if cfg.Cron != "" {
		schedule, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse reminder cron %q: %w", cfg.Cron, err)
		}
		s.schedule = schedule
	}
	return s, nil
}

// Start launches the scan loop. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit. Safe to call on a
// stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentSummary returns the text of the most recent scan with overdue
// reminders, or an empty string.
func (s *Scheduler) CurrentSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *Scheduler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		s.scan(ctx)

		timer := time.NewTimer(s.nextDelay(time.Now()))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) nextDelay(now time.Time) time.Duration {
	if s.schedule != nil {
		return s.schedule.Next(now).Sub(now)
	}
	return s.interval
}

// scan surfaces overdue reminders once and marks them notified.
func (s *Scheduler) scan(ctx context.Context) {
	overdue, err := s.store.GetOverdue()
	if err != nil {
		s.logger.Error(ctx, "overdue scan failed", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏰ Просроченные напоминания (%d):\n", len(overdue))
	for _, r := range overdue {
		fmt.Fprintf(&b, "• %s — %s", r.Title, r.ReminderTime.Format("02.01.2006 15:04"))
		if r.Description != "" {
			fmt.Fprintf(&b, "\n  %s", r.Description)
		}
		fmt.Fprintf(&b, "\n  id: %s\n", r.ID)
	}
	summary := b.String()

	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()

	s.logger.Warn(ctx, "overdue reminders", "count", len(overdue), "summary", summary)

	for _, r := range overdue {
		if err := s.store.MarkNotified(r.ID); err != nil {
			s.logger.Error(ctx, "failed to mark reminder notified", "id", r.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.RemindersNotified.Inc()
		}
	}
}
