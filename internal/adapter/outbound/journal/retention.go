package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

// DefaultPurgeSchedule runs retention once a day shortly after midnight.
const DefaultPurgeSchedule = "15 0 * * *"

// Retention purges old journal entries on a cron schedule.
type Retention struct {
	journal outbound.Journal
	days    int
	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time
}

// NewRetention creates a Retention keeping days of history. schedule is a
// standard five-field cron expression; "" selects DefaultPurgeSchedule.
func NewRetention(j outbound.Journal, days int, schedule string, logger *slog.Logger) (*Retention, error) {
	if days <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", days)
	}
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Retention{
		journal: j,
		days:    days,
		cron:    cron.New(),
		logger:  logger.With("subsystem", "journal_retention"),
		now:     time.Now,
	}
	if _, err := r.cron.AddFunc(schedule, func() { _, _ = r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start runs the schedule in the background.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop stops the schedule and waits for a running purge to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce purges entries older than the retention window.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.days)
	n, err := r.journal.Purge(ctx, cutoff)
	if err != nil {
		r.logger.Error("journal purge failed", "error", err)
		return 0, err
	}
	r.logger.Debug("journal purge finished", "removed", n, "cutoff", cutoff)
	return n, nil
}
