package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"strategyengine/pkg/db"
)

// Resetter zeroes a strategy's daily/weekly/monthly realized PnL windows
// on calendar boundaries, anchored to each strategy's configured
// reset_hour_utc. One hourly sweep checks every strategy's daily, weekly
// (ISO week, Monday 00:00 UTC) and monthly (1st of the month, 00:00 UTC)
// windows and resets each one that has rolled over.
type Resetter struct {
	db   *db.Database
	cron *cron.Cron
}

// NewResetter builds a Resetter over database. Call Start to schedule it.
func NewResetter(database *db.Database) *Resetter {
	return &Resetter{db: database, cron: cron.New()}
}

// Start schedules the hourly window-reset sweep and returns immediately;
// the cron scheduler runs it on its own goroutine.
func (r *Resetter) Start() error {
	if _, err := r.cron.AddFunc("0 * * * *", r.sweep); err != nil {
		return fmt.Errorf("strategy: schedule reset sweep: %w", err)
	}
	r.cron.Start()
	log.Println("[STRATEGY] PnL window resetter started")
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (r *Resetter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Resetter) sweep() {
	ctx := context.Background()
	strategies, err := r.db.ListActiveStrategies(ctx)
	if err != nil {
		log.Printf("[STRATEGY] reset sweep: list active strategies: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, strat := range strategies {
		if !dailyWindowElapsed(strat, now) && !weeklyWindowElapsed(strat, now) && !monthlyWindowElapsed(strat, now) {
			continue
		}
		if err := r.resetStrategy(ctx, strat, now); err != nil {
			log.Printf("[STRATEGY] reset %s: %v", strat.ID, err)
		}
	}
}

func (r *Resetter) resetStrategy(ctx context.Context, strat db.Strategy, now time.Time) error {
	tracking := strat.Tracking
	resetHour := strat.Rules.RiskManagement.ResetHourUTC

	if dailyWindowElapsed(strat, now) {
		tracking.Stats.DailyPnLUSD = 0
		tracking.Stats.DailyWindowStart = now.Truncate(24 * time.Hour).Add(time.Duration(resetHour) * time.Hour)
	}
	if weeklyWindowElapsed(strat, now) {
		tracking.Stats.WeeklyPnLUSD = 0
		tracking.Stats.WeeklyWindowStart = startOfISOWeek(now)
	}
	if monthlyWindowElapsed(strat, now) {
		tracking.Stats.MonthlyPnLUSD = 0
		tracking.Stats.MonthlyWindowStart = startOfMonth(now)
	}

	return r.db.PersistExecution(ctx, strat.ID, tracking)
}

func dailyWindowElapsed(strat db.Strategy, now time.Time) bool {
	start := strat.Tracking.Stats.DailyWindowStart
	if start.IsZero() {
		return true
	}
	boundary := start.Add(24 * time.Hour)
	return !now.Before(boundary)
}

func weeklyWindowElapsed(strat db.Strategy, now time.Time) bool {
	start := strat.Tracking.Stats.WeeklyWindowStart
	if start.IsZero() {
		return true
	}
	return !now.Before(start.AddDate(0, 0, 7))
}

func monthlyWindowElapsed(strat db.Strategy, now time.Time) bool {
	start := strat.Tracking.Stats.MonthlyWindowStart
	if start.IsZero() {
		return true
	}
	return !now.Before(start.AddDate(0, 1, 0))
}

func startOfISOWeek(now time.Time) time.Time {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday becomes day 7 so Monday is always day 1
	}
	daysSinceMonday := weekday - 1
	return now.Truncate(24 * time.Hour).AddDate(0, 0, -daysSinceMonday)
}

func startOfMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
