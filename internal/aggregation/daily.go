package aggregation

import (
	"fmt"
	"time"

	"github.com/smukkama/cnxnfactory/internal/database"
)

// DailyAggregator rolls hourly_connection_counts up into
// daily_connection_summaries.
type DailyAggregator struct {
	db *database.DB
}

func NewDailyAggregator(db *database.DB) *DailyAggregator {
	return &DailyAggregator{db: db}
}

// Aggregate folds the day's hourly rows into one daily summary row per
// peer: totals plus the peak hourly accept count.
func (d *DailyAggregator) Aggregate(targetDate time.Time) error {
	date := targetDate.Truncate(24 * time.Hour)
	fmt.Printf("aggregation: running daily rollup for %s\n", date.Format("2006-01-02"))

	query := `
		INSERT INTO daily_connection_summaries (remote_addr, date, total_accepted, total_rejected, peak_hourly)
		SELECT
			remote_addr,
			$1::date AS date,
			SUM(accepted) AS total_accepted,
			SUM(rejected) AS total_rejected,
			MAX(accepted) AS peak_hourly
		FROM hourly_connection_counts
		WHERE DATE(hour_timestamp) = $1::date
		GROUP BY remote_addr
		ON CONFLICT (remote_addr, date) DO UPDATE
		SET total_accepted = EXCLUDED.total_accepted,
		    total_rejected = EXCLUDED.total_rejected,
		    peak_hourly    = EXCLUDED.peak_hourly
	`

	result, err := d.db.Exec(query, date)
	if err != nil {
		return fmt.Errorf("aggregation: daily rollup: %w", err)
	}

	rows, _ := result.RowsAffected()
	fmt.Printf("aggregation: daily rollup completed, %d peers processed\n", rows)
	return nil
}

// AggregatePreviousDay rolls up yesterday (UTC-naive, same as the hourly
// job's local-time truncation).
func (d *DailyAggregator) AggregatePreviousDay() error {
	yesterday := time.Now().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	return d.Aggregate(yesterday)
}

// CalculateNextRunTime parses an "HH:MM" time-of-day and returns the next
// occurrence, today if still ahead, tomorrow otherwise.
func (d *DailyAggregator) CalculateNextRunTime(timeOfDay string) (time.Time, error) {
	now := time.Now()

	var hour, minute int
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("aggregation: invalid time %q (expected HH:MM): %w", timeOfDay, err)
	}

	todayRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(todayRun) {
		return todayRun.AddDate(0, 0, 1), nil
	}
	return todayRun, nil
}
