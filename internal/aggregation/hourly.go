// Package aggregation computes the periodic connection-count rollups:
// hourly per-peer accept/reject/close totals, and a daily summary of
// accept/reject totals plus the peak hourly accept count over those hours.
package aggregation

import (
	"fmt"
	"time"

	"github.com/smukkama/cnxnfactory/internal/database"
)

// HourlyAggregator rolls connection_events up into
// hourly_connection_counts.
type HourlyAggregator struct {
	db *database.DB
}

func NewHourlyAggregator(db *database.DB) *HourlyAggregator {
	return &HourlyAggregator{db: db}
}

// Aggregate folds every connection_events row in [hour, hour+1h) into one
// hourly_connection_counts row per peer.
func (h *HourlyAggregator) Aggregate(targetHour time.Time) error {
	startTime := targetHour.Truncate(time.Hour)
	endTime := startTime.Add(time.Hour)

	fmt.Printf("aggregation: running hourly rollup for %s\n", startTime.Format("2006-01-02 15:04:05"))

	query := `
		INSERT INTO hourly_connection_counts (remote_addr, hour_timestamp, accepted, rejected, closed)
		SELECT
			remote_addr,
			$1 AS hour_timestamp,
			COUNT(*) FILTER (WHERE event = 'ACCEPTED') AS accepted,
			COUNT(*) FILTER (WHERE event = 'REJECTED_CAP') AS rejected,
			COUNT(*) FILTER (WHERE event = 'CLOSED') AS closed
		FROM connection_events
		WHERE observed_at >= $1 AND observed_at < $2
		GROUP BY remote_addr
		ON CONFLICT (remote_addr, hour_timestamp) DO UPDATE
		SET accepted = EXCLUDED.accepted,
		    rejected = EXCLUDED.rejected,
		    closed   = EXCLUDED.closed
	`

	result, err := h.db.Exec(query, startTime, endTime)
	if err != nil {
		return fmt.Errorf("aggregation: hourly rollup: %w", err)
	}

	rows, _ := result.RowsAffected()
	fmt.Printf("aggregation: hourly rollup completed, %d peers processed\n", rows)
	return nil
}

// AggregatePreviousHour rolls up the most recently completed hour.
func (h *HourlyAggregator) AggregatePreviousHour() error {
	previousHour := time.Now().Add(-time.Hour).Truncate(time.Hour)
	return h.Aggregate(previousHour)
}

// CalculateNextRunTime returns when the hourly job should fire next,
// delay past the top of the hour.
func (h *HourlyAggregator) CalculateNextRunTime(delay time.Duration) time.Time {
	now := time.Now()
	nextHour := now.Truncate(time.Hour).Add(time.Hour)
	nextRun := nextHour.Add(delay)
	if now.After(nextRun) {
		nextRun = nextRun.Add(time.Hour)
	}
	return nextRun
}
