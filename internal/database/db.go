// Package database persists the connection factory's audit trail: the
// lifecycle event log, cap-breach alarm history, and the periodic
// connection-count rollups, using lib/pq and plain SQL.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// DB wraps the audit database connection.
type DB struct {
	*sql.DB
}

// Connect opens and pings a Postgres connection.
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "database: open")
	}

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "database: ping")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes every .sql file in migrationsDir in lexical
// order. Idempotent migrations are the caller's responsibility.
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return errors.Wrap(err, "database: read migrations directory")
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		fmt.Printf("database: running migration %s\n", filename)

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return errors.Wrapf(err, "database: read migration %s", filename)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return errors.Wrapf(err, "database: execute migration %s", filename)
		}
	}

	fmt.Println("database: all migrations completed")
	return nil
}

// InsertConnectionEvent appends one row to the audit trail.
func (db *DB) InsertConnectionEvent(ev *ConnectionEventRow) error {
	query := `
		INSERT INTO connection_events (
			trace_id, remote_addr, session_id, event, detail, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return db.QueryRow(
		query,
		ev.TraceID,
		ev.RemoteAddr,
		ev.SessionID,
		ev.Event,
		ev.Detail,
		ev.ObservedAt,
	).Scan(&ev.ID)
}

// RecentEventsForPeer returns the most recent audit rows for a peer,
// newest first.
func (db *DB) RecentEventsForPeer(remoteAddr string, limit int) ([]*ConnectionEventRow, error) {
	query := `
		SELECT id, trace_id, remote_addr, session_id, event, detail, observed_at, created_at
		FROM connection_events
		WHERE remote_addr = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`
	rows, err := db.Query(query, remoteAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConnectionEventRow
	for rows.Next() {
		var r ConnectionEventRow
		if err := rows.Scan(&r.ID, &r.TraceID, &r.RemoteAddr, &r.SessionID, &r.Event, &r.Detail, &r.ObservedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// InsertCapAlarm records a new ALARMING transition and returns its id.
func (db *DB) InsertCapAlarm(a *CapAlarmRow) error {
	query := `
		INSERT INTO cap_alarms (remote_addr, rejections, window_ms, start_time, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING alarm_id
	`
	return db.QueryRow(query, a.RemoteAddr, a.Rejections, a.WindowMs, a.StartTime, a.Status).Scan(&a.AlarmID)
}

// ClearCapAlarm marks an alarm row CLEAR once the peer's rejection rate
// recovers.
func (db *DB) ClearCapAlarm(alarmID int64, endTime time.Time) error {
	query := `
		UPDATE cap_alarms
		SET status = $1, end_time = $2, updated_at = CURRENT_TIMESTAMP
		WHERE alarm_id = $3
	`
	_, err := db.Exec(query, AlarmStatusCleared, endTime, alarmID)
	return err
}

// UpsertHourlyConnectionCount accumulates one hour's accept/reject/close
// tallies for a peer.
func (db *DB) UpsertHourlyConnectionCount(h *HourlyConnectionCount) error {
	query := `
		INSERT INTO hourly_connection_counts (remote_addr, hour_timestamp, accepted, rejected, closed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (remote_addr, hour_timestamp) DO UPDATE
		SET accepted = hourly_connection_counts.accepted + EXCLUDED.accepted,
		    rejected = hourly_connection_counts.rejected + EXCLUDED.rejected,
		    closed   = hourly_connection_counts.closed   + EXCLUDED.closed
	`
	_, err := db.Exec(query, h.RemoteAddr, h.HourTimestamp, h.Accepted, h.Rejected, h.Closed)
	return err
}

// UpsertDailyConnectionSummary writes the daily rollup computed from a
// day's hourly rows.
func (db *DB) UpsertDailyConnectionSummary(d *DailyConnectionSummary) error {
	query := `
		INSERT INTO daily_connection_summaries (remote_addr, date, total_accepted, total_rejected, peak_hourly)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (remote_addr, date) DO UPDATE
		SET total_accepted = EXCLUDED.total_accepted,
		    total_rejected = EXCLUDED.total_rejected,
		    peak_hourly    = EXCLUDED.peak_hourly
	`
	_, err := db.Exec(query, d.RemoteAddr, d.Date, d.TotalAccepted, d.TotalRejected, d.PeakHourly)
	return err
}

// HourlyCountsForDay returns every peer's hourly rows for the given UTC
// date. The daily rollup job does not call it; it aggregates the same
// rows in a single SQL statement (see aggregation.DailyAggregator).
func (db *DB) HourlyCountsForDay(date time.Time) ([]*HourlyConnectionCount, error) {
	query := `
		SELECT id, remote_addr, hour_timestamp, accepted, rejected, closed, created_at
		FROM hourly_connection_counts
		WHERE hour_timestamp >= $1 AND hour_timestamp < $2
	`
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := db.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HourlyConnectionCount
	for rows.Next() {
		var h HourlyConnectionCount
		if err := rows.Scan(&h.ID, &h.RemoteAddr, &h.HourTimestamp, &h.Accepted, &h.Rejected, &h.Closed, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
