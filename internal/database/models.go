package database

import "time"

// ConnectionEventRow is a persisted row of the connection lifecycle audit
// trail, one per accept/reject/establish/expire/close the factory
// observed.
type ConnectionEventRow struct {
	ID         int64
	TraceID    string
	RemoteAddr string
	SessionID  *int64
	Event      string
	Detail     string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// CapAlarmRow is a persisted cap-breach alarm transition: a peer
// crossing into or clearing the ALARMING state.
type CapAlarmRow struct {
	AlarmID    int64
	RemoteAddr string
	Rejections int
	WindowMs   int64
	StartTime  time.Time
	EndTime    *time.Time
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HourlyConnectionCount is an hourly rollup of accept/reject/close volume
// per peer, produced by the periodic aggregation job.
type HourlyConnectionCount struct {
	ID            int64
	RemoteAddr    string
	HourTimestamp time.Time
	Accepted      int
	Rejected      int
	Closed        int
	CreatedAt     time.Time
}

// DailyConnectionSummary is the daily rollup over a peer's hourly
// counts: accept/reject totals and the peak hourly accept count.
type DailyConnectionSummary struct {
	ID           int64
	RemoteAddr   string
	Date         time.Time
	TotalAccepted int
	TotalRejected int
	PeakHourly    int
	CreatedAt     time.Time
}

const (
	AlarmStatusActive  = "ALARMING"
	AlarmStatusPending = "PENDING_ALARM"
	AlarmStatusCleared = "CLEAR"
)
