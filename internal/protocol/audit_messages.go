package protocol

import (
	"encoding/json"
	"time"
)

// EventType identifies a connection lifecycle audit event.
type EventType string

const (
	EventAccepted     EventType = "ACCEPTED"
	EventEstablished  EventType = "SESSION_ESTABLISHED"
	EventRejectedCap  EventType = "REJECTED_CAP"
	EventExpired      EventType = "EXPIRED"
	EventClosed       EventType = "CLOSED"
)

// ConnectionEvent is the audit message published to the lifecycle topic
// for every accept, cap rejection, session binding, and close the factory
// observes. A connection reaped by the expirer is reported as CLOSED;
// the factory does not publish EventExpired.
type ConnectionEvent struct {
	TraceID     string    `json:"trace_id"`
	RemoteAddr  string    `json:"remote_addr"`
	SessionID   uint64    `json:"session_id,omitempty"`
	Event       EventType `json:"event"`
	Detail      string    `json:"detail,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// AlarmType identifies a cap-breach alarm notification.
type AlarmType string

const (
	AlarmTypeTriggered AlarmType = "CAP_ALARM_TRIGGERED"
	AlarmTypeCleared   AlarmType = "CAP_ALARM_CLEARED"
)

// CapAlarmNotification is published when a peer's rejection rate breaches
// (or recovers from) the sustained cap-pressure threshold.
type CapAlarmNotification struct {
	Type        AlarmType `json:"type"`
	RemoteAddr  string    `json:"remote_addr"`
	Rejections  int       `json:"rejections"`
	WindowMs    int64     `json:"window_ms"`
	StartTime   time.Time `json:"start_time"`
	AlarmID     int64     `json:"alarm_id,omitempty"`
}

// EncodeConnectionEvent encodes a ConnectionEvent to JSON.
func EncodeConnectionEvent(ev *ConnectionEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeConnectionEvent decodes JSON into a ConnectionEvent.
func DecodeConnectionEvent(data []byte) (*ConnectionEvent, error) {
	var ev ConnectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// EncodeCapAlarmNotification encodes a CapAlarmNotification to JSON.
func EncodeCapAlarmNotification(n *CapAlarmNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeCapAlarmNotification decodes JSON into a CapAlarmNotification.
func DecodeCapAlarmNotification(data []byte) (*CapAlarmNotification, error) {
	var n CapAlarmNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
