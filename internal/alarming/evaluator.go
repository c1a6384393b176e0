package alarming

import (
	"context"
	"fmt"
	"time"

	"github.com/smukkama/cnxnfactory/internal/database"
	"github.com/smukkama/cnxnfactory/internal/protocol"
	"github.com/smukkama/cnxnfactory/internal/queue"
)

// Evaluator turns a stream of REJECTED_CAP connection events into the
// CLEAR -> PENDING_ALARM -> ALARMING state machine.
type Evaluator struct {
	db            *database.DB
	stateManager  *StateManager
	alarmProducer *queue.Producer

	sustainWindow     time.Duration
	rejectionsToAlarm int
}

// NewEvaluator builds an evaluator. A peer's first rejection moves it to
// PENDING_ALARM; it promotes to ALARMING once at least sustainWindow has
// passed since that first rejection and it has accumulated at least
// rejectionsToAlarm rejections since then.
func NewEvaluator(db *database.DB, stateManager *StateManager, alarmProducer *queue.Producer, sustainWindow time.Duration, rejectionsToAlarm int) *Evaluator {
	return &Evaluator{
		db:                db,
		stateManager:      stateManager,
		alarmProducer:     alarmProducer,
		sustainWindow:     sustainWindow,
		rejectionsToAlarm: rejectionsToAlarm,
	}
}

// EvaluateEvent folds one connection event into its peer's alarm state.
// Only REJECTED_CAP events can start or sustain a breach; any other event
// type for a peer currently ALARMING or PENDING_ALARM is treated as a
// sign of recovery.
func (e *Evaluator) EvaluateEvent(ctx context.Context, ev *protocol.ConnectionEvent) error {
	state, err := e.stateManager.GetState(ctx, ev.RemoteAddr)
	if err != nil {
		return fmt.Errorf("alarming: get state for %s: %w", ev.RemoteAddr, err)
	}

	now := time.Now()
	if ev.Event == protocol.EventRejectedCap {
		return e.handleRejection(ctx, ev.RemoteAddr, state, now)
	}
	return e.handleNonRejection(ctx, ev.RemoteAddr, state, now)
}

func (e *Evaluator) handleRejection(ctx context.Context, remoteAddr string, state *AlarmState, now time.Time) error {
	switch state.Status {
	case AlarmStateClear:
		newState := &AlarmState{
			Status:          AlarmStatePending,
			BreachStartTime: now,
			LastChecked:     now,
			Rejections:      1,
		}
		return e.stateManager.SetState(ctx, remoteAddr, newState)

	case AlarmStatePending:
		state.Rejections++
		state.LastChecked = now
		durationMet := now.Sub(state.BreachStartTime) >= e.sustainWindow
		if durationMet && state.Rejections >= e.rejectionsToAlarm {
			return e.triggerAlarm(ctx, remoteAddr, state, now)
		}
		return e.stateManager.SetState(ctx, remoteAddr, state)

	case AlarmStateActive:
		state.Rejections++
		state.LastChecked = now
		return e.stateManager.SetState(ctx, remoteAddr, state)
	}
	return nil
}

func (e *Evaluator) handleNonRejection(ctx context.Context, remoteAddr string, state *AlarmState, now time.Time) error {
	switch state.Status {
	case AlarmStateClear:
		return nil
	case AlarmStatePending:
		return e.stateManager.DeleteState(ctx, remoteAddr)
	case AlarmStateActive:
		return e.clearAlarm(ctx, remoteAddr, state, now)
	}
	return nil
}

func (e *Evaluator) triggerAlarm(ctx context.Context, remoteAddr string, state *AlarmState, now time.Time) error {
	fmt.Printf("alarming: ALARMING triggered for %s (%d rejections over %s)\n", remoteAddr, state.Rejections, e.sustainWindow)

	row := &database.CapAlarmRow{
		RemoteAddr: remoteAddr,
		Rejections: state.Rejections,
		WindowMs:   e.sustainWindow.Milliseconds(),
		StartTime:  state.BreachStartTime,
		Status:     database.AlarmStatusActive,
	}
	if err := e.db.InsertCapAlarm(row); err != nil {
		return fmt.Errorf("alarming: insert cap alarm: %w", err)
	}

	state.Status = AlarmStateActive
	state.AlarmID = row.AlarmID
	state.LastChecked = now
	if err := e.stateManager.SetState(ctx, remoteAddr, state); err != nil {
		return err
	}

	return e.sendNotification(ctx, &protocol.CapAlarmNotification{
		Type:       protocol.AlarmTypeTriggered,
		RemoteAddr: remoteAddr,
		Rejections: state.Rejections,
		WindowMs:   e.sustainWindow.Milliseconds(),
		StartTime:  state.BreachStartTime,
		AlarmID:    row.AlarmID,
	})
}

func (e *Evaluator) clearAlarm(ctx context.Context, remoteAddr string, state *AlarmState, now time.Time) error {
	fmt.Printf("alarming: ALARMING cleared for %s\n", remoteAddr)

	if state.AlarmID > 0 {
		if err := e.db.ClearCapAlarm(state.AlarmID, now); err != nil {
			return fmt.Errorf("alarming: clear cap alarm: %w", err)
		}
	}

	if err := e.stateManager.DeleteState(ctx, remoteAddr); err != nil {
		return err
	}

	return e.sendNotification(ctx, &protocol.CapAlarmNotification{
		Type:       protocol.AlarmTypeCleared,
		RemoteAddr: remoteAddr,
		AlarmID:    state.AlarmID,
	})
}

func (e *Evaluator) sendNotification(ctx context.Context, notification *protocol.CapAlarmNotification) error {
	data, err := protocol.EncodeCapAlarmNotification(notification)
	if err != nil {
		return fmt.Errorf("alarming: encode notification: %w", err)
	}
	return e.alarmProducer.Publish(ctx, notification.RemoteAddr, data)
}
