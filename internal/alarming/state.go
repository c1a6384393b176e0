// Package alarming tracks the cap-breach alarm state machine: CLEAR ->
// PENDING_ALARM -> ALARMING per peer address, backed by Redis so
// multiple factory processes behind the same listener agree on alarm
// state.
package alarming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlarmState is the sustained cap-pressure state for one peer address.
type AlarmState struct {
	Status          string    `json:"status"`
	BreachStartTime time.Time `json:"breach_start_time"`
	LastChecked     time.Time `json:"last_checked"`
	Rejections      int       `json:"rejections"`
	AlarmID         int64     `json:"alarm_id,omitempty"`
}

const (
	AlarmStateClear   = "CLEAR"
	AlarmStatePending = "PENDING_ALARM"
	AlarmStateActive  = "ALARMING"
)

// StateManager persists per-peer alarm state in Redis with a TTL so a
// peer that stops reconnecting eventually falls out of tracking on its
// own.
type StateManager struct {
	redis *redis.Client
}

func NewStateManager(redisClient *redis.Client) *StateManager {
	return &StateManager{redis: redisClient}
}

func stateKey(remoteAddr string) string {
	return fmt.Sprintf("cap_alarm_state:%s", remoteAddr)
}

// GetState returns the peer's current state, CLEAR if none is stored.
func (sm *StateManager) GetState(ctx context.Context, remoteAddr string) (*AlarmState, error) {
	data, err := sm.redis.Get(ctx, stateKey(remoteAddr)).Result()
	if err == redis.Nil {
		return &AlarmState{Status: AlarmStateClear}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alarming: get state: %w", err)
	}

	var state AlarmState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("alarming: unmarshal state: %w", err)
	}
	return &state, nil
}

// SetState persists state with a 24h TTL, long enough to survive a
// sustained breach window but short enough to self-clean abandoned peers.
func (sm *StateManager) SetState(ctx context.Context, remoteAddr string, state *AlarmState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("alarming: marshal state: %w", err)
	}
	return sm.redis.Set(ctx, stateKey(remoteAddr), data, 24*time.Hour).Err()
}

// DeleteState returns a peer to the implicit CLEAR state.
func (sm *StateManager) DeleteState(ctx context.Context, remoteAddr string) error {
	return sm.redis.Del(ctx, stateKey(remoteAddr)).Err()
}

// GetAllStates returns every peer currently tracked (PENDING_ALARM or
// ALARMING), for an operator-facing alarm dashboard.
func (sm *StateManager) GetAllStates(ctx context.Context) (map[string]*AlarmState, error) {
	keys, err := sm.redis.Keys(ctx, "cap_alarm_state:*").Result()
	if err != nil {
		return nil, err
	}

	states := make(map[string]*AlarmState)
	for _, key := range keys {
		data, err := sm.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var state AlarmState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			continue
		}
		states[key] = &state
	}
	return states, nil
}
