// Package alarm evaluates stored threshold queries on a schedule and
// drives notifications through the OK/FIRING/UNKNOWN state machine.
package alarm

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"grepwise/internal/notify"
)

// State is an alarm's (or group's) evaluation state.
type State string

const (
	StateOK      State = "OK"
	StateFiring  State = "FIRING"
	StateUnknown State = "UNKNOWN"
)

// ThresholdOp compares the observed count with the threshold.
type ThresholdOp string

const (
	OpGt ThresholdOp = ">"
	OpGe ThresholdOp = ">="
	OpLt ThresholdOp = "<"
	OpLe ThresholdOp = "<="
	OpEq ThresholdOp = "="
	OpNe ThresholdOp = "!="
)

// Compare applies the operator.
func (op ThresholdOp) Compare(observed, threshold int64) (bool, error) {
	switch op {
	case OpGt:
		return observed > threshold, nil
	case OpGe:
		return observed >= threshold, nil
	case OpLt:
		return observed < threshold, nil
	case OpLe:
		return observed <= threshold, nil
	case OpEq:
		return observed == threshold, nil
	case OpNe:
		return observed != threshold, nil
	default:
		return false, fmt.Errorf("unknown threshold operator %q", op)
	}
}

// GroupState tracks one group's sub-state and throttle window. The
// ungrouped scalar case uses the empty group key.
type GroupState struct {
	State       State `json:"state"`
	LastFiredTs int64 `json:"last_fired_ts,omitempty"`
}

// Alarm is a stored threshold alarm. Timestamps are unix millis.
type Alarm struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Query          string           `json:"query"`
	WindowMs       int64            `json:"window_ms"`
	ThresholdOp    ThresholdOp      `json:"threshold_op"`
	ThresholdValue int64            `json:"threshold_value"`
	IntervalMs     int64            `json:"interval_ms"`
	GroupBy        []string         `json:"group_by,omitempty"`
	ThrottleMs     int64            `json:"throttle_ms"`
	Channels       []notify.Channel `json:"channels,omitempty"`
	Enabled        bool             `json:"enabled"`

	LastEvalTs  int64                 `json:"last_eval_ts,omitempty"`
	LastFiredTs int64                 `json:"last_fired_ts,omitempty"`
	LastState   State                 `json:"last_state,omitempty"`
	Groups      map[string]GroupState `json:"group_states,omitempty"`
}

// Validate rejects alarms the scheduler could not run.
func (a *Alarm) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("alarm: empty name")
	}
	if a.Query == "" {
		return fmt.Errorf("alarm %s: empty query", a.Name)
	}
	if a.WindowMs <= 0 {
		return fmt.Errorf("alarm %s: window_ms must be positive", a.Name)
	}
	if a.IntervalMs <= 0 {
		return fmt.Errorf("alarm %s: interval_ms must be positive", a.Name)
	}
	if a.ThrottleMs < 0 {
		return fmt.Errorf("alarm %s: negative throttle_ms", a.Name)
	}
	if _, err := a.ThresholdOp.Compare(0, 0); err != nil {
		return fmt.Errorf("alarm %s: %w", a.Name, err)
	}
	for _, ch := range a.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("alarm %s: %w", a.Name, err)
		}
	}
	return nil
}

// ThresholdString renders "op value" for notification payloads.
func (a *Alarm) ThresholdString() string {
	return fmt.Sprintf("%s %d", a.ThresholdOp, a.ThresholdValue)
}

// NewID returns a fresh time-ordered alarm id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Window returns the evaluation range [now-window, now] in millis.
func (a *Alarm) Window(now time.Time) (int64, int64) {
	end := now.UnixMilli()
	return end - a.WindowMs, end
}
