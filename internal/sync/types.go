package sync

import (
	"fmt"
	"time"
)

// State is the engine's position in a sync cycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateDraining     State = "DRAINING"
	StateBatching     State = "BATCHING"
	StateTransmitting State = "TRANSMITTING"
	StateReconciling  State = "RECONCILING"
	StateError        State = "ERROR"
)

// Busy reports whether a cycle is in flight.
func (s State) Busy() bool {
	switch s {
	case StateDraining, StateBatching, StateTransmitting, StateReconciling:
		return true
	}
	return false
}

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerAuto       Trigger = "auto"
	TriggerConnect    Trigger = "connect"
	TriggerForeground Trigger = "foreground"
	TriggerResolve    Trigger = "resolve"
)

// SyncErrorEvent is published for every operation that failed in a cycle.
type SyncErrorEvent struct {
	CycleID     string
	OperationID string
	Table       string
	RecordID    string
	// DeadLettered is true when the operation will not be retried.
	DeadLettered bool
	Err          error
	At           time.Time
}

func (e SyncErrorEvent) String() string {
	return fmt.Sprintf("[%s] %s/%s: %v (dead-lettered=%t)", e.OperationID, e.Table, e.RecordID, e.Err, e.DeadLettered)
}

// Status is a point-in-time summary of the sync core.
type Status struct {
	State               State     `json:"state"`
	Offline             bool      `json:"offline"`
	QueueSize           int       `json:"queueSize"`
	UnresolvedConflicts int       `json:"unresolvedConflicts"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	AutoSyncPaused      bool      `json:"autoSyncPaused"`
	AutoSyncRunning     bool      `json:"autoSyncRunning"`
	AppState            string    `json:"appState"`
	LastSync            time.Time `json:"lastSync,omitempty"`
	NextAutoSync        time.Time `json:"nextAutoSync,omitempty"`
}
