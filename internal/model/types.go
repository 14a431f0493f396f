package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Priority orders the drain: lower values go first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// Record is a row of a named table in the local store.
type Record struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Synced    bool           `json:"synced"`
}

// Clone returns a copy whose Fields map can be mutated independently.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

type CacheEntry struct {
	Key       string     `json:"key"`
	Value     []byte     `json:"value"`
	Size      int        `json:"size"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

// Expired reports whether the entry must no longer be served at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

type PendingOperation struct {
	ID              string            `json:"id"`
	Type            OperationType     `json:"type"`
	Table           string            `json:"table"`
	RecordID        string            `json:"recordId"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Priority        Priority          `json:"priority"`
	RetryCount      int               `json:"retryCount"`
	MaxRetries      int               `json:"maxRetries"`
	RequiresAuth    bool              `json:"requiresAuth"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Seq             uint64            `json:"seq"`
	CreatedAt       time.Time         `json:"createdAt"`
	ClientTimestamp time.Time         `json:"clientTimestamp"`
	NextAttemptAt   time.Time         `json:"nextAttemptAt"`
	LastError       string            `json:"lastError,omitempty"`
	ConflictID      string            `json:"conflictId,omitempty"`
	Force           bool              `json:"force,omitempty"`
}

func (op PendingOperation) String() string {
	return fmt.Sprintf("[%s] %s/%s (%s, p%d, retry %d/%d)", op.Type, op.Table, op.RecordID, op.ID, op.Priority, op.RetryCount, op.MaxRetries)
}

// DeadLetter is an operation that exhausted its retry budget or was rejected.
type DeadLetter struct {
	Operation      PendingOperation `json:"operation"`
	Reason         string           `json:"reason"`
	DeadLetteredAt time.Time        `json:"deadLetteredAt"`
}

type ConnectionType string

const (
	ConnectionNone      ConnectionType = "none"
	ConnectionWifi      ConnectionType = "wifi"
	ConnectionCellular  ConnectionType = "cellular"
	ConnectionEthernet  ConnectionType = "ethernet"
	ConnectionBluetooth ConnectionType = "bluetooth"
	ConnectionVPN       ConnectionType = "vpn"
	ConnectionOther     ConnectionType = "other"
	ConnectionUnknown   ConnectionType = "unknown"
)

type Quality int

const (
	QualityPoor Quality = iota
	QualityFair
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityPoor:
		return "POOR"
	case QualityFair:
		return "FAIR"
	case QualityGood:
		return "GOOD"
	case QualityExcellent:
		return "EXCELLENT"
	}
	return "UNKNOWN"
}

func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *Quality) UnmarshalText(b []byte) error {
	switch string(b) {
	case "POOR":
		*q = QualityPoor
	case "FAIR":
		*q = QualityFair
	case "GOOD":
		*q = QualityGood
	case "EXCELLENT":
		*q = QualityExcellent
	default:
		return fmt.Errorf("unknown quality %q", b)
	}
	return nil
}

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusUnknown      ConnectionStatus = "UNKNOWN"
)

// NetworkState is always derived from the latest platform signal and probe; it
// is never persisted.
type NetworkState struct {
	IsConnected         bool             `json:"isConnected"`
	IsInternetReachable bool             `json:"isInternetReachable"`
	Type                ConnectionType   `json:"type"`
	Quality             Quality          `json:"quality"`
	Status              ConnectionStatus `json:"status"`
	DownloadSpeed       float64          `json:"downloadSpeed"` // bytes per second, 0 when unknown
	Latency             time.Duration    `json:"latency"`
	LastChecked         time.Time        `json:"lastChecked"`
}

// Online reports whether the state allows talking to the remote authority.
func (s NetworkState) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

type Resolution string

const (
	Unresolved       Resolution = "unresolved"
	ResolvedByPolicy Resolution = "resolved_by_policy"
	ResolvedManually Resolution = "resolved_manually"
)

const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"
	WinnerUser   = "user"
)

type SyncConflict struct {
	ID              string          `json:"id"`
	OperationID     string          `json:"operationId"`
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	LocalValue      json.RawMessage `json:"localValue,omitempty"`
	RemoteValue     json.RawMessage `json:"remoteValue,omitempty"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	RemoteTimestamp time.Time       `json:"remoteTimestamp"`
	DetectedAt      time.Time       `json:"detectedAt"`
	Resolution      Resolution      `json:"resolution"`
	Strategy        string          `json:"strategy"`
	Winner          string          `json:"winner,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

type SyncProgress struct {
	CycleID      string     `json:"cycleId,omitempty"`
	Status       SyncStatus `json:"status"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	Conflicts    int        `json:"conflicts"`
	CurrentBatch int        `json:"currentBatch"`
	TotalBatches int        `json:"totalBatches"`
	StartedAt    time.Time  `json:"startedAt,omitempty"`
	FinishedAt   time.Time  `json:"finishedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// SyncHistory is the persisted summary of one finished cycle.
type SyncHistory struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt"`
	Trigger     string     `json:"trigger"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Conflicts   int        `json:"conflicts"`
	Status      SyncStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
}

type AppState string

const (
	AppForeground AppState = "foreground"
	AppBackground AppState = "background"
)
