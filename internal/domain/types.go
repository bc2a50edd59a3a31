// Package domain holds the data model shared across all four services:
// slots and sessions for the browser supervisor, batches and requests for
// the ingestor/dispatcher, and the log record shape tailed by the relay.
package domain

import "time"

// SessionState is the lifecycle state of a SessionRecord.
type SessionState string

const (
	SessionAllocating  SessionState = "Allocating"
	SessionReady       SessionState = "Ready"
	SessionAgentRunning SessionState = "AgentRunning"
	SessionAgentPaused SessionState = "AgentPaused"
	SessionTearingDown SessionState = "TearingDown"
	SessionDead        SessionState = "Dead"
)

// Slot is one element of the fixed-capacity slot pool (C1). Index is the
// position in the pool; DisplayNum/VNCPort/WebPort are base+index.
type Slot struct {
	Index        int
	DisplayNum   int
	VNCPort      int
	WebPort      int
	UserDataDir  string
	DownloadsDir string
}

// SessionRecord is the Session Registry's (C3) owned record for one
// session. The Agent Runner holds a non-owning reference to it while an
// agent is running.
type SessionRecord struct {
	SessionID string
	Slot      Slot
	State     SessionState
	CreatedAt time.Time
	LastUsed  time.Time

	// AgentRequestID is the request-id bound to the currently running
	// agent, empty when no agent is attached.
	AgentRequestID string
}

// BatchStatus is the lifecycle status of a Batch.
type BatchStatus string

const (
	BatchPendingPublish BatchStatus = "PendingPublish"
	BatchPublished      BatchStatus = "Published"
	BatchPublishFailed  BatchStatus = "PublishFailed"
	BatchCommitted      BatchStatus = "Committed"
)

// Batch is the record created by one ingest() call (C5).
type Batch struct {
	BatchID      string
	CreatedAt    time.Time
	RequestCount int
	VendorCounts map[string]int
	Status       BatchStatus
}

// RequestStatus is the internal status of a Request, as stored by the
// Progress Store (C7). UI-facing labels are derived via MapStatus and are
// never stored directly.
type RequestStatus string

const (
	RequestCreated             RequestStatus = "Created"
	RequestQueued              RequestStatus = "Queued"
	RequestRunning             RequestStatus = "Running"
	RequestUserActionRequired  RequestStatus = "UserActionRequired"
	RequestCompleted           RequestStatus = "Completed"
	RequestFailed              RequestStatus = "Failed"
)

// Request is one prior-authorization item belonging to a Batch.
type Request struct {
	RequestID   string
	BatchID     string
	SequenceNo  int
	Vendor      string
	Payload     map[string]any
	CreatedAt   time.Time
	PublishedAt *time.Time
	Status      RequestStatus
	LastRemarks string
}

// RequestProgress is the current status row for a Request, as read/written
// by the Progress Store (C7).
type RequestProgress struct {
	RequestID   string
	Status      RequestStatus
	LastUpdated time.Time
	Remarks     string
}

// ManualActionStatus is the lifecycle status of a ManualAction.
type ManualActionStatus string

const (
	ManualActionPending   ManualActionStatus = "Pending"
	ManualActionCompleted ManualActionStatus = "Completed"
)

// ManualAction records a human-intervention need surfaced by the agent.
type ManualAction struct {
	ActionID    string
	RequestID   string
	ActionType  string
	Status      ManualActionStatus
	RequestedAt time.Time
	ActionedAt  *time.Time
	Metadata    map[string]any
}

// LogRecord is one entry in a per-request LogStream (C8).
type LogRecord struct {
	ID        string // opaque monotonic id assigned by the broker
	Timestamp time.Time
	Level     string
	Source    string
	Message   string
	Fields    map[string]any
}

// WorkMessage is the JSON body published to the work topic by the Batch
// Ingestor (C5) and decoded by the Dispatch Consumer (C6).
type WorkMessage struct {
	BatchID    string         `json:"batch_id"`
	SequenceNo int            `json:"sequence_no"`
	RequestID  string         `json:"request_id"`
	TotalCount int            `json:"total_count"`
	Vendor     string         `json:"vendor"`
	Payload    map[string]any `json:"payload"`
}

// PlannerPayload is the body POSTed to PROCESSOR_URL by the Dispatch
// Consumer (C6).
type PlannerPayload struct {
	RequestID   string         `json:"request_id"`
	PatientData map[string]any `json:"patient_data"`
	BatchID     string         `json:"batch_id"`
}
