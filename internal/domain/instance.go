package domain

import "time"

type InstanceKind string

const (
	InstanceConsole InstanceKind = "console"
	InstanceTarget  InstanceKind = "target"
)

const (
	InstanceStatusRunning = "running"
	InstanceStatusStopped = "stopped"
)

type Instance struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	Kind            InstanceKind      `json:"kind"`
	Name            string            `json:"name"`
	ContainerID     string            `json:"container_id,omitempty"`
	Image           string            `json:"image,omitempty"`
	InternalAddress string            `json:"internal_address,omitempty"`
	AccessHost      string            `json:"access_host,omitempty"`
	AccessPort      int               `json:"access_port,omitempty"`
	Status          string            `json:"status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event names written to the audit log.
const (
	EventSessionRunning       = "session_running"
	EventSessionExtended      = "session_extended"
	EventSessionTerminated    = "session_terminated"
	EventProvisioningFallback = "provisioning_fallback"
	EventProvisioningAborted  = "provisioning_aborted"
	EventTerminateFailed      = "orchestrator_terminate_failed"
	EventReconcileFailed      = "orchestrator_reconcile_failed"
)

// Event is an append-only audit record.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Name      string         `json:"name"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
