package event

// EventType represents the type of event.
type EventType string

const (
	PermissionRequested EventType = "permission.requested"
	PermissionResolved  EventType = "permission.resolved"

	ToolCallUpdated EventType = "toolcall.updated"

	JobStarted EventType = "job.started"
	JobExited  EventType = "job.exited"

	ServiceStateChanged EventType = "service.state"

	PolicyChanged EventType = "policy.changed"
)

// PolicyChangedData is the data for policy.changed events.
type PolicyChangedData struct {
	Generation uint64 `json:"generation"`
	Reason     string `json:"reason"`
}

// ServiceStateData is the data for service.state events.
type ServiceStateData struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}
