// Package realtime fans coordination events out to connected clients over two
// scopes: one per machine (the user watching that machine's session) and one
// global operator scope (monitoring clients). Delivery is best-effort; a
// client that missed messages re-fetches state through the snapshot endpoint.
package realtime

// Event types on the machine scope.
const (
	TypeConnected      = "connected"
	TypeProgressUpdate = "progress-update"
	TypeSessionEnded   = "session-ended"
)

// Event type on the operator scope.
const TypeMachineStatus = "machine-status"

// Event is one push message with its SSE event name and JSON-encodable body.
type Event struct {
	Type string
	Data any
}

// ProgressUpdate is the body of a progress-update event.
type ProgressUpdate struct {
	ItemCount    int64 `json:"item_count"`
	RewardPoints int64 `json:"reward_points"`
}

// SessionEnded is the body of a session-ended event.
type SessionEnded struct {
	Reason       string `json:"reason"`
	ItemCount    int64  `json:"item_count"`
	RewardPoints int64  `json:"reward_points"`
}

// MachineStatus is the body of a machine-status event on the operator scope.
type MachineStatus struct {
	MachineCode string `json:"machine_code"`
	Status      string `json:"status"` // "idle" or "in_use"
	Connected   bool   `json:"connected"`
	Issue       string `json:"issue,omitempty"`
}

// Broadcaster is what the coordinator publishes through; tests substitute a
// recording fake.
type Broadcaster interface {
	PublishMachine(machineCode string, evt Event)
	PublishOperator(evt Event)
}
