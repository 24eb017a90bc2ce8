// Package devicechan bridges the server to the physical machines over a named
// publish/subscribe transport. Devices publish detection, timeout and presence
// events; the server publishes start and end commands.
package devicechan

import (
	"context"
	"time"
)

// Inbound event kinds reported by devices.
const (
	KindDetected = "detected"
	KindTimeout  = "timeout"
	KindPresence = "presence"
)

// Outbound command kinds sent to devices.
const (
	KindStart = "start"
	KindEnd   = "end"
)

// Message is one inbound device event, already split out of its topic.
type Message struct {
	MachineCode string
	Kind        string
	Payload     []byte
}

// Handler is invoked once per inbound message, on a single dispatch goroutine
// so per-machine arrival order is preserved.
type Handler func(ctx context.Context, msg Message)

// Channel is the bidirectional bridge to the device transport.
type Channel interface {
	// Publish sends a command to one machine. An error means the transport
	// could not take the message; callers must treat that as a hard failure
	// and roll back, never ignore it silently.
	Publish(ctx context.Context, machineCode, kind string, payload any) error

	// Subscribe registers the handler for all inbound device events. The
	// subscription survives transport reconnects.
	Subscribe(handler Handler)

	// Healthy reports whether the transport is currently reachable. New
	// activations are rejected while it is down.
	Healthy() bool

	Close() error
}

// CommandPayload is the body of start and end commands.
type CommandPayload struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectedPayload is the body of a detection event.
type DetectedPayload struct {
	Units int64 `json:"units"`
}

// PresencePayload is the body of a presence event (last-will semantics on the
// device side: the broker publishes online=false when the device drops).
type PresencePayload struct {
	Online bool `json:"online"`
}
