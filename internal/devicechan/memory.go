package devicechan

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrTransportDown is returned by MemoryChannel.Publish while marked unhealthy.
var ErrTransportDown = errors.New("device transport unavailable")

// PublishedCommand records one outbound command for inspection.
type PublishedCommand struct {
	MachineCode string
	Kind        string
	Payload     []byte
}

// MemoryChannel is an in-process Channel used by tests and local development.
// Inject simulates a device event; published commands are recorded.
type MemoryChannel struct {
	mu        sync.Mutex
	handler   Handler
	healthy   bool
	published []PublishedCommand
}

// NewMemoryChannel returns a healthy in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{healthy: true}
}

// Publish records the command, or fails when the channel is marked down.
func (c *MemoryChannel) Publish(_ context.Context, machineCode, kind string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.healthy {
		return ErrTransportDown
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.published = append(c.published, PublishedCommand{MachineCode: machineCode, Kind: kind, Payload: body})
	return nil
}

// Subscribe registers the handler for injected events.
func (c *MemoryChannel) Subscribe(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Healthy reports the simulated transport state.
func (c *MemoryChannel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Close marks the channel down.
func (c *MemoryChannel) Close() error {
	c.SetHealthy(false)
	return nil
}

// SetHealthy flips the simulated transport state.
func (c *MemoryChannel) SetHealthy(healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = healthy
}

// Inject delivers a device event to the subscribed handler synchronously,
// mirroring the single dispatch goroutine of the real transport.
func (c *MemoryChannel) Inject(ctx context.Context, machineCode, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(ctx, Message{MachineCode: machineCode, Kind: kind, Payload: body})
	}
	return nil
}

// Published returns a copy of the recorded outbound commands.
func (c *MemoryChannel) Published() []PublishedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PublishedCommand, len(c.published))
	copy(out, c.published)
	return out
}
