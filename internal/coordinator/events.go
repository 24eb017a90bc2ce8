package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"rvm-session-backend/internal/devicechan"
	"rvm-session-backend/internal/metrics"
	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/store"
)

// HandleMessage is the device-channel subscription callback. The transport
// delivers messages sequentially, so per-machine arrival order carries through
// to the handlers.
func (c *Coordinator) HandleMessage(ctx context.Context, msg devicechan.Message) {
	switch msg.Kind {
	case devicechan.KindDetected:
		c.handleDetected(ctx, msg)
	case devicechan.KindTimeout:
		c.handleDeviceTimeout(ctx, msg)
	case devicechan.KindPresence:
		c.handlePresence(ctx, msg)
	default:
		log.Printf("coordinator: ignoring unknown message kind %q from %s", msg.Kind, msg.MachineCode)
	}
}

func (c *Coordinator) handleDetected(ctx context.Context, msg devicechan.Message) {
	var p devicechan.DetectedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Printf("coordinator: bad detected payload from %s: %v", msg.MachineCode, err)
	}
	units := p.Units
	if units <= 0 {
		units = 1
	}

	unlock := c.lockMachine(msg.MachineCode)
	defer unlock()

	sess, err := c.store.OpenSessionForMachine(ctx, msg.MachineCode)
	if errors.Is(err, store.ErrNoOpenSession) {
		// Device and server can race during startup; not an error.
		log.Printf("coordinator: dropping detection from %s, no open session", msg.MachineCode)
		metrics.DetectionsDropped.Inc()
		return
	}
	if err != nil {
		log.Printf("coordinator: detection lookup for %s failed: %v", msg.MachineCode, err)
		return
	}

	newCount := sess.ItemCount + units
	newPoints := c.rate(newCount)
	applied, err := c.store.UpdateProgress(ctx, sess.ID, newCount, newPoints)
	if err != nil {
		log.Printf("coordinator: progress update for session %s failed: %v", sess.ID, err)
		return
	}
	if !applied {
		log.Printf("coordinator: dropping detection for session %s, closed concurrently", sess.ID)
		metrics.DetectionsDropped.Inc()
		return
	}

	metrics.ItemsDetected.Add(float64(units))
	c.broadcast.PublishMachine(msg.MachineCode, realtime.Event{Type: realtime.TypeProgressUpdate, Data: realtime.ProgressUpdate{
		ItemCount:    newCount,
		RewardPoints: newPoints,
	}})
}

func (c *Coordinator) handleDeviceTimeout(ctx context.Context, msg devicechan.Message) {
	unlock := c.lockMachine(msg.MachineCode)
	defer unlock()

	sess, err := c.store.OpenSessionForMachine(ctx, msg.MachineCode)
	if errors.Is(err, store.ErrNoOpenSession) {
		log.Printf("coordinator: dropping device timeout from %s, no open session", msg.MachineCode)
		return
	}
	if err != nil {
		log.Printf("coordinator: timeout lookup for %s failed: %v", msg.MachineCode, err)
		return
	}

	if _, err := c.closeLocked(ctx, sess, model.CloseReasonTimeout); err != nil {
		log.Printf("coordinator: device timeout close for session %s failed: %v", sess.ID, err)
	}
}

// handlePresence updates the online flag and, on an offline-to-online edge of
// a locked machine, recovers the stuck session: the device restarted
// mid-session and will never send its own end, so the server closes with the
// last known item count.
func (c *Coordinator) handlePresence(ctx context.Context, msg devicechan.Message) {
	var p devicechan.PresencePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Printf("coordinator: bad presence payload from %s: %v", msg.MachineCode, err)
		return
	}

	unlock := c.lockMachine(msg.MachineCode)
	defer unlock()

	machine, wasOnline, err := c.store.MarkOnline(ctx, msg.MachineCode, p.Online, time.Now().UTC())
	if errors.Is(err, store.ErrMachineNotFound) {
		log.Printf("coordinator: presence for unknown machine %s", msg.MachineCode)
		return
	}
	if err != nil {
		log.Printf("coordinator: presence update for %s failed: %v", msg.MachineCode, err)
		return
	}

	status := "idle"
	if machine.IsLocked {
		status = "in_use"
	}
	issue := ""
	if !p.Online && machine.IsLocked {
		issue = "offline during session"
	}
	c.broadcast.PublishOperator(realtime.Event{Type: realtime.TypeMachineStatus, Data: realtime.MachineStatus{
		MachineCode: msg.MachineCode,
		Status:      status,
		Connected:   p.Online,
		Issue:       issue,
	}})

	if !p.Online || wasOnline || !machine.IsLocked {
		return
	}

	sess, err := c.store.OpenSessionForMachine(ctx, msg.MachineCode)
	if errors.Is(err, store.ErrNoOpenSession) {
		// Locked with no session is leftover state; release it.
		log.Printf("coordinator: recovered machine %s had no open session, unlocking", msg.MachineCode)
		if uerr := c.store.Unlock(ctx, msg.MachineCode); uerr != nil {
			log.Printf("coordinator: recovery unlock of %s failed: %v", msg.MachineCode, uerr)
		}
		return
	}
	if err != nil {
		log.Printf("coordinator: recovery lookup for %s failed: %v", msg.MachineCode, err)
		return
	}

	log.Printf("coordinator: machine %s came back mid-session, recovering session %s", msg.MachineCode, sess.ID)
	if _, err := c.closeLocked(ctx, sess, model.CloseReasonRecovered); err != nil {
		log.Printf("coordinator: recovery close for session %s failed: %v", sess.ID, err)
	}
}

// closeLocked is the single authoritative close routine. Every closing path
// (manual end, inactivity timer, device timeout, presence recovery) funnels
// through it while holding the machine mutex. The conditional close in the
// store is the closed-once guard: the first caller through performs the side
// effects exactly once, any rival gets the already-computed result back.
func (c *Coordinator) closeLocked(ctx context.Context, sess model.Session, reason string) (EndResult, error) {
	c.cancelTimer(sess.ID)

	closed, closedNow, err := c.store.CloseSession(ctx, sess.ID, reason, time.Now().UTC())
	if err != nil {
		return EndResult{}, err
	}

	if !closedNow {
		balance, berr := c.store.Balance(ctx, closed.UserID)
		if berr != nil {
			return EndResult{}, berr
		}
		return endResult(closed, balance), nil
	}

	var balance int64
	if closed.ItemCount > 0 {
		balance, err = c.store.Credit(ctx, closed.UserID, closed.RewardPoints, closed.ID)
		if err != nil {
			// ErrDuplicateCredit here means the closed-once guard was
			// bypassed somewhere; surface it, never swallow it.
			return EndResult{}, err
		}
	} else {
		balance, err = c.store.Balance(ctx, closed.UserID)
		if err != nil {
			return EndResult{}, err
		}
	}

	if err := c.store.Unlock(ctx, closed.MachineCode); err != nil {
		return EndResult{}, err
	}

	// Best-effort: server state is final whether or not the device hears us.
	cmd := devicechan.CommandPayload{SessionID: closed.ID, Timestamp: *closed.ClosedAt}
	if err := c.channel.Publish(ctx, closed.MachineCode, devicechan.KindEnd, cmd); err != nil {
		log.Printf("coordinator: end command for %s undeliverable: %v", closed.MachineCode, err)
	}

	c.broadcast.PublishMachine(closed.MachineCode, realtime.Event{Type: realtime.TypeSessionEnded, Data: realtime.SessionEnded{
		Reason:       reason,
		ItemCount:    closed.ItemCount,
		RewardPoints: closed.RewardPoints,
	}})

	machine, merr := c.store.GetMachine(ctx, closed.MachineCode)
	connected := merr == nil && machine.Online
	c.broadcast.PublishOperator(realtime.Event{Type: realtime.TypeMachineStatus, Data: realtime.MachineStatus{
		MachineCode: closed.MachineCode,
		Status:      "idle",
		Connected:   connected,
	}})

	metrics.SessionsClosed.WithLabelValues(reason).Inc()

	if c.notifier != nil {
		c.notifier.Dispatch(closed.MachineCode)
	}

	return endResult(closed, balance), nil
}

func endResult(sess model.Session, balance int64) EndResult {
	endedAt := time.Time{}
	if sess.ClosedAt != nil {
		endedAt = *sess.ClosedAt
	}
	return EndResult{
		SessionID:    sess.ID,
		Reason:       sess.CloseReason,
		ItemCount:    sess.ItemCount,
		RewardPoints: sess.RewardPoints,
		NewBalance:   balance,
		EndedAt:      endedAt,
	}
}
