package coordinator

import (
	"context"
	"errors"
	"log"
	"time"

	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/store"
)

// armTimer starts the single inactivity timer for a session. There is exactly
// one timer handle per session id; close paths cancel it through cancelTimer.
func (c *Coordinator) armTimer(sessionID, machineCode string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if _, exists := c.timers[sessionID]; exists {
		return
	}
	c.timers[sessionID] = time.AfterFunc(c.inactivity, func() {
		c.handleInactivity(sessionID, machineCode)
	})
}

// cancelTimer stops the session's timer if still armed. Stop losing the race
// with an already-fired timer is fine: the fired goroutine funnels into the
// closed-once guard and observes the session as closed.
func (c *Coordinator) cancelTimer(sessionID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}

// handleInactivity runs when a session saw no activity for the full window.
func (c *Coordinator) handleInactivity(sessionID, machineCode string) {
	ctx := context.Background()

	unlock := c.lockMachine(machineCode)
	defer unlock()

	sess, err := c.store.OpenSessionForMachine(ctx, machineCode)
	if errors.Is(err, store.ErrNoOpenSession) {
		return // closed before the timer won the race
	}
	if err != nil {
		log.Printf("coordinator: inactivity lookup for %s failed: %v", machineCode, err)
		return
	}
	if sess.ID != sessionID {
		return // a newer session owns the machine now
	}

	log.Printf("coordinator: session %s on %s timed out", sessionID, machineCode)
	if _, err := c.closeLocked(ctx, sess, model.CloseReasonTimeout); err != nil {
		log.Printf("coordinator: inactivity close for session %s failed: %v", sessionID, err)
	}
}
