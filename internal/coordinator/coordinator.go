// Package coordinator is the single point that interprets user requests,
// inbound device messages and timer firings, and drives machine locks, the
// session lifecycle and the reward ledger. All mutation for one machine is
// serialized through a per-machine mutex, so the state machine never sees two
// triggers for the same machine at once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"rvm-session-backend/internal/devicechan"
	"rvm-session-backend/internal/metrics"
	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/reward"
	"rvm-session-backend/internal/store"
)

// ErrTransportUnavailable rejects activations while the device transport is
// down, rather than opening a session no device will ever feed.
var ErrTransportUnavailable = errors.New("device transport unavailable")

// Notifier dispatches a machine-available push after a session closes.
// The notification worker pool implements it; tests leave it nil.
type Notifier interface {
	Dispatch(machineCode string)
}

// Coordinator owns the per-machine session state machine.
type Coordinator struct {
	store      store.Store
	channel    devicechan.Channel
	broadcast  realtime.Broadcaster
	rate       reward.Func
	inactivity time.Duration
	notifier   Notifier

	machinesMu sync.Mutex
	machines   map[string]*sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer // session id -> inactivity timer
}

// New creates a coordinator. notifier may be nil.
func New(s store.Store, ch devicechan.Channel, b realtime.Broadcaster, rate reward.Func, inactivity time.Duration, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:      s,
		channel:    ch,
		broadcast:  b,
		rate:       rate,
		inactivity: inactivity,
		notifier:   notifier,
		machines:   make(map[string]*sync.Mutex),
		timers:     make(map[string]*time.Timer),
	}
}

// lockMachine serializes all work on one machine and returns the unlock func.
func (c *Coordinator) lockMachine(code string) func() {
	c.machinesMu.Lock()
	mu, ok := c.machines[code]
	if !ok {
		mu = &sync.Mutex{}
		c.machines[code] = mu
	}
	c.machinesMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ActivationResult is the outcome of a successful activation.
type ActivationResult struct {
	SessionID string
	Machine   model.Machine
	StartedAt time.Time
}

// EndResult is the outcome of a session close, also returned unchanged when a
// rival closer already finished the session.
type EndResult struct {
	SessionID    string
	Reason       string
	ItemCount    int64
	RewardPoints int64
	NewBalance   int64
	EndedAt      time.Time
}

// Snapshot is the current per-machine view a reconnecting client fetches
// instead of replaying missed push messages.
type Snapshot struct {
	Open         bool
	SessionID    string
	ItemCount    int64
	RewardPoints int64
	CloseReason  string
}

// Activate locks the machine for the user, opens a session, commands the
// device to start and arms the inactivity timer. Activation is all-or-nothing:
// if the start command cannot be delivered, the lock and the session are
// rolled back.
func (c *Coordinator) Activate(ctx context.Context, machineCode, userID string) (ActivationResult, error) {
	unlock := c.lockMachine(machineCode)
	defer unlock()

	if !c.channel.Healthy() {
		return ActivationResult{}, ErrTransportUnavailable
	}

	machine, err := c.store.TryLock(ctx, machineCode, userID)
	if err != nil {
		return ActivationResult{}, err
	}

	now := time.Now().UTC()
	sess := model.Session{
		ID:          uuid.NewString(),
		MachineCode: machineCode,
		UserID:      userID,
		OpenedAt:    now,
	}
	if err := c.store.CreateSession(ctx, &sess); err != nil {
		if uerr := c.store.Unlock(ctx, machineCode); uerr != nil {
			log.Printf("coordinator: rollback unlock of %s failed: %v", machineCode, uerr)
		}
		return ActivationResult{}, err
	}

	cmd := devicechan.CommandPayload{SessionID: sess.ID, Timestamp: now}
	if err := c.channel.Publish(ctx, machineCode, devicechan.KindStart, cmd); err != nil {
		log.Printf("coordinator: start command for %s undeliverable, rolling back activation: %v", machineCode, err)
		if derr := c.store.DeleteSession(ctx, sess.ID); derr != nil {
			log.Printf("coordinator: rollback delete of session %s failed: %v", sess.ID, derr)
		}
		if uerr := c.store.Unlock(ctx, machineCode); uerr != nil {
			log.Printf("coordinator: rollback unlock of %s failed: %v", machineCode, uerr)
		}
		return ActivationResult{}, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	c.armTimer(sess.ID, machineCode)
	metrics.SessionsStarted.Inc()

	c.broadcast.PublishOperator(realtime.Event{Type: realtime.TypeMachineStatus, Data: realtime.MachineStatus{
		MachineCode: machineCode,
		Status:      "in_use",
		Connected:   machine.Online,
	}})

	return ActivationResult{SessionID: sess.ID, Machine: machine, StartedAt: now}, nil
}

// EndSession closes the machine's open session on behalf of the user. The
// reported item count is advisory only; the server count always wins.
func (c *Coordinator) EndSession(ctx context.Context, machineCode string, reportedItemCount int64) (EndResult, error) {
	unlock := c.lockMachine(machineCode)
	defer unlock()

	if _, err := c.store.GetMachine(ctx, machineCode); err != nil {
		return EndResult{}, err
	}

	sess, err := c.store.OpenSessionForMachine(ctx, machineCode)
	if errors.Is(err, store.ErrNoOpenSession) {
		// A rival closer (inactivity timer, device timeout, recovery) may
		// have won the race; the user still gets the computed result
		// rather than an error.
		latest, lerr := c.store.LatestSessionForMachine(ctx, machineCode)
		if lerr != nil {
			return EndResult{}, store.ErrNoOpenSession
		}
		balance, berr := c.store.Balance(ctx, latest.UserID)
		if berr != nil {
			return EndResult{}, berr
		}
		log.Printf("coordinator: end call for %s found session %s already closed (%s)",
			machineCode, latest.ID, latest.CloseReason)
		return endResult(latest, balance), nil
	}
	if err != nil {
		return EndResult{}, err
	}

	if reportedItemCount >= 0 && reportedItemCount != sess.ItemCount {
		log.Printf("coordinator: client reported %d items for session %s, server has %d",
			reportedItemCount, sess.ID, sess.ItemCount)
	}

	return c.closeLocked(ctx, sess, model.CloseReasonManual)
}

// Snapshot returns the current accumulation state for a machine.
func (c *Coordinator) Snapshot(ctx context.Context, machineCode string) (Snapshot, error) {
	if _, err := c.store.GetMachine(ctx, machineCode); err != nil {
		return Snapshot{}, err
	}

	sess, err := c.store.LatestSessionForMachine(ctx, machineCode)
	if errors.Is(err, store.ErrSessionNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Open:         sess.Open(),
		SessionID:    sess.ID,
		ItemCount:    sess.ItemCount,
		RewardPoints: sess.RewardPoints,
		CloseReason:  sess.CloseReason,
	}, nil
}

// RearmOpenSessions re-arms inactivity timers for sessions that were open when
// the server last stopped, so no machine stays locked across a restart.
func (c *Coordinator) RearmOpenSessions(ctx context.Context) error {
	sessions, err := c.store.ListOpenSessions(ctx)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		log.Printf("coordinator: re-arming inactivity timer for session %s on %s", sess.ID, sess.MachineCode)
		c.armTimer(sess.ID, sess.MachineCode)
	}
	return nil
}
