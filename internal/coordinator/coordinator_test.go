package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rvm-session-backend/internal/devicechan"
	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/reward"
	"rvm-session-backend/internal/store"
)

// recordingBroadcaster captures fan-out events for assertions.
type recordingBroadcaster struct {
	mu       sync.Mutex
	machine  map[string][]realtime.Event
	operator []realtime.Event
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{machine: make(map[string][]realtime.Event)}
}

func (b *recordingBroadcaster) PublishMachine(code string, evt realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machine[code] = append(b.machine[code], evt)
}

func (b *recordingBroadcaster) PublishOperator(evt realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.operator = append(b.operator, evt)
}

func (b *recordingBroadcaster) machineEvents(code string) []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]realtime.Event, len(b.machine[code]))
	copy(out, b.machine[code])
	return out
}

func (b *recordingBroadcaster) operatorEvents() []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]realtime.Event, len(b.operator))
	copy(out, b.operator)
	return out
}

// flakyChannel lets a test fail publishes while still reporting healthy,
// exercising the activation rollback path.
type flakyChannel struct {
	*devicechan.MemoryChannel
	failPublish bool
}

func (f *flakyChannel) Publish(ctx context.Context, machineCode, kind string, payload any) error {
	if f.failPublish {
		return devicechan.ErrTransportDown
	}
	return f.MemoryChannel.Publish(ctx, machineCode, kind, payload)
}

type fixture struct {
	coord     *Coordinator
	store     store.Store
	db        *gorm.DB
	channel   *devicechan.MemoryChannel
	broadcast *recordingBroadcaster
}

func newFixture(t *testing.T, inactivity time.Duration) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := testDB.DB()
		sqlDB.Close()
	})
	require.NoError(t, testDB.AutoMigrate(
		&model.Site{},
		&model.Machine{},
		&model.Session{},
		&model.LedgerEntry{},
	))

	s := store.NewGormStore(testDB)
	channel := devicechan.NewMemoryChannel()
	broadcast := newRecordingBroadcaster()
	coord := New(s, channel, broadcast, reward.PerItem(10), inactivity, nil)
	channel.Subscribe(coord.HandleMessage)

	return &fixture{coord: coord, store: s, db: testDB, channel: channel, broadcast: broadcast}
}

func (f *fixture) addMachine(t *testing.T, code string) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.Machine{
		Code:        code,
		SiteID:      1,
		DisplayName: "Machine " + code,
		Online:      true,
	}).Error)
}

func (f *fixture) ledgerEntries(t *testing.T, sessionID string) []model.LedgerEntry {
	t.Helper()
	var entries []model.LedgerEntry
	require.NoError(t, f.db.Where("session_id = ?", sessionID).Find(&entries).Error)
	return entries
}

func TestActivate(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "M1", res.Machine.Code)
	assert.True(t, res.Machine.IsLocked)

	// The device got its start command.
	published := f.channel.Published()
	require.Len(t, published, 1)
	assert.Equal(t, devicechan.KindStart, published[0].Kind)
	assert.Equal(t, "M1", published[0].MachineCode)

	// The operator scope heard about the lock.
	ops := f.broadcast.operatorEvents()
	require.Len(t, ops, 1)
	status := ops[0].Data.(realtime.MachineStatus)
	assert.Equal(t, "in_use", status.Status)

	sess, err := f.store.OpenSessionForMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sess.ID)
	assert.Equal(t, int64(0), sess.ItemCount)
}

func TestActivateContention(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	_, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)

	_, err = f.coord.Activate(ctx, "M1", "U2")
	var locked *store.MachineLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "U1", locked.HeldBy)
}

func TestActivateUnknownMachine(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.coord.Activate(context.Background(), "NOPE", "U1")
	assert.ErrorIs(t, err, store.ErrMachineNotFound)
}

func TestActivateFailsClosedWhenTransportDown(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	f.channel.SetHealthy(false)
	ctx := context.Background()

	_, err := f.coord.Activate(ctx, "M1", "U1")
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked, "a failed activation must not leave the machine locked")
}

func TestActivateRollsBackWhenStartCommandUndeliverable(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	flaky := &flakyChannel{MemoryChannel: f.channel, failPublish: true}
	coord := New(f.store, flaky, f.broadcast, reward.PerItem(10), time.Hour, nil)

	_, err := coord.Activate(ctx, "M1", "U1")
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)

	_, err = f.store.OpenSessionForMachine(ctx, "M1")
	assert.ErrorIs(t, err, store.ErrNoOpenSession, "activation is all-or-nothing")
}

func TestDetectionAccumulation(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	_, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))
	}

	sess, err := f.store.OpenSessionForMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.ItemCount)
	assert.Equal(t, int64(50), sess.RewardPoints)

	events := f.broadcast.machineEvents("M1")
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, realtime.TypeProgressUpdate, evt.Type)
		progress := evt.Data.(realtime.ProgressUpdate)
		assert.Equal(t, int64(i+1), progress.ItemCount, "item count never decreases")
	}
}

func TestDetectionWithoutSessionIsDropped(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))

	assert.Empty(t, f.broadcast.machineEvents("M1"))
	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)
}

func TestManualEnd(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))
	}

	end, err := f.coord.EndSession(ctx, "M1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(50), end.RewardPoints)
	assert.Equal(t, int64(50), end.NewBalance)
	assert.Equal(t, model.CloseReasonManual, end.Reason)

	// Lock released in the same logical operation.
	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)

	// Exactly one ledger entry for the session.
	assert.Len(t, f.ledgerEntries(t, res.SessionID), 1)

	// The device got its end command after the start command.
	published := f.channel.Published()
	require.Len(t, published, 2)
	assert.Equal(t, devicechan.KindEnd, published[1].Kind)

	// The machine scope saw the session end.
	events := f.broadcast.machineEvents("M1")
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, realtime.TypeSessionEnded, last.Type)
	assert.Equal(t, model.CloseReasonManual, last.Data.(realtime.SessionEnded).Reason)
}

func TestEndWithZeroItemsStillCloses(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)

	end, err := f.coord.EndSession(ctx, "M1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), end.RewardPoints)
	assert.Equal(t, int64(0), end.NewBalance)

	assert.Empty(t, f.ledgerEntries(t, res.SessionID), "zero items means no credit")

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 3}))

	sess, err := f.store.OpenSessionForMachine(ctx, "M1")
	require.NoError(t, err)

	first, err := f.coord.closeLocked(ctx, sess, model.CloseReasonManual)
	require.NoError(t, err)
	assert.Equal(t, int64(30), first.NewBalance)

	// Simulates the timer firing after a manual close: same routine, same
	// session, no second credit.
	second, err := f.coord.closeLocked(ctx, sess, model.CloseReasonTimeout)
	require.NoError(t, err)
	assert.Equal(t, first.RewardPoints, second.RewardPoints)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, model.CloseReasonManual, second.Reason, "the first closer's reason sticks")

	assert.Len(t, f.ledgerEntries(t, res.SessionID), 1)
}

func TestManualEndAndTimerRace(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 5}))

	var wg sync.WaitGroup
	wg.Add(2)
	var endRes EndResult
	var endErr error
	go func() {
		defer wg.Done()
		endRes, endErr = f.coord.EndSession(ctx, "M1", -1)
	}()
	go func() {
		defer wg.Done()
		f.coord.handleInactivity(res.SessionID, "M1")
	}()
	wg.Wait()

	// Whoever lost the race still reported the computed result.
	require.NoError(t, endErr)
	assert.Equal(t, int64(50), endRes.RewardPoints)
	assert.Equal(t, int64(50), endRes.NewBalance)

	assert.Len(t, f.ledgerEntries(t, res.SessionID), 1, "exactly one credit regardless of the race")

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)
}

func TestEndWithNoSessionEver(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")

	_, err := f.coord.EndSession(context.Background(), "M1", 0)
	assert.ErrorIs(t, err, store.ErrNoOpenSession)

	_, err = f.coord.EndSession(context.Background(), "NOPE", 0)
	assert.ErrorIs(t, err, store.ErrMachineNotFound)
}

func TestInactivityTimeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 2}))

	require.Eventually(t, func() bool {
		m, err := f.store.GetMachine(ctx, "M1")
		return err == nil && !m.IsLocked
	}, 2*time.Second, 10*time.Millisecond, "inactivity must unlock the machine")

	latest, err := f.store.LatestSessionForMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonTimeout, latest.CloseReason)
	assert.Equal(t, res.SessionID, latest.ID)

	assert.Len(t, f.ledgerEntries(t, res.SessionID), 1)
}

func TestDeviceTimeoutClosesSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))

	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindTimeout, nil))

	latest, err := f.store.LatestSessionForMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonTimeout, latest.CloseReason)
	assert.Len(t, f.ledgerEntries(t, res.SessionID), 1)
}

func TestRecoveryAfterDeviceRestart(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M2")
	ctx := context.Background()

	res, err := f.coord.Activate(ctx, "M2", "U1")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.channel.Inject(ctx, "M2", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))
	}

	// The device restarts mid-session: offline, then back online, no end.
	require.NoError(t, f.channel.Inject(ctx, "M2", devicechan.KindPresence, devicechan.PresencePayload{Online: false}))
	require.NoError(t, f.channel.Inject(ctx, "M2", devicechan.KindPresence, devicechan.PresencePayload{Online: true}))

	latest, err := f.store.LatestSessionForMachine(ctx, "M2")
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonRecovered, latest.CloseReason)
	assert.Equal(t, int64(2), latest.ItemCount)

	entries := f.ledgerEntries(t, res.SessionID)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(20), entries[0].Delta)

	m, err := f.store.GetMachine(ctx, "M2")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)
	assert.True(t, m.Online)
}

func TestRecoveryReleasesStaleLock(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	// Locked machine with no session is leftover state from a past fault.
	_, err := f.store.TryLock(ctx, "M1", "U1")
	require.NoError(t, err)

	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindPresence, devicechan.PresencePayload{Online: false}))
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindPresence, devicechan.PresencePayload{Online: true}))

	m, err := f.store.GetMachine(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, m.IsLocked)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.addMachine(t, "M1")
	ctx := context.Background()

	snap, err := f.coord.Snapshot(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, snap.Open)
	assert.Empty(t, snap.SessionID)

	_, err = f.coord.Activate(ctx, "M1", "U1")
	require.NoError(t, err)
	require.NoError(t, f.channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 3}))

	snap, err = f.coord.Snapshot(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, snap.Open)
	assert.Equal(t, int64(3), snap.ItemCount)
	assert.Equal(t, int64(30), snap.RewardPoints)

	_, err = f.coord.EndSession(ctx, "M1", 3)
	require.NoError(t, err)

	snap, err = f.coord.Snapshot(ctx, "M1")
	require.NoError(t, err)
	assert.False(t, snap.Open)
	assert.Equal(t, model.CloseReasonManual, snap.CloseReason)

	_, err = f.coord.Snapshot(ctx, "NOPE")
	assert.ErrorIs(t, err, store.ErrMachineNotFound)
}

func TestRearmOpenSessions(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.addMachine(t, "M1")
	ctx := context.Background()

	// A session left open by a previous run, lock still held.
	_, err := f.store.TryLock(ctx, "M1", "U1")
	require.NoError(t, err)
	sess := model.Session{
		ID:           uuid.NewString(),
		MachineCode:  "M1",
		UserID:       "U1",
		ItemCount:    4,
		RewardPoints: 40,
		OpenedAt:     time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateSession(ctx, &sess))

	require.NoError(t, f.coord.RearmOpenSessions(ctx))

	require.Eventually(t, func() bool {
		m, err := f.store.GetMachine(ctx, "M1")
		return err == nil && !m.IsLocked
	}, 2*time.Second, 10*time.Millisecond)

	latest, err := f.store.LatestSessionForMachine(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonTimeout, latest.CloseReason)
	assert.Len(t, f.ledgerEntries(t, sess.ID), 1)
}
