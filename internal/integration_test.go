package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"rvm-session-backend/config"
	"rvm-session-backend/internal/api"
	"rvm-session-backend/internal/coordinator"
	"rvm-session-backend/internal/devicechan"
	"rvm-session-backend/internal/model"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/reward"
	"rvm-session-backend/internal/store"
)

// eventRecorder collects events delivered to a streaming client.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type string
	Data []byte
}

func (r *eventRecorder) record(eventType string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
}

func (r *eventRecorder) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) countOf(eventType string) int {
	n := 0
	for _, evt := range r.snapshot() {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

// TestSessionLifecycle drives a full deposit session through the HTTP API and
// the device channel, verifying machine locking, realtime streaming, reward
// crediting and device recovery end to end.
func TestSessionLifecycle(t *testing.T) {
	// --- Test Setup ---

	// 1. Setup an in-memory SQLite database for testing.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	testDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to the in-memory database: %v", err)
	}
	sqlDB, _ := testDB.DB()
	defer sqlDB.Close()

	err = testDB.AutoMigrate(
		&model.Site{},
		&model.Machine{},
		&model.Session{},
		&model.LedgerEntry{},
		&model.PushSubscription{},
	)
	require.NoError(t, err)

	// 2. Pre-populate the database with a site and two machines.
	site := model.Site{Name: "Central Depot"}
	require.NoError(t, testDB.Create(&site).Error)
	for _, code := range []string{"M1", "M2"} {
		require.NoError(t, testDB.Create(&model.Machine{
			Code:        code,
			SiteID:      site.ID,
			DisplayName: "Machine " + code,
			Online:      true,
		}).Error)
	}

	// 3. Wire the full stack with the in-memory device channel standing in
	// for the broker.
	gin.SetMode(gin.TestMode)
	gormStore := store.NewGormStore(testDB)
	channel := devicechan.NewMemoryChannel()
	hub := realtime.NewHub()
	coord := coordinator.New(gormStore, channel, hub, reward.PerItem(10), time.Hour, nil)
	channel.Subscribe(coord.HandleMessage)

	router := api.NewRouter(gormStore, coord, hub, &webpush.Options{VAPIDPublicKey: "test-key"}, config.RealtimeConfig{})
	server := httptest.NewServer(router)
	defer server.Close()

	ctx := context.Background()
	httpClient := server.Client()

	postJSON := func(t *testing.T, path, body string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := httpClient.Post(server.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		return resp, decoded
	}

	// --- Scenario 1: User Deposit Session on M1 ---

	t.Run("Activation Is Exclusive", func(t *testing.T) {
		// User A takes the machine.
		resp, body := postJSON(t, "/api/machines/M1/activate", `{"user_id":"user-a"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, body["session_id"])

		// User B is turned away while A holds the lock.
		resp, body = postJSON(t, "/api/machines/M1/activate", `{"user_id":"user-b"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "machine_locked", body["error"])
		assert.Equal(t, "user-a", body["held_by"])

		// The device received exactly one start command.
		published := channel.Published()
		require.Len(t, published, 1)
		assert.Equal(t, devicechan.KindStart, published[0].Kind)
	})

	recorder := &eventRecorder{}
	streamDone := make(chan error, 1)

	t.Run("Detections Stream To The Client", func(t *testing.T) {
		// A streaming client follows the machine scope over SSE.
		client := realtime.NewClient(realtime.ClientConfig{
			URL:         server.URL + "/api/machines/M1/events",
			BackoffBase: 10 * time.Millisecond,
			MaxAttempts: 5,
		}, recorder.record)
		go func() { streamDone <- client.Run(ctx) }()

		// Wait for the subscription handshake before injecting events.
		require.Eventually(t, func() bool {
			return recorder.countOf(realtime.TypeConnected) == 1
		}, 2*time.Second, 10*time.Millisecond)

		// The device reports five deposited items, one at a time.
		for i := 0; i < 5; i++ {
			require.NoError(t, channel.Inject(ctx, "M1", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))
		}

		require.Eventually(t, func() bool {
			return recorder.countOf(realtime.TypeProgressUpdate) == 5
		}, 2*time.Second, 10*time.Millisecond)

		// The last progress update carries the full running total.
		events := recorder.snapshot()
		var lastProgress map[string]any
		require.NoError(t, json.Unmarshal(events[len(events)-1].Data, &lastProgress))
		assert.Equal(t, float64(5), lastProgress["item_count"])
		assert.Equal(t, float64(50), lastProgress["reward_points"])
	})

	t.Run("Manual End Credits And Releases", func(t *testing.T) {
		resp, body := postJSON(t, "/api/machines/M1/end", `{"reported_item_count":5}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(50), body["reward_points"])
		assert.Equal(t, float64(50), body["new_balance"])

		// The stream saw the session end and closed cleanly.
		select {
		case err := <-streamDone:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("machine stream did not close after session end")
		}
		assert.Equal(t, 1, recorder.countOf(realtime.TypeSessionEnded))

		// Machine is free again and the ledger holds exactly one credit.
		var machine model.Machine
		require.NoError(t, testDB.First(&machine, "code = ?", "M1").Error)
		assert.False(t, machine.IsLocked)

		var entries []model.LedgerEntry
		require.NoError(t, testDB.Where("account_id = ?", "user-a").Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(50), entries[0].Delta)
		assert.Equal(t, int64(50), entries[0].BalanceAfter)

		// The device received the end command.
		published := channel.Published()
		require.Len(t, published, 2)
		assert.Equal(t, devicechan.KindEnd, published[1].Kind)
	})

	// --- Scenario 2: Device Restart Mid-Session on M2 ---

	t.Run("Recovery After Device Restart", func(t *testing.T) {
		// Leave room for the rate limiter to refill before more requests.
		time.Sleep(500 * time.Millisecond)

		resp, _ := postJSON(t, "/api/machines/M2/activate", `{"user_id":"user-c"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		for i := 0; i < 2; i++ {
			require.NoError(t, channel.Inject(ctx, "M2", devicechan.KindDetected, devicechan.DetectedPayload{Units: 1}))
		}

		// The device drops offline and comes back without ever ending.
		require.NoError(t, channel.Inject(ctx, "M2", devicechan.KindPresence, devicechan.PresencePayload{Online: false}))
		require.NoError(t, channel.Inject(ctx, "M2", devicechan.KindPresence, devicechan.PresencePayload{Online: true}))

		// The stuck session was closed with the last known count.
		var session model.Session
		require.NoError(t, testDB.Where("machine_code = ?", "M2").First(&session).Error)
		assert.Equal(t, model.CloseReasonRecovered, session.CloseReason)
		assert.Equal(t, int64(2), session.ItemCount)
		assert.NotNil(t, session.ClosedAt)

		var entries []model.LedgerEntry
		require.NoError(t, testDB.Where("account_id = ?", "user-c").Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(20), entries[0].Delta)

		var machine model.Machine
		require.NoError(t, testDB.First(&machine, "code = ?", "M2").Error)
		assert.False(t, machine.IsLocked)
		assert.True(t, machine.Online)
	})
}
