package notification

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender backed by the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool sends "machine available" notifications when sessions close,
// off the coordinator's critical path.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  Sender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("notification worker %d started", id)
	for {
		select {
		case machineCode := <-wp.jobs:
			wp.sendForMachine(ctx, machineCode)
		case <-ctx.Done():
			log.Printf("notification worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a machine for notification. Implements coordinator.Notifier.
func (wp *WorkerPool) Dispatch(machineCode string) {
	select {
	case wp.jobs <- machineCode:
	default:
		log.Printf("notification queue full, dropping job for machine %s", machineCode)
	}
}

// sendForMachine fetches subscriptions for the machine and pushes to each.
func (wp *WorkerPool) sendForMachine(ctx context.Context, machineCode string) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.machine_code = ?", machineCode).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("error fetching subscriptions for machine %s: %v", machineCode, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	machineLabel := machineCode
	var machine model.Machine
	if err := wp.db.WithContext(ctx).
		Select("display_name").
		First(&machine, "code = ?", machineCode).Error; err != nil {
		log.Printf("error fetching machine %s: %v", machineCode, err)
	} else if machine.DisplayName != "" {
		machineLabel = machine.DisplayName
	}

	log.Printf("sending %d notifications for machine %s", len(subscriptions), machineCode)
	message := fmt.Sprintf("Recycling machine %s is now available!", machineLabel)
	for _, sub := range subscriptions {
		wp.send(ctx, sub, []byte(message))
	}
}

func (wp *WorkerPool) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// 410 means the browser dropped the subscription.
	if resp.StatusCode == http.StatusGone {
		log.Printf("subscription for endpoint %s is expired, deleting", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			log.Printf("failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
