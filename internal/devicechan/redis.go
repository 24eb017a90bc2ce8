package devicechan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisChannel implements Channel on top of Redis pub/sub. Pattern
// subscriptions are re-established by the client library after a reconnect,
// so a transport blip never loses the event subscription.
type RedisChannel struct {
	rdb    *redis.Client
	prefix string

	mu      sync.Mutex
	handler Handler
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
}

// NewRedisChannel connects to Redis and verifies reachability.
func NewRedisChannel(addr, password string, db int, prefix string) (*RedisChannel, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}

	return &RedisChannel{rdb: rdb, prefix: prefix}, nil
}

// Publish sends a command on the machine's command topic.
func (c *RedisChannel) Publish(ctx context.Context, machineCode, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", kind, err)
	}

	topic := CommandTopic(c.prefix, machineCode, kind)
	if err := c.rdb.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts the single receive loop delivering inbound events to the
// handler. Messages are dispatched sequentially, preserving arrival order.
func (c *RedisChannel) Subscribe(handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubsub != nil {
		c.handler = handler
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.handler = handler
	c.cancel = cancel
	c.pubsub = c.rdb.PSubscribe(ctx, EventPattern(c.prefix))

	go c.receive(ctx, c.pubsub.Channel())
}

func (c *RedisChannel) receive(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			code, kind, err := ParseEventTopic(c.prefix, msg.Channel)
			if err != nil {
				log.Printf("devicechan: dropping message: %v", err)
				continue
			}
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(ctx, Message{MachineCode: code, Kind: kind, Payload: []byte(msg.Payload)})
			}
		case <-ctx.Done():
			return
		}
	}
}

// Healthy pings the transport with a short deadline.
func (c *RedisChannel) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err() == nil
}

// Close stops the receive loop and releases the client.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			return err
		}
		c.pubsub = nil
	}
	return c.rdb.Close()
}
