package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrGaveUp is returned by Client.Run after the reconnect budget is spent.
// The caller surfaces a persistent-failure state instead of retrying forever.
var ErrGaveUp = errors.New("realtime: gave up reconnecting")

// ClientConfig tunes the reconnect policy of a streaming client.
type ClientConfig struct {
	URL         string
	BackoffBase time.Duration // first retry delay, doubles per attempt
	BackoffMax  time.Duration // delay cap
	MaxAttempts int           // consecutive failed attempts before giving up
	HTTPClient  *http.Client
}

// Client consumes a server-sent-event stream and reconnects on unexpected
// disconnects with capped exponential backoff. A disconnect is expected only
// when the session has ended or the context was cancelled; any other drop
// triggers a retry. The delay resets to the base once a connection delivers
// an event again.
type Client struct {
	cfg     ClientConfig
	onEvent func(eventType string, data []byte)

	lastEventType string
}

// NewClient creates a client delivering events to onEvent.
func NewClient(cfg ClientConfig, onEvent func(eventType string, data []byte)) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg, onEvent: onEvent}
}

// Run streams until the session ends, the context is cancelled, or the
// reconnect budget is spent (ErrGaveUp).
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	delay := c.cfg.BackoffBase

	for {
		delivered, err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Intentional closure, no retry.
			return nil
		}
		if delivered {
			attempts = 0
			delay = c.cfg.BackoffBase
		}

		attempts++
		if attempts >= c.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > c.cfg.BackoffMax {
			delay = c.cfg.BackoffMax
		}
	}
}

// stream runs one connection. It returns nil for an intentional closure and
// reports whether any event arrived on this connection.
func (c *Client) stream(ctx context.Context) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if eventType != "" {
				c.lastEventType = eventType
				delivered = true
				if c.onEvent != nil {
					c.onEvent(eventType, []byte(data))
				}
			}
		case line == "":
			eventType = ""
		}
	}

	if c.lastEventType == TypeSessionEnded {
		// The server closes the machine stream after the session ends.
		return delivered, nil
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return delivered, scanErr
	}
	return delivered, errors.New("stream closed unexpectedly")
}
