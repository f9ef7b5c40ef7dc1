package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/renderfleet/logger"
	"go.uber.org/zap"
)

// defaultMaxReconnectAttempts bounds the exponential-backoff reconnect
// loop before the client gives up and emits "reconnection_failed"
// (spec.md §4.2).
const defaultMaxReconnectAttempts = 10

// startWatchdog launches a ticker at wsTimeout/2 that declares the stream
// dead if no activity has been observed for wsTimeout, then drives
// reconnection. Grounded on util.TickWorker's ticker-plus-stop-channel
// shape from the teacher.
func (c *Client) startWatchdog() {
	c.mu.Lock()
	c.watchdogStop = make(chan struct{})
	stop := c.watchdogStop
	stream := c.stream
	c.mu.Unlock()

	interval := c.cfg.WSTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-stream.Done():
				c.onStreamLost(stream.Err())
				return
			case <-ticker.C:
				if time.Since(c.LastActivity()) > c.cfg.WSTimeout {
					c.onStreamLost(nil)
					return
				}
			}
		}
	}()
}

func (c *Client) onStreamLost(cause error) {
	if c.Destroyed() {
		return
	}
	c.events.Emit("disconnected", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if c.reconnect(ctx) {
		c.reconnectN = 0
		c.events.Emit("reconnected", nil)
		c.startWatchdog()
		return
	}
	c.events.Emit("reconnection_failed", nil)
	logger.Error("reconnection exhausted, falling back to polling", zap.String("client", c.cfg.ID))
	c.startPolling()
}

// reconnect retries openStream with exponential backoff, base 1s, capped
// at 15s per attempt, +/-30% jitter, up to maxAttempts tries (all three
// from reconnectSchedule).
func (c *Client) reconnect(ctx context.Context) bool {
	base, cap, maxAttempts := c.reconnectSchedule()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = cap
	b.Multiplier = 2
	b.RandomizationFactor = 0.3

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.Destroyed() {
			return false
		}
		if err := c.openStream(ctx); err == nil {
			return true
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return false
		}
		delay = jitterClamp(delay, base, cap)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	return false
}

// reconnectSchedule returns the backoff base/cap/attempt-count, defaulting
// to spec.md §4.2's 1s-15s/10-attempt schedule unless the Config overrides
// them (used by tests to keep the reconnect loop fast).
func (c *Client) reconnectSchedule() (base, cap time.Duration, maxAttempts int) {
	base, cap, maxAttempts = time.Second, 15*time.Second, defaultMaxReconnectAttempts
	if c.cfg.ReconnectBaseDelay > 0 {
		base = c.cfg.ReconnectBaseDelay
	}
	if c.cfg.ReconnectMaxDelay > 0 {
		cap = c.cfg.ReconnectMaxDelay
	}
	if c.cfg.ReconnectMaxAttempts > 0 {
		maxAttempts = c.cfg.ReconnectMaxAttempts
	}
	return base, cap, maxAttempts
}

func jitterClamp(d, min, max time.Duration) time.Duration {
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d
}
