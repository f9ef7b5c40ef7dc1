package backend

import (
	"context"
	"time"
)

// pollInterval is the fallback cadence once streaming is unavailable
// (spec.md §9 Design Note: polling fallback).
const pollInterval = 2 * time.Second

// startPolling runs a 2s ticker that substitutes for the streaming channel
// by diffing /queue and /history snapshots, synthesizing the same event
// kinds a live socket would produce. Idempotent: a second call while
// already polling is a no-op.
func (c *Client) startPolling() {
	c.mu.Lock()
	if c.pollActive {
		c.mu.Unlock()
		return
	}
	c.pollActive = true
	c.pollStop = make(chan struct{})
	stop := c.pollStop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		seenRunning := map[string]struct{}{}
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.pollOnce(seenRunning)
				c.mu.RLock()
				active := c.pollActive
				c.mu.RUnlock()
				if !active {
					return
				}
			}
		}
	}()
}

func (c *Client) pollOnce(seenRunning map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
	defer cancel()

	if c.tryResumeStreaming(ctx) {
		return
	}

	status, err := c.GetQueue(ctx)
	if err != nil {
		c.events.Emit("queue_error", map[string]any{"error": err.Error()})
		return
	}
	c.touchActivity()

	nowRunning := map[string]struct{}{}
	for _, entry := range status.Running {
		nowRunning[entry.PromptID] = struct{}{}
		if _, already := seenRunning[entry.PromptID]; !already {
			c.events.Emit("execution_start", map[string]any{"prompt_id": entry.PromptID})
		}
	}
	for id := range seenRunning {
		if _, stillRunning := nowRunning[id]; !stillRunning {
			if !c.pollFinalize(ctx, id) {
				nowRunning[id] = struct{}{} // no history yet; check again next poll
			}
		}
	}
	for id := range seenRunning {
		delete(seenRunning, id)
	}
	for id := range nowRunning {
		seenRunning[id] = struct{}{}
	}
	c.events.Emit("status", map[string]any{
		"exec_info": map[string]any{"queue_remaining": len(status.Running) + len(status.Pending)},
	})
}

// tryResumeStreaming attempts to reopen the streaming channel on every
// poll tick (spec.md §4.2: "on every poll the client attempts to
// re-establish the streaming channel; when that succeeds, polling
// stops"). Returns true if streaming resumed, in which case the caller
// skips the rest of this tick's polling work.
func (c *Client) tryResumeStreaming(ctx context.Context) bool {
	if err := c.openStream(ctx); err != nil {
		return false
	}
	c.startWatchdog()
	c.events.Emit("connected", nil)
	c.stopPolling()
	return true
}

// pollFinalize reports false only when the backend has no history record
// for promptID yet; pollOnce then keeps the id and asks again next poll.
func (c *Client) pollFinalize(ctx context.Context, promptID string) bool {
	entry, err := c.GetHistory(ctx, promptID)
	if err != nil {
		c.events.Emit("execution_error", map[string]any{"prompt_id": promptID, "error": err.Error()})
		return true
	}
	if entry == nil {
		return false
	}
	c.events.Emit("executed", map[string]any{"prompt_id": promptID})
	return true
}

// stopPolling halts the polling loop if active, used when a reconnect
// attempt for the primary stream succeeds.
func (c *Client) stopPolling() {
	c.mu.Lock()
	if !c.pollActive {
		c.mu.Unlock()
		return
	}
	c.pollActive = false
	stop := c.pollStop
	c.pollStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
