package backend

import (
	"context"
	"net/http"

	"github.com/mohitkumar/renderfleet/logger"
	"go.uber.org/zap"
)

// openStream dials the streaming channel and starts the frame dispatch
// loop. Called from Init and again from the watchdog's reconnect path.
func (c *Client) openStream(ctx context.Context) error {
	headers := http.Header{}
	dummyReq, _ := http.NewRequest(http.MethodGet, "http://ws", nil)
	c.creds.Apply(dummyReq)
	headers = dummyReq.Header

	stream, err := c.streamFactory(ctx, c.wsURL(), headers)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatchLoop(stream)
	return nil
}

// dispatchLoop drains one StreamChannel's Frames(), translating each into a
// client event, until Frames() closes or Done() closes with nothing left
// buffered. It does not reconnect itself; the watchdog notices Done() and
// drives reconnection.
func (c *Client) dispatchLoop(stream StreamChannel) {
	defer c.wg.Done()
	frames := stream.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.touchActivity()
			c.handleFrame(frame)
		case <-stream.Done():
			if len(frames) == 0 {
				return
			}
		}
	}
}

func (c *Client) handleFrame(f Frame) {
	if sid, ok := f.Data["sid"]; ok {
		if s, ok := sid.(string); ok && s != "" {
			c.rebindClientID(s)
		}
	}
	switch f.Type {
	case "preview":
		c.events.Emit("preview", map[string]any{"image": f.Preview, "mime": f.PreviewMime})
		return
	case "status":
		c.events.Emit("status", f.Data)
	case "progress":
		c.events.Emit("progress", f.Data)
	case "execution_start":
		c.events.Emit("execution_start", f.Data)
	case "executing":
		c.events.Emit("executing", f.Data)
	case "executed":
		c.events.Emit("executed", f.Data)
	case "execution_cached":
		c.events.Emit("execution_cached", f.Data)
	case "execution_success":
		c.events.Emit("execution_success", f.Data)
	case "execution_interrupted":
		c.events.Emit("execution_interrupted", f.Data)
	case "execution_error":
		c.events.Emit("execution_error", f.Data)
	case "logs":
		// The backend's "logs" frame carries terminal output; re-emitted
		// under the consumer-facing name "terminal", carrying only the
		// first log entry, if any (spec.md §4.2).
		if entry := firstLogEntry(f.Data); entry != nil {
			c.events.Emit("terminal", entry)
		}
	default:
		logger.Debug("unrecognized stream frame", zap.String("type", f.Type))
	}
}

// firstLogEntry extracts the first entry from a "logs" frame's entries
// list, if any (spec.md §4.2: "carrying the first log entry, if any").
func firstLogEntry(data map[string]any) any {
	entries, ok := data["entries"].([]any)
	if !ok || len(entries) == 0 {
		return nil
	}
	return entries[0]
}
