package pool

import (
	"context"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/internal/eventbus"
)

// unlockingKinds are the per-client event kinds that clear the dispatcher
// lock on that client (spec.md §3 invariant). "status" additionally
// unlocks, but only when the pool is not in PickZero mode, handled
// separately in the subscription below.
var unlockingKinds = map[string]struct{}{
	"execution_success":     {},
	"execution_error":       {},
	"execution_interrupted": {},
	"queue_error":           {},
	"disconnected":          {},
	"reconnected":           {},
}

// AddClient registers c, kicks off its async initialization, and returns
// the stable index assigned to it. The index is never reused, even after
// RemoveClientByIndex (spec.md §3: "insertion order is stable and used as
// index").
func (p *Pool) AddClient(c *backend.Client) int {
	p.mu.Lock()
	idx := len(p.clients)
	p.clients = append(p.clients, c)
	p.state = append(p.state, ClientState{ID: c.ID(), Online: false, Locked: false})
	p.broadcastChange()
	p.mu.Unlock()

	c.Events().OnAll(func(e eventbus.Event) { p.onClientEvent(idx, e) })

	p.events.Emit("added", idx)

	go func() {
		ctx := context.Background()
		if err := c.Init(ctx, p.initTries, p.initDelay); err != nil {
			p.events.Emit("init", map[string]any{"clientIdx": idx, "error": err})
			return
		}
		p.mu.Lock()
		p.awaitingReady[idx] = struct{}{}
		p.mu.Unlock()
		p.events.Emit("init", map[string]any{"clientIdx": idx})
	}()

	return idx
}

// onClientEvent is the single funnel through which every client's frames
// reach dispatcher state: re-emitted decorated with clientIdx, and, for
// the event kinds spec.md §3 names, used to clear the lock and update
// online/queueDepth bookkeeping.
func (p *Pool) onClientEvent(idx int, e eventbus.Event) {
	p.mu.Lock()
	if idx >= len(p.state) || p.clients[idx] == nil {
		p.mu.Unlock()
		return
	}
	changed := false
	becameReady := false

	switch e.Kind {
	case "connected", "reconnected":
		if !p.state[idx].Online {
			p.state[idx].Online = true
			changed = true
		}
	case "disconnected":
		p.state[idx].Online = false
		changed = true
	case "status":
		p.state[idx].Online = true
		if _, awaiting := p.awaitingReady[idx]; awaiting {
			delete(p.awaitingReady, idx)
			becameReady = true
		}
		if depth, ok := queueRemaining(e.Data); ok {
			p.state[idx].QueueDepth = depth
			if depth > 0 {
				p.events.Emit("have_job", map[string]any{"clientIdx": idx})
			} else {
				p.events.Emit("idle", map[string]any{"clientIdx": idx})
			}
		}
		if p.mode != PickZero {
			p.state[idx].Locked = false
		}
		changed = true
	}

	if _, unlocks := unlockingKinds[e.Kind]; unlocks {
		p.state[idx].Locked = false
		changed = true
	}

	if changed {
		p.broadcastChange()
	}
	p.mu.Unlock()

	if becameReady {
		p.events.Emit("ready", idx)
	}
	p.events.Emit(e.Kind, map[string]any{"clientIdx": idx, "data": e.Data})
}

// queueRemaining extracts exec_info.queue_remaining from a decoded status
// frame's Data, matching the backend's status payload shape.
func queueRemaining(data any) (int, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, false
	}
	execInfo, ok := m["exec_info"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := execInfo["queue_remaining"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// RemoveClientByIndex destroys the client at idx and tombstones its slot:
// an in-flight job using it observes the same failure path as a client
// that disconnected (spec.md §4.4).
func (p *Pool) RemoveClientByIndex(idx int) {
	p.mu.Lock()
	if idx < 0 || idx >= len(p.clients) || p.clients[idx] == nil {
		p.mu.Unlock()
		return
	}
	c := p.clients[idx]
	p.clients[idx] = nil
	p.state[idx] = ClientState{}
	delete(p.awaitingReady, idx)
	p.broadcastChange()
	p.mu.Unlock()

	c.Destroy()
	p.events.Emit("removed", idx)
}

// RemoveClient destroys and tombstones the first client whose ID matches.
func (p *Pool) RemoveClient(id string) {
	p.mu.Lock()
	idx := -1
	for i, c := range p.clients {
		if c != nil && c.ID() == id {
			idx = i
			break
		}
	}
	p.mu.Unlock()
	if idx >= 0 {
		p.RemoveClientByIndex(idx)
	}
}
