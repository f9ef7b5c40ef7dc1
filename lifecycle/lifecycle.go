// Package lifecycle implements the Prompt Call Lifecycle (spec.md §4.3): a
// one-shot state machine that submits a finalized template to a backend
// client and turns its streamed frames into pending/start/progress/
// finished/failed callbacks, tolerating out-of-order and cache-only
// completions.
//
// Grounded on shard.FlowEngine's execute/changeStateWithEvent shape from
// the teacher: a single driver goroutine owns all mutable state and is fed
// exclusively through a channel, so no field needs its own lock. Unlike
// the teacher, correlation is keyed explicitly by prompt id against
// internal/eventbus rather than a Redis-backed shared Storage (spec.md §9
// open question (c)).
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/internal/eventbus"
	"github.com/mohitkumar/renderfleet/rferrors"
	"github.com/mohitkumar/renderfleet/wireformat"
)

// correlatedKinds are the client event kinds the lifecycle correlates by
// prompt id (spec.md §4.3 step 2).
var correlatedKinds = []string{
	"execution_start",
	"progress",
	"executed",
	"execution_cached",
	"execution_error",
	"execution_interrupted",
	"execution_success",
}

// frame is one correlated event handed from the client's dispatch
// goroutine to the driver loop below.
type frame struct {
	kind string
	data map[string]any
}

// CallWrapper drives one submission through to a terminal outcome.
// Callbacks are optional; set via the OnXxx chaining methods before
// calling Run. A CallWrapper is used once.
type CallWrapper struct {
	client *backend.Client
	tpl    *wireformat.Template

	onPending  func()
	onStart    func()
	onProgress func(node string, value, max int)
	onFinished func(outputs map[string]any)
	onFailed   func(err error)

	cacheGraceWindow  time.Duration
	cancelGraceWindow time.Duration

	cancelOnce      sync.Once
	cancelRequested chan struct{}
}

// New builds a CallWrapper for one (client, template) pair.
func New(client *backend.Client, tpl *wireformat.Template) *CallWrapper {
	return &CallWrapper{
		client:            client,
		tpl:               tpl,
		cacheGraceWindow:  500 * time.Millisecond,
		cancelGraceWindow: 5 * time.Second,
		cancelRequested:   make(chan struct{}),
	}
}

func (cw *CallWrapper) OnPending(fn func()) *CallWrapper                          { cw.onPending = fn; return cw }
func (cw *CallWrapper) OnStart(fn func()) *CallWrapper                            { cw.onStart = fn; return cw }
func (cw *CallWrapper) OnProgress(fn func(node string, value, max int)) *CallWrapper {
	cw.onProgress = fn
	return cw
}
func (cw *CallWrapper) OnFinished(fn func(outputs map[string]any)) *CallWrapper { cw.onFinished = fn; return cw }
func (cw *CallWrapper) OnFailed(fn func(err error)) *CallWrapper               { cw.onFailed = fn; return cw }

// WithCacheGraceWindow overrides the wait before querying history after an
// execution_cached frame satisfies every declared output (default 500ms).
func (cw *CallWrapper) WithCacheGraceWindow(d time.Duration) *CallWrapper {
	cw.cacheGraceWindow = d
	return cw
}

// WithCancelGraceWindow overrides how long Cancel waits for
// execution_interrupted before the lifecycle gives up (default 5s).
func (cw *CallWrapper) WithCancelGraceWindow(d time.Duration) *CallWrapper {
	cw.cancelGraceWindow = d
	return cw
}

// Cancel requests interruption of the in-flight run. Safe to call at most
// meaningfully once; subsequent calls are no-ops. Does not itself return
// the lifecycle's terminal error — that is always delivered through Run's
// return value / OnFailed.
func (cw *CallWrapper) Cancel(ctx context.Context) {
	cw.cancelOnce.Do(func() {
		_ = cw.client.Interrupt(ctx)
		close(cw.cancelRequested)
	})
}

// Run submits tpl's finalized workflow to client and blocks until a
// terminal outcome, returning the declared outputs or the terminal error.
func (cw *CallWrapper) Run(ctx context.Context) (map[string]any, error) {
	workflow, err := cw.tpl.Finalize()
	if err != nil {
		return nil, cw.fail(rferrors.NewSubmit(err))
	}

	resp, err := cw.client.QueuePrompt(ctx, nil, workflow, nil)
	if err != nil {
		return nil, cw.fail(rferrors.NewSubmit(err))
	}
	promptID := resp.PromptID
	if cw.onPending != nil {
		cw.onPending()
	}

	outputNodeIDs := make(map[string]string) // nodeID -> declared name
	for _, name := range cw.tpl.OutputNames() {
		if id, ok := cw.tpl.OutputNode(name); ok {
			outputNodeIDs[id] = name
		}
	}

	frames := make(chan frame, 64)
	subs := cw.subscribe(promptID, frames)
	defer cw.unsubscribe(subs)

	buffered := make(map[string]any)
	cached := make(map[string]struct{})
	started := false

	var cacheGraceC, cancelGraceC <-chan time.Time
	var cancelReq <-chan struct{} = cw.cancelRequested

	markStarted := func() {
		if !started {
			started = true
			if cw.onStart != nil {
				cw.onStart()
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			_ = cw.client.Interrupt(context.Background())
			return nil, cw.fail(rferrors.NewExecution(ctx.Err()))

		case <-cancelReq:
			cancelGraceC = time.After(cw.cancelGraceWindow)
			cancelReq = nil // start the grace window once

		case <-cancelGraceC:
			return nil, cw.fail(rferrors.ErrCancelTimeout)

		case <-cacheGraceC:
			return cw.finalize(ctx, promptID, outputNodeIDs, buffered)

		case f := <-frames:
			switch f.kind {
			case "execution_start":
				markStarted()

			case "progress":
				markStarted()
				if cw.onProgress != nil {
					node, _ := f.data["node"].(string)
					value, max := intField(f.data["value"]), intField(f.data["max"])
					cw.onProgress(node, value, max)
				}

			case "executed":
				markStarted()
				if node, ok := f.data["node"].(string); ok && node != "" {
					buffered[node] = f.data["output"]
				}

			case "execution_cached":
				for _, n := range toStringSlice(f.data["nodes"]) {
					cached[n] = struct{}{}
				}
				if allOutputsAccountedFor(outputNodeIDs, buffered, cached) {
					cacheGraceC = time.After(cw.cacheGraceWindow)
				}

			case "execution_error":
				return nil, cw.fail(rferrors.NewExecution(fmt.Errorf("%v", f.data)))

			case "execution_interrupted":
				return nil, cw.fail(rferrors.ErrInterrupted)

			case "execution_success":
				return cw.finalize(ctx, promptID, outputNodeIDs, buffered)
			}
		}
	}
}

// finalize assembles declared outputs from the per-node buffer, falling
// back to a single getHistory call for anything still missing (spec.md
// §8 Scenario S6).
func (cw *CallWrapper) finalize(ctx context.Context, promptID string, outputNodeIDs map[string]string, buffered map[string]any) (map[string]any, error) {
	outputs := make(map[string]any, len(outputNodeIDs))
	var missing []string
	for nodeID, name := range outputNodeIDs {
		if v, ok := buffered[nodeID]; ok {
			outputs[name] = v
		} else {
			missing = append(missing, nodeID)
		}
	}

	if len(missing) > 0 {
		entry, err := cw.client.GetHistory(ctx, promptID)
		if err == nil && entry != nil {
			still := missing[:0:0]
			for _, nodeID := range missing {
				raw, ok := entry.Outputs[nodeID]
				if !ok {
					still = append(still, nodeID)
					continue
				}
				var val any
				if err := json.Unmarshal(raw, &val); err != nil {
					still = append(still, nodeID)
					continue
				}
				outputs[outputNodeIDs[nodeID]] = val
			}
			missing = still
		}
	}

	if len(missing) > 0 {
		return nil, cw.fail(rferrors.ErrIncomplete)
	}
	if cw.onFinished != nil {
		cw.onFinished(outputs)
	}
	return outputs, nil
}

func (cw *CallWrapper) fail(err error) error {
	if cw.onFailed != nil {
		cw.onFailed(err)
	}
	return err
}

func (cw *CallWrapper) subscribe(promptID string, frames chan frame) []eventbus.Subscription {
	subs := make([]eventbus.Subscription, 0, len(correlatedKinds))
	for _, kind := range correlatedKinds {
		kind := kind
		sub := cw.client.Events().On(kind, func(e eventbus.Event) {
			data, _ := e.Data.(map[string]any)
			if data == nil {
				return
			}
			if pid, _ := data["prompt_id"].(string); pid != promptID {
				return
			}
			frames <- frame{kind: kind, data: data}
		})
		subs = append(subs, sub)
	}
	return subs
}

func (cw *CallWrapper) unsubscribe(subs []eventbus.Subscription) {
	for _, s := range subs {
		cw.client.Events().Off(s)
	}
}

func allOutputsAccountedFor(outputNodeIDs map[string]string, buffered map[string]any, cached map[string]struct{}) bool {
	for nodeID := range outputNodeIDs {
		if _, ok := buffered[nodeID]; ok {
			continue
		}
		if _, ok := cached[nodeID]; ok {
			continue
		}
		return false
	}
	return true
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intField(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
