package pool

import (
	"context"
	"time"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/rferrors"
)

// RunOptions configures one Run call (spec.md §4.4's weight/filter/
// failover parameters).
type RunOptions struct {
	Weight      float64
	Filter      Filter
	AffinityKey string // consulted only under PickAffinity

	// EnableFailover, MaxRetries and RetryDelay default to the spec's
	// policy (enabled, |onlineClients| at enqueue time, 1s) when left at
	// their zero value; set EnableFailoverSet/MaxRetriesSet to override
	// with an explicit false/0.
	EnableFailover    bool
	EnableFailoverSet bool
	MaxRetries        int
	MaxRetriesSet     bool
	RetryDelay        time.Duration
}

func (p *Pool) resolveOptions(opts RunOptions) (enableFailover bool, maxRetries int, retryDelay time.Duration) {
	enableFailover = true
	if opts.EnableFailoverSet {
		enableFailover = opts.EnableFailover
	}
	retryDelay = time.Second
	if opts.RetryDelay > 0 {
		retryDelay = opts.RetryDelay
	}
	maxRetries = p.onlineCount()
	if opts.MaxRetriesSet {
		maxRetries = opts.MaxRetries
	}
	return enableFailover, maxRetries, retryDelay
}

func (p *Pool) onlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i, c := range p.clients {
		if c != nil && p.state[i].Online {
			n++
		}
	}
	return n
}

// runAny enqueues fn and blocks until it resolves, fails terminally, or
// ctx is canceled.
func (p *Pool) runAny(ctx context.Context, fn func(ctx context.Context, c *backend.Client, idx int) (any, error), opts RunOptions) (any, error) {
	enableFailover, maxRetries, retryDelay := p.resolveOptions(opts)
	job := &jobItem{
		seq:            p.nextSeq(),
		weight:         opts.Weight,
		ctx:            ctx,
		fn:             fn,
		result:         make(chan jobResult, 1),
		filter:         opts.Filter,
		affinityKey:    opts.AffinityKey,
		maxRetries:     maxRetries,
		enableFailover: enableFailover,
		retryDelay:     retryDelay,
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, rferrors.ErrDestroyed
	}
	if err := p.enqueueLocked(job); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.broadcastChange()
	p.mu.Unlock()
	p.events.Emit("add_job", map[string]any{"weight": opts.Weight})

	select {
	case res := <-job.result:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run schedules fn and returns its typed result once resolved.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, c *backend.Client, idx int) (T, error), opts RunOptions) (T, error) {
	val, err := p.runAny(ctx, func(ctx context.Context, c *backend.Client, idx int) (any, error) {
		return fn(ctx, c, idx)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return val.(T), nil
}

// Batch runs every fn concurrently under the same options, returning all
// results in order or the first unrecoverable error (spec.md §4.4:
// "fail-fast on first unrecoverable error").
func Batch[T any](ctx context.Context, p *Pool, fns []func(ctx context.Context, c *backend.Client, idx int) (T, error), opts RunOptions) ([]T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]T, len(fns))
	errs := make([]error, len(fns))
	done := make(chan int, len(fns))

	for i, fn := range fns {
		i, fn := i, fn
		go func() {
			results[i], errs[i] = Run(ctx, p, fn, opts)
			done <- i
		}()
	}

	var firstErr error
	for range fns {
		i := <-done
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
			cancel()
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// runLoop is the dispatcher's background job execution task (spec.md
// §4.4 "job execution loop"): pop the head job, select a client for it,
// run it to completion, handle failover, repeat.
func (p *Pool) runLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			ch := p.changedCh
			p.mu.Unlock()
			select {
			case <-p.loopStop:
				return
			case <-ch:
			case <-time.After(5 * time.Second):
			}
			continue
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case <-p.loopStop:
			job.deliver(nil, rferrors.ErrDestroyed)
			return
		default:
		}

		p.execute(job)
	}
}

// execute selects a client for job and runs it, re-enqueueing on a
// failover-eligible error (spec.md §4.4 failover semantics).
func (p *Pool) execute(job *jobItem) {
	idx, err := p.selectClient(job.ctx, job.filter, job.affinityKey)
	if err != nil {
		job.deliver(nil, err)
		return
	}

	p.mu.Lock()
	client := p.clients[idx]
	p.mu.Unlock()
	if client == nil {
		// Removed between selection and dispatch; treat like any other
		// client failure for failover purposes.
		p.failOrRetry(job, idx, "", rferrors.NewTransport(rferrors.ErrDestroyed))
		return
	}

	val, err := job.fn(job.ctx, client, idx)
	if err == nil {
		job.deliver(val, nil)
		return
	}
	p.failOrRetry(job, idx, client.ID(), err)
}

// removeID returns ids with target dropped, preserving order. Used so a
// failed client's id can't survive in a retry's IncludeIDs and be
// reselected (spec.md §8 property 5: a retry never reuses an excluded
// client, include-filtered or not).
func removeID(ids []string, target string) []string {
	if len(ids) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (p *Pool) failOrRetry(job *jobItem, idx int, clientID string, cause error) {
	job.attempt++

	p.mu.Lock()
	job.filter.ExcludeIDs = append(job.filter.ExcludeIDs, clientID)
	job.filter.IncludeIDs = removeID(job.filter.IncludeIDs, clientID)
	remaining := len(p.candidates(job.filter))
	p.mu.Unlock()

	willRetry := job.enableFailover && job.attempt < job.maxRetries && remaining > 0
	p.events.Emit("execution_error", map[string]any{
		"clientIdx":  idx,
		"willRetry":  willRetry,
		"attempt":    job.attempt,
		"maxRetries": job.maxRetries,
		"cause":      cause,
	})

	if !willRetry {
		job.deliver(nil, cause)
		return
	}

	time.Sleep(job.retryDelay)

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		job.deliver(nil, rferrors.ErrDestroyed)
		return
	}
	// Re-enqueue at the same weight. The job gave up its queue slot when
	// runLoop popped it, so a queue that filled up meanwhile rejects it.
	if err := p.enqueueLocked(job); err != nil {
		p.mu.Unlock()
		job.deliver(nil, err)
		return
	}
	p.broadcastChange()
	p.mu.Unlock()
}
