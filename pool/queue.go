package pool

import (
	"context"
	"time"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/rferrors"
)

// jobItem is one queued unit of work. fn returns any so the queue can hold
// heterogeneous jobs; the exported Run/Batch functions recover the typed
// result for the caller.
type jobItem struct {
	seq    uint64
	weight float64

	ctx    context.Context
	fn     func(ctx context.Context, c *backend.Client, idx int) (any, error)
	result chan jobResult

	filter      Filter
	affinityKey string

	attempt        int
	maxRetries     int
	enableFailover bool
	retryDelay     time.Duration
}

type jobResult struct {
	val any
	err error
}

func (j *jobItem) deliver(val any, err error) {
	select {
	case j.result <- jobResult{val: val, err: err}:
	default:
	}
}

// enqueueLocked inserts job into p.queue ascending by weight, ties
// breaking by insertion (seq) order (spec.md §4.4, §8 property 3). Caller
// must hold p.mu.
func (p *Pool) enqueueLocked(job *jobItem) error {
	if len(p.queue) >= p.maxQueueSize {
		return rferrors.ErrQueueFull
	}
	i := 0
	for i < len(p.queue) && p.queue[i].weight <= job.weight {
		i++
	}
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = job
	return nil
}
