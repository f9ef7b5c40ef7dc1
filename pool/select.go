package pool

import (
	"context"

	"github.com/buraksezer/consistent"
	"github.com/mohitkumar/renderfleet/rferrors"
	"github.com/spaolacci/murmur3"
)

// hasher adapts murmur3 to consistent.Hasher.
type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return murmur3.Sum64(data) }

// ringMember is a client id wrapped to satisfy consistent.Member.
type ringMember string

func (m ringMember) String() string { return string(m) }

var ringConfig = consistent.Config{
	PartitionCount:    71,
	ReplicationFactor: 20,
	Load:              1.25,
	Hasher:            hasher{},
}

// selectClient blocks, condition-waiting on dispatcher state changes
// (spec.md §9 open question (a)), until a client matching filter is
// available under the current mode, then atomically locks and returns it.
func (p *Pool) selectClient(ctx context.Context, filter Filter, affinityKey string) (int, error) {
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return -1, rferrors.ErrDestroyed
		}
		if idx, ok := p.pickLocked(filter, affinityKey); ok {
			p.state[idx].Locked = true
			p.mu.Unlock()
			return idx, nil
		}
		ch := p.changedCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return -1, rferrors.ErrNoClient
		case <-ch:
		}
	}
}

// candidates returns indices of online, unlocked, non-removed clients
// passing filter, in insertion order. Caller must hold p.mu.
func (p *Pool) candidates(filter Filter) []int {
	var out []int
	for i, c := range p.clients {
		if c == nil {
			continue
		}
		st := p.state[i]
		if !st.Online || st.Locked {
			continue
		}
		if !filter.matches(st.ID) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// pickLocked runs the configured mode's pure selection rule over the
// current candidate set. Caller must hold p.mu. Returns ok=false when no
// candidate is eligible right now (PICK_ZERO with nothing idle, or an
// empty candidate set under any mode).
func (p *Pool) pickLocked(filter Filter, affinityKey string) (int, bool) {
	c := p.candidates(filter)
	if len(c) == 0 {
		return -1, false
	}
	switch p.mode {
	case PickZero:
		for _, idx := range c {
			if p.state[idx].QueueDepth == 0 {
				return idx, true
			}
		}
		return -1, false
	case PickLowest:
		best := c[0]
		for _, idx := range c[1:] {
			if p.state[idx].QueueDepth < p.state[best].QueueDepth {
				best = idx
			}
		}
		return best, true
	case PickAffinity:
		if affinityKey == "" {
			return p.pickRoutineLocked(c), true
		}
		if idx, ok := p.pickAffinityLocked(c, affinityKey); ok {
			return idx, true
		}
		return p.pickLowestLocked(c), true
	default: // PickRoutine
		return p.pickRoutineLocked(c), true
	}
}

func (p *Pool) pickLowestLocked(c []int) int {
	best := c[0]
	for _, idx := range c[1:] {
		if p.state[idx].QueueDepth < p.state[best].QueueDepth {
			best = idx
		}
	}
	return best
}

func (p *Pool) pickRoutineLocked(c []int) int {
	idx := c[p.routineIdx%len(c)]
	p.routineIdx++
	return idx
}

// pickAffinityLocked hashes affinityKey onto a ring built fresh from c's
// ids, per SPEC_FULL.md §4.4: the ring always reflects the currently
// online+unlocked set rather than being incrementally maintained.
func (p *Pool) pickAffinityLocked(c []int, affinityKey string) (int, bool) {
	members := make([]consistent.Member, 0, len(c))
	byID := make(map[string]int, len(c))
	for _, idx := range c {
		id := p.state[idx].ID
		members = append(members, ringMember(id))
		byID[id] = idx
	}
	ring := consistent.New(members, ringConfig)
	owner := ring.LocateKey([]byte(affinityKey))
	idx, ok := byID[owner.String()]
	return idx, ok
}
