package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/internal/eventbus"
	"github.com/stretchr/testify/require"
)

// fakeStream is a hand-rollable backend.StreamChannel that never produces
// frames unless the test pushes one, mirroring backend's own watchdog test
// fake.
type fakeStream struct {
	frames chan backend.Frame
	done   chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan backend.Frame, 8), done: make(chan struct{})}
}

func (f *fakeStream) Frames() <-chan backend.Frame { return f.frames }
func (f *fakeStream) Done() <-chan struct{}        { return f.done }
func (f *fakeStream) Err() error                   { return nil }
func (f *fakeStream) Close(force bool) {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// newOnlineClient returns an un-initialized Client backed by a minimal
// httptest server that answers every control-plane call Init needs, wired
// to a fake streaming channel the test can push frames into directly.
// AddClient drives Init (and thus the "connected" emission the pool's
// subscription must observe), so callers must not call Init themselves.
func newOnlineClient(t *testing.T) (*backend.Client, *fakeStream) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/prompt":
			w.Write([]byte(`{}`))
		case "/system_stats":
			w.Write([]byte(`{"system":{"os":"posix"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	stream := newFakeStream()
	c := backend.New(backend.Config{
		Host: srv.URL,
		StreamDialer: func(ctx context.Context, wsURL string, headers http.Header) (backend.StreamChannel, error) {
			return stream, nil
		},
	})
	return c, stream
}

func waitOnline(t *testing.T, p *Pool, idx int) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap := p.Snapshot()
		return idx < len(snap) && snap[idx].Online
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAddClientBecomesOnlineAfterInit(t *testing.T) {
	p := New()
	defer p.Destroy()
	c, _ := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)
}

func TestRunReturnsTypedResultAndLeavesClientLocked(t *testing.T) {
	p := New()
	defer p.Destroy()
	c, stream := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)

	val, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (string, error) {
		return "ok", nil
	}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", val)

	snap := p.Snapshot()
	require.True(t, snap[idx].Locked, "lock must persist until an unlocking event, not job completion")

	stream.frames <- backend.Frame{Type: "execution_success", Data: map[string]any{}}
	require.Eventually(t, func() bool {
		return !p.Snapshot()[idx].Locked
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunBlocksUntilAClientIsAvailable(t *testing.T) {
	p := New(WithMode(PickLowest))
	defer p.Destroy()
	c, stream := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)

	// Lock the only client with a long-running job, then start a second
	// Run concurrently; it must block until the first completes and an
	// unlocking event arrives.
	firstDone := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (int, error) {
			<-firstDone
			return 1, nil
		}, RunOptions{})
	}()

	require.Eventually(t, func() bool { return p.Snapshot()[idx].Locked }, time.Second, 5*time.Millisecond)

	secondStarted := make(chan struct{})
	secondDone := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (int, error) {
			close(secondStarted)
			return 2, nil
		}, RunOptions{})
		close(secondDone)
	}()

	select {
	case <-secondStarted:
		t.Fatal("second job ran while client was locked")
	case <-time.After(100 * time.Millisecond):
	}

	close(firstDone)
	stream.frames <- backend.Frame{Type: "execution_success", Data: map[string]any{}}

	select {
	case <-secondStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("second job never ran after client unlocked")
	}
	<-secondDone
}

func TestRunFailsOverToAnotherClientOnError(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	c1, _ := newOnlineClient(t)
	c2, _ := newOnlineClient(t)
	idx1 := p.AddClient(c1)
	idx2 := p.AddClient(c2)
	waitOnline(t, p, idx1)
	waitOnline(t, p, idx2)

	var triedIdx []int
	val, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (string, error) {
		triedIdx = append(triedIdx, idx)
		if len(triedIdx) == 1 {
			return "", errors.New("boom")
		}
		return "recovered", nil
	}, RunOptions{RetryDelay: time.Millisecond})

	require.NoError(t, err)
	require.Equal(t, "recovered", val)
	require.Len(t, triedIdx, 2)
	require.NotEqual(t, triedIdx[0], triedIdx[1])
}

func TestRunFailsTerminallyWhenFailoverDisabled(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	c, _ := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)

	_, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (string, error) {
		return "", errors.New("boom")
	}, RunOptions{EnableFailoverSet: true, EnableFailover: false})
	require.Error(t, err)
	require.EqualError(t, err, "boom")
}

func TestAddClientEmitsReadyOnFirstStatusFrame(t *testing.T) {
	p := New()
	defer p.Destroy()
	c, stream := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)

	var readyIdx []int
	p.Events().On("ready", func(e eventbus.Event) {
		readyIdx = append(readyIdx, e.Data.(int))
	})

	stream.frames <- backend.Frame{Type: "status", Data: map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}}
	require.Eventually(t, func() bool { return len(readyIdx) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, idx, readyIdx[0])

	// A second status frame must not emit ready again.
	stream.frames <- backend.Frame{Type: "status", Data: map[string]any{"exec_info": map[string]any{"queue_remaining": 0}}}
	time.Sleep(50 * time.Millisecond)
	require.Len(t, readyIdx, 1)
}

func TestFailoverStopsAtMaxRetriesBelowOnlineCount(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	c1, _ := newOnlineClient(t)
	c2, _ := newOnlineClient(t)
	c3, _ := newOnlineClient(t)
	idx1 := p.AddClient(c1)
	idx2 := p.AddClient(c2)
	idx3 := p.AddClient(c3)
	waitOnline(t, p, idx1)
	waitOnline(t, p, idx2)
	waitOnline(t, p, idx3)

	var attempts int
	_, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (string, error) {
		attempts++
		return "", errors.New("boom")
	}, RunOptions{RetryDelay: time.Millisecond, MaxRetriesSet: true, MaxRetries: 2})

	require.Error(t, err)
	require.Equal(t, 2, attempts, "a job with maxRetries=2 must run at most 2 times even with 3 online clients")
}

func TestChangeModeAffectsSubsequentSelection(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	require.Equal(t, PickRoutine, p.Mode())
	p.ChangeMode(PickLowest)
	require.Equal(t, PickLowest, p.Mode())
}

func TestRemoveClientTombstonesSlotAndKeepsIndicesStable(t *testing.T) {
	p := New()
	defer p.Destroy()
	c1, _ := newOnlineClient(t)
	c2, _ := newOnlineClient(t)
	idx1 := p.AddClient(c1)
	idx2 := p.AddClient(c2)
	waitOnline(t, p, idx1)
	waitOnline(t, p, idx2)

	p.RemoveClientByIndex(idx1)

	snap := p.Snapshot()
	require.Equal(t, "", snap[idx1].ID)
	require.Equal(t, c2.ID(), snap[idx2].ID)
}

func TestFailoverDropsFailedIDFromIncludeFilter(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	c1, _ := newOnlineClient(t)
	c2, _ := newOnlineClient(t)
	idx1 := p.AddClient(c1)
	idx2 := p.AddClient(c2)
	waitOnline(t, p, idx1)
	waitOnline(t, p, idx2)

	var triedIdx []int
	val, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (string, error) {
		triedIdx = append(triedIdx, idx)
		if len(triedIdx) == 1 {
			return "", errors.New("boom")
		}
		return "recovered", nil
	}, RunOptions{
		RetryDelay: time.Millisecond,
		Filter:     Filter{IncludeIDs: []string{c1.ID(), c2.ID()}},
	})

	require.NoError(t, err)
	require.Equal(t, "recovered", val)
	require.Len(t, triedIdx, 2)
	require.NotEqual(t, triedIdx[0], triedIdx[1], "a failed client must not be reselected even when it's in IncludeIDs")
}

func TestFilterExcludesIDFromSelection(t *testing.T) {
	p := New(WithMode(PickRoutine))
	defer p.Destroy()
	c1, _ := newOnlineClient(t)
	c2, _ := newOnlineClient(t)
	p.AddClient(c1)
	idx2 := p.AddClient(c2)
	waitOnline(t, p, 0)
	waitOnline(t, p, idx2)

	var gotIdx int
	_, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (int, error) {
		gotIdx = idx
		return idx, nil
	}, RunOptions{Filter: Filter{ExcludeIDs: []string{c1.ID()}}})
	require.NoError(t, err)
	require.Equal(t, idx2, gotIdx)
}

func TestDestroyCancelsPendingJobsAndClients(t *testing.T) {
	p := New()
	c, _ := newOnlineClient(t)
	idx := p.AddClient(c)
	waitOnline(t, p, idx)

	// First job completes immediately but leaves the client locked, since
	// the lock only clears on an unlocking event, never on job completion.
	_, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (int, error) {
		return 0, nil
	}, RunOptions{})
	require.NoError(t, err)
	require.True(t, p.Snapshot()[idx].Locked)

	// Second job queues behind the still-locked client.
	errCh := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), p, func(ctx context.Context, c *backend.Client, idx int) (int, error) {
			return 0, nil
		}, RunOptions{})
		errCh <- err
	}()

	p.Destroy()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending job never resolved after Destroy")
	}
	require.True(t, c.Destroyed())
}
