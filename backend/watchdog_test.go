package backend

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	frames chan Frame
	done   chan struct{}
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan Frame), done: make(chan struct{})}
}

func (f *fakeStream) Frames() <-chan Frame   { return f.frames }
func (f *fakeStream) Done() <-chan struct{}  { return f.done }
func (f *fakeStream) Err() error             { return f.err }
func (f *fakeStream) Close(force bool) {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func TestWatchdogFallsBackToPollingWhenReconnectAlwaysFails(t *testing.T) {
	dialAttempts := 0
	c := New(Config{
		Host:                 "http://example.invalid",
		WSTimeout:            40 * time.Millisecond,
		ReconnectBaseDelay:   1 * time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		StreamDialer: func(ctx context.Context, wsURL string, headers http.Header) (StreamChannel, error) {
			dialAttempts++
			if dialAttempts == 1 {
				return newFakeStream(), nil
			}
			return nil, assertErr
		},
	})

	require.NoError(t, c.openStream(context.Background()))
	c.startWatchdog()

	c.mu.RLock()
	stream := c.stream.(*fakeStream)
	c.mu.RUnlock()
	close(stream.done)

	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.pollActive
	}, 3*time.Second, 10*time.Millisecond)

	c.Destroy()
}

var assertErr = errDial{}

type errDial struct{}

func (errDial) Error() string { return "dial failed" }
