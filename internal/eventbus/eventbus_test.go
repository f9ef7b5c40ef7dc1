package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnReceivesOnlyMatchingKind(t *testing.T) {
	h := New()
	var got []string
	h.On("progress", func(e Event) { got = append(got, e.Kind) })
	h.Emit("progress", 1)
	h.Emit("start", 2)
	require.Equal(t, []string{"progress"}, got)
}

func TestOnAllSeesEveryKind(t *testing.T) {
	h := New()
	var got []string
	h.OnAll(func(e Event) { got = append(got, e.Kind) })
	h.Emit("progress", 1)
	h.Emit("start", 2)
	require.Equal(t, []string{"progress", "start"}, got)
}

func TestOffStopsDelivery(t *testing.T) {
	h := New()
	var count int
	sub := h.On("x", func(e Event) { count++ })
	h.Emit("x", nil)
	h.Off(sub)
	h.Emit("x", nil)
	require.Equal(t, 1, count)
}

func TestOffIsIdempotent(t *testing.T) {
	h := New()
	sub := h.On("x", func(e Event) {})
	h.Off(sub)
	require.NotPanics(t, func() { h.Off(sub) })
}

func TestCloseRemovesAllHandlers(t *testing.T) {
	h := New()
	var count int
	h.On("x", func(e Event) { count++ })
	h.OnAll(func(e Event) { count++ })
	h.Close()
	h.Emit("x", nil)
	require.Equal(t, 0, count)
}
