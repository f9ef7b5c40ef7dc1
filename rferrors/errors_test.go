package rferrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstructedErrorIsMatchesSentinelOfSameKind(t *testing.T) {
	err := NewTransport(fmt.Errorf("dial refused"))
	require.ErrorIs(t, err, &Error{Kind: KindTransport})
}

func TestSentinelsAreDistinctKinds(t *testing.T) {
	require.False(t, errors.Is(ErrQueueFull, ErrNoClient))
	require.True(t, errors.Is(ErrQueueFull, ErrQueueFull))
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewExecution(cause)
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestHTTPErrorCarriesStatusAndBody(t *testing.T) {
	err := NewHTTP(404, "not found")
	require.Contains(t, err.Error(), "404")
	require.Contains(t, err.Error(), "not found")
}
