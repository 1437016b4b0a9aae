package auto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taoyuan/nacme/acme"
)

var fastRetry = RetryOptions{
	Attempts: 4,
	Min:      time.Millisecond,
	Max:      4 * time.Millisecond,
}

func TestRetryFirstAttemptSucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(abort func()) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetryTransientThenSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(abort func()) error {
		attempts++
		if attempts < 3 {
			return errors.New("still pending")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryAbortStopsImmediately(t *testing.T) {
	terminal := errors.New("terminal state")
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(abort func()) error {
		attempts++
		abort()
		return terminal
	})
	require.ErrorIs(t, err, terminal)
	require.Equal(t, 1, attempts)
}

func TestRetryExhaustionReturnsTimeout(t *testing.T) {
	transient := errors.New("not yet")
	attempts := 0
	err := Retry(context.Background(), fastRetry, func(abort func()) error {
		attempts++
		return transient
	})

	var timeoutErr acme.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, fastRetry.Attempts, timeoutErr.Attempts)
	require.ErrorIs(t, err, transient)
	require.Equal(t, fastRetry.Attempts, attempts)
}

func TestRetryCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	slow := RetryOptions{Attempts: 5, Min: time.Hour, Max: time.Hour}
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, slow, func(abort func()) error {
			return errors.New("still pending")
		})
	}()

	cancel()
	select {
	case err := <-done:
		var cancelledErr acme.CancelledError
		require.ErrorAs(t, err, &cancelledErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Retry did not observe cancellation")
	}
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		j := jitter(d)
		require.GreaterOrEqual(t, j, d/2)
		require.LessOrEqual(t, j, d)
	}
	require.Equal(t, time.Duration(0), jitter(0))
}
