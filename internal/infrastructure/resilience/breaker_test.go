package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := New("test", Settings{TripAfter: 3})

	for i := 0; i < 10; i++ {
		err := b.Do(func() error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Settings{TripAfter: 3, Timeout: time.Hour})

	for i := 0; i < 3; i++ {
		err := b.Do(func() error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New("test", Settings{TripAfter: 3})

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var transitions []State
	b := New("test", Settings{
		TripAfter:   1,
		Timeout:     10 * time.Millisecond,
		MaxRequests: 1,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	b.Do(func() error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	err := b.Do(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{TripAfter: 1, Timeout: 10 * time.Millisecond})

	b.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	b.Do(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}
