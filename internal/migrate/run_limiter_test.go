package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSingleFlight(t *testing.T) {
	l := NewRunLimiter(4, time.Second)
	id := uuid.New()

	require.NoError(t, l.Acquire(context.Background(), id))
	assert.True(t, l.Running(id))

	err := l.Acquire(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	l.Release(id)
	assert.False(t, l.Running(id))

	require.NoError(t, l.Acquire(context.Background(), id))
	l.Release(id)
}

func TestLimiterDistinctProcesses(t *testing.T) {
	l := NewRunLimiter(2, time.Second)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, l.Acquire(context.Background(), a))
	require.NoError(t, l.Acquire(context.Background(), b))
	assert.Equal(t, 2, l.ActiveCount())

	l.Release(a)
	l.Release(b)
	assert.Equal(t, 0, l.ActiveCount())
}

func TestLimiterSlotExhaustion(t *testing.T) {
	l := NewRunLimiter(1, 50*time.Millisecond)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, l.Acquire(context.Background(), a))

	err := l.Acquire(context.Background(), b)
	assert.ErrorIs(t, err, ErrTooManyRuns)
	assert.False(t, l.Running(b), "failed acquire must not leave a claim behind")

	l.Release(a)
	require.NoError(t, l.Acquire(context.Background(), b))
	l.Release(b)
}

func TestLimiterContextCancellation(t *testing.T) {
	l := NewRunLimiter(1, time.Minute)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, l.Acquire(context.Background(), a))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, b) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}

	l.Release(a)
}

func TestLimiterWaitForDrain(t *testing.T) {
	l := NewRunLimiter(2, time.Second)
	id := uuid.New()
	require.NoError(t, l.Acquire(context.Background(), id))

	go func() {
		time.Sleep(150 * time.Millisecond)
		l.Release(id)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.WaitForDrain(ctx))
}
