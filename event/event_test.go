package event

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_SetClear(t *testing.T) {
	e := New()
	assert.False(t, e.IsSet())

	e.Set()
	assert.True(t, e.IsSet())
	e.Set()
	assert.True(t, e.IsSet())

	e.Clear()
	assert.False(t, e.IsSet())
}

func TestEvent_WaitReturnsWhenSet(t *testing.T) {
	e := New()
	done := make(chan error, 1)

	go func() { done <- e.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before Set")
	case <-time.After(20 * time.Millisecond):
	}

	e.Set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestEvent_WaitAlreadySet(t *testing.T) {
	e := New()
	e.Set()
	assert.NoError(t, e.Wait(context.Background()))
}

func TestEvent_WaitContext(t *testing.T) {
	e := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)
}

func TestEvent_WaitAfterClearBlocks(t *testing.T) {
	e := New()
	e.Set()
	e.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, e.Wait(ctx))
}

func TestEvent_SubscribeTransitionsOnly(t *testing.T) {
	e := New()
	var calls atomic.Int32
	sub := e.Subscribe(func() { calls.Add(1) })

	e.Set()
	e.Set()
	e.Clear()
	e.Clear()
	assert.Equal(t, int32(2), calls.Load())

	e.Unsubscribe(sub)
	e.Set()
	assert.Equal(t, int32(2), calls.Load())

	e.Unsubscribe(sub)
}

func TestEvent_ListenerRunsOutsideLock(t *testing.T) {
	e := New()
	var seen atomic.Bool
	e.Subscribe(func() { seen.Store(e.IsSet()) })

	e.Set()
	assert.True(t, seen.Load())
}
