package fence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ALEYI17/gpusched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalIsOneWay(t *testing.T) {
	f := NewContext(types.QueueBin).New(1)
	assert.False(t, f.Signaled())

	assert.True(t, f.Signal())
	assert.False(t, f.Signal())
	assert.False(t, f.SignalError(errors.New("late")))

	assert.True(t, f.Signaled())
	assert.NoError(t, f.Err())
}

func TestSignalErrorKeepsFirstStatus(t *testing.T) {
	f := NewContext(types.QueueRender).New(3)
	require.True(t, f.SignalError(types.ErrHardwareTimeout))
	f.Signal()
	assert.ErrorIs(t, f.Err(), types.ErrHardwareTimeout)
}

func TestOnSignal(t *testing.T) {
	f := NewContext(types.QueueTFU).New(1)

	var calls int
	f.OnSignal(func() { calls++ })
	assert.Equal(t, 0, calls)

	f.Signal()
	assert.Equal(t, 1, calls)

	f.OnSignal(func() { calls++ })
	assert.Equal(t, 2, calls)

	f.Signal()
	assert.Equal(t, 2, calls)
}

func TestConcurrentSignalSingleWinner(t *testing.T) {
	f := NewContext(types.QueueCSD).New(7)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Signal() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestWait(t *testing.T) {
	f := NewContext(types.QueueBin).New(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := f.Wait(ctx)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.False(t, f.Signaled())

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal()
	}()
	assert.NoError(t, f.Wait(context.Background()))
}

func TestBefore(t *testing.T) {
	c := NewContext(types.QueueBin)
	a, b := c.New(1), c.New(2)
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))

	other := NewContext(types.QueueBin).New(5)
	assert.False(t, a.Before(other))
	assert.False(t, other.Before(a))
	assert.NotEqual(t, c.ID(), NewContext(types.QueueBin).ID())
}
