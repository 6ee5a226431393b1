package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "user-1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "user-1")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.TryLock(ctx, "user-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := l.TryLock(ctx, "user-1")
	require.NoError(t, err)
	again()
}

func TestLocalLocker_Concurrent(t *testing.T) {
	l := NewLocalLocker()
	var acquired atomic.Int32
	var wg sync.WaitGroup

	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.TryLock(context.Background(), "same"); err == nil {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}

func TestAcquire(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "token:u1")
	require.NoError(t, err)

	got := make(chan UnlockFunc, 1)
	go func() {
		u, err := Acquire(ctx, l, "token:u1", time.Millisecond)
		assert.NoError(t, err)
		got <- u
	}()

	select {
	case <-got:
		t.Fatal("acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case u := <-got:
		require.NotNil(t, u)
		u()
	case <-time.After(time.Second):
		t.Fatal("not acquired after release")
	}
}

func TestAcquire_ContextDone(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.TryLock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, l, "k", time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
