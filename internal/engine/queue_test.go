package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitableQueue_PushPopFIFO(t *testing.T) {
	q := NewAwaitableQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)
	require.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, 0, q.Len())
}

func TestAwaitableQueue_TryPopEmpty(t *testing.T) {
	q := NewAwaitableQueue[string]()
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestAwaitableQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewAwaitableQueue[int]()
	done := make(chan int, 1)
	go func() {
		v, err := q.Pop(context.Background())
		require.NoError(t, err)
		done <- v
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(7)

	select {
	case v := <-done:
		require.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}

func TestAwaitableQueue_Drain(t *testing.T) {
	q := NewAwaitableQueue[int]()
	q.Push(1)
	q.Push(2)
	items := q.Drain()
	require.Equal(t, []int{1, 2}, items)
	require.Equal(t, 0, q.Len())
}
