package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketIDStore_AcquireRelease(t *testing.T) {
	s := NewPacketIDStore()
	ctx := context.Background()

	id1, err := s.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(1), id1)
	require.True(t, s.InUse(id1))

	id2, err := s.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(2), id2)
	require.Equal(t, 2, s.Len())

	s.Release(id1)
	require.False(t, s.InUse(id1))
	require.Equal(t, 1, s.Len())

	// 0 is never handed out.
	require.False(t, s.InUse(0))
}

func TestPacketIDStore_ReleaseZeroAndUnknownAreNoops(t *testing.T) {
	s := NewPacketIDStore()
	s.Release(0)
	s.Release(999)
	require.Equal(t, 0, s.Len())
}

func TestPacketIDStore_AcquireBlocksUntilRelease(t *testing.T) {
	s := &PacketIDStore{inUse: make(map[uint16]struct{}), notify: make(chan struct{})}
	// Exhaust the pool.
	for i := uint16(1); i <= maxPacketID; i++ {
		s.inUse[i] = struct{}{}
	}
	s.cursor = maxPacketID

	done := make(chan uint16, 1)
	go func() {
		id, err := s.Acquire(context.Background())
		require.NoError(t, err)
		done <- id
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before any id was released")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release(42)

	select {
	case id := <-done:
		require.Equal(t, uint16(42), id)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not wake up after Release")
	}
}

func TestPacketIDStore_AcquireCtxCancel(t *testing.T) {
	s := &PacketIDStore{inUse: make(map[uint16]struct{}), notify: make(chan struct{})}
	for i := uint16(1); i <= maxPacketID; i++ {
		s.inUse[i] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
