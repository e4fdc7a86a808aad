package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]()

	fast := b.Subscribe(10)
	slow := b.Subscribe(1)
	require.Equal(t, 2, b.Len())

	require.Zero(t, b.Publish(1))
	require.Equal(t, 1, b.Publish(2))
	require.Equal(t, 1, b.Len())

	require.Equal(t, 1, <-fast)
	require.Equal(t, 2, <-fast)

	require.Equal(t, 1, <-slow)
	_, ok := <-slow
	require.False(t, ok)

	b.Unsubscribe(fast)
	_, ok = <-fast
	require.False(t, ok)
	require.Zero(t, b.Len())

	b.Close()
	closed := b.Subscribe(1)
	_, ok = <-closed
	require.False(t, ok)
	require.Zero(t, b.Publish(3))
}
