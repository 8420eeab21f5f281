package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortAllocatorAcquireWithinRanges(t *testing.T) {
	allocator, err := NewPortAllocator(
		PortRange{From: 42000, To: 42009},
		PortRange{From: 42100, To: 42109},
	)
	require.NoError(t, err)

	ports, err := allocator.Acquire()
	require.NoError(t, err)
	defer allocator.Release(ports)

	require.GreaterOrEqual(t, ports.TCP, 42000)
	require.LessOrEqual(t, ports.TCP, 42009)
	require.GreaterOrEqual(t, ports.UDP, 42100)
	require.LessOrEqual(t, ports.UDP, 42109)
}

func TestPortAllocatorNoDoubleIssue(t *testing.T) {
	allocator, err := NewPortAllocator(
		PortRange{From: 42010, To: 42012},
		PortRange{From: 42110, To: 42112},
	)
	require.NoError(t, err)

	seen := make(map[int]bool)
	var held []Ports
	for i := 0; i < 3; i++ {
		ports, err := allocator.Acquire()
		require.NoError(t, err)
		require.False(t, seen[ports.TCP], "TCP port %d issued twice", ports.TCP)
		seen[ports.TCP] = true
		held = append(held, ports)
	}
	for _, ports := range held {
		allocator.Release(ports)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	allocator, err := NewPortAllocator(
		PortRange{From: 42020, To: 42021},
		PortRange{From: 42120, To: 42121},
	)
	require.NoError(t, err)

	first, err := allocator.Acquire()
	require.NoError(t, err)
	second, err := allocator.Acquire()
	require.NoError(t, err)

	_, err = allocator.Acquire()
	require.True(t, errors.Is(err, ErrPortExhausted))

	allocator.Release(first)
	allocator.Release(second)
}

func TestPortAllocatorReleaseReturnsToPool(t *testing.T) {
	allocator, err := NewPortAllocator(
		PortRange{From: 42030, To: 42030},
		PortRange{From: 42130, To: 42130},
	)
	require.NoError(t, err)

	ports, err := allocator.Acquire()
	require.NoError(t, err)

	_, err = allocator.Acquire()
	require.True(t, errors.Is(err, ErrPortExhausted))

	allocator.Release(ports)

	again, err := allocator.Acquire()
	require.NoError(t, err)
	require.Equal(t, ports, again)
	allocator.Release(again)
}

func TestPortAllocatorRejectsInvalidRange(t *testing.T) {
	_, err := NewPortAllocator(
		PortRange{From: 6099, To: 6000},
		PortRange{From: 7000, To: 7099},
	)
	require.Error(t, err)

	_, err = NewPortAllocator(
		PortRange{From: 6000, To: 6099},
		PortRange{From: 0, To: 7099},
	)
	require.Error(t, err)
}
