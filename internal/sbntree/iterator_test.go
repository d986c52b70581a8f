package sbntree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func identitySpace(selfRank, fanout, subnetSize uint64) AddressSpace {
	return AddressSpace{
		Fanout:     fanout,
		SubnetSize: subnetSize,
		SelfRank:   selfRank,
		ToAddr: func(rank uint64) (string, bool) {
			if rank >= subnetSize {
				return "", false
			}
			return fmt.Sprintf("10.0.0.%d", rank), true
		},
	}
}

func TestIteratorEmitsParentFirst(t *testing.T) {
	space := identitySpace(5, 2, 16)
	it := NewIterator(space)
	parentRank := ToRank(FromRank(5, 2, 0, 1).Parent(2), 2, 0, 1)
	want := fmt.Sprintf("10.0.0.%d", parentRank)
	got, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestIteratorNeverEmitsSelf(t *testing.T) {
	space := identitySpace(5, 2, 16)
	it := NewIterator(space)
	self := fmt.Sprintf("10.0.0.%d", 5)
	for {
		addr, ok := it.Next()
		if !ok {
			break
		}
		require.NotEqual(t, self, addr)
	}
	require.True(t, it.Done())
}

func TestIteratorResetRestartsSequence(t *testing.T) {
	space := identitySpace(3, 2, 8)
	it := NewIterator(space)
	var first []string
	for {
		a, ok := it.Next()
		if !ok {
			break
		}
		first = append(first, a)
	}
	it.Reset()
	var second []string
	for {
		a, ok := it.Next()
		if !ok {
			break
		}
		second = append(second, a)
	}
	require.Equal(t, first, second)
}

func TestIteratorSkipsOutOfSubnetRanks(t *testing.T) {
	space := identitySpace(1, 4, 2) // tiny subnet, most positions fall outside it
	it := NewIterator(space)
	for {
		addr, ok := it.Next()
		if !ok {
			break
		}
		require.Contains(t, []string{"10.0.0.0", "10.0.0.1"}, addr)
	}
}
