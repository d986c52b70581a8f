package sbndiscover

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourcesAddSub(t *testing.T) {
	a := Resources{3, 4}
	b := Resources{1, 2}
	require.Equal(t, Resources{4, 6}, a.Add(b))
	require.Equal(t, Resources{2, 2}, a.Sub(b))
	require.Equal(t, 3.0, a.NodeCount())
	require.Equal(t, 4.0, a.Threads())
}

func TestHierarchyTotalResourcesConservesWeight(t *testing.T) {
	self, _ := fakeTCPAddr("10.0.0.1")
	h := newHierarchy(self, 33333)
	h.SetResources(Resources{0, 4})

	a, _ := fakeTCPAddr("10.0.0.2")
	b, _ := fakeTCPAddr("10.0.0.3")
	require.True(t, h.AddSubordinate(a))
	require.True(t, h.SetSubordinate(a, Resources{2, 8}))
	require.True(t, h.AddSubordinate(b))
	require.True(t, h.SetSubordinate(b, Resources{1, 4}))

	// total = own (1 node, since +1 baked into TotalResources) + subordinates
	total := h.TotalResources()
	require.Equal(t, 1.0+2.0+1.0, total.NodeCount())
}

func TestHierarchySuperiorTransitions(t *testing.T) {
	self, _ := fakeTCPAddr("10.0.0.1")
	h := newHierarchy(self, 33333)
	require.False(t, h.HasSuperior())

	sup, _ := fakeTCPAddr("10.0.0.254")
	require.True(t, h.AddSuperior(sup, Resources{5, 20}))
	require.False(t, h.AddSuperior(sup, Resources{5, 20})) // no change, same address
	require.True(t, h.HasSuperior())
	require.True(t, h.HasSuperiorAddr(sup))

	require.True(t, h.RemoveSuperior())
	require.False(t, h.HasSuperior())
	require.False(t, h.RemoveSuperior())
}
