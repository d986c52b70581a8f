package sbnkernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePayload struct{ n int }

func (p *fakePayload) TypeID() TypeID                           { return 5 }
func (p *fakePayload) Act(k *Kernel) error                       { return nil }
func (p *fakePayload) React(k *Kernel, child *Kernel) error      { return nil }

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register(5, func() Payload { return &fakePayload{n: 1} })

	p, ok := r.New(5)
	require.True(t, ok)
	require.Equal(t, TypeID(5), p.TypeID())

	_, ok = r.New(6)
	require.False(t, ok)
}

func TestRegistryDoubleRegisterPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(1, func() Payload { return &fakePayload{} })
	require.Panics(t, func() {
		r.Register(1, func() Payload { return &fakePayload{} })
	})
}

func TestInstancesAddFindRemove(t *testing.T) {
	in := NewInstances()
	k := New(nil)
	id := in.Add(k)
	require.True(t, k.HasID())

	got, ok := in.Find(id)
	require.True(t, ok)
	require.Same(t, k, got)

	in.Remove(id)
	_, ok = in.Find(id)
	require.False(t, ok)
}

func TestKernelMarkDeletedIsIdempotent(t *testing.T) {
	parent := New(nil)
	child := New(nil)
	child.SetParent(parent)
	require.True(t, child.CarriesParent())

	child.MarkDeleted()
	require.False(t, child.CarriesParent())
	require.Nil(t, child.Parent())

	// calling twice must not panic
	child.MarkDeleted()
	require.Nil(t, child.Parent())
}
