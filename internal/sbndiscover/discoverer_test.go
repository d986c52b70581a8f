package sbndiscover

import (
	"testing"

	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbntree"
	"github.com/stretchr/testify/require"
)

func newTestDiscoverer(t *testing.T, self string) *Discoverer {
	t.Helper()
	selfAddr, err := fakeTCPAddr(self)
	require.NoError(t, err)
	return New(Config{
		Self:         selfAddr,
		Port:         33333,
		Fanout:       2,
		MaxAttempts:  3,
		AddressSpace: sbntree.AddressSpace{Fanout: 2, SubnetSize: 16},
		Log:          sbnlog.NewDiscardLogger(),
	})
}

func TestProcessProbeRejectsFromCurrentSuperior(t *testing.T) {
	d := newTestDiscoverer(t, "10.0.0.1")
	sup, _ := fakeTCPAddr("10.0.0.2")
	d.hier.AddSuperior(sup, Resources{1, 4})

	result, _ := d.processProbe(sup, &Probe{OldSuperior: nil, NewSuperior: sup})
	require.Equal(t, "reject", result)
}

func TestProcessProbeAddsSubordinate(t *testing.T) {
	d := newTestDiscoverer(t, "10.0.0.1")
	self := d.hier.SocketAddress()
	candidate, _ := fakeTCPAddr("10.0.0.5")

	result, _ := d.processProbe(candidate, &Probe{OldSuperior: nil, NewSuperior: self})
	require.Equal(t, "add", result)
	require.True(t, d.hier.HasSubordinate(candidate))
}

func TestProcessProbeRemovesSubordinate(t *testing.T) {
	d := newTestDiscoverer(t, "10.0.0.1")
	self := d.hier.SocketAddress()
	candidate, _ := fakeTCPAddr("10.0.0.5")
	d.hier.AddSubordinate(candidate)

	result, _ := d.processProbe(candidate, &Probe{OldSuperior: self, NewSuperior: nil})
	require.Equal(t, "remove", result)
	require.False(t, d.hier.HasSubordinate(candidate))
}

func TestProcessProbeRetainsOnNoChange(t *testing.T) {
	d := newTestDiscoverer(t, "10.0.0.1")
	candidate, _ := fakeTCPAddr("10.0.0.5")

	result, _ := d.processProbe(candidate, &Probe{OldSuperior: candidate, NewSuperior: candidate})
	require.Equal(t, "retain", result)
}

func TestSnapshotReflectsHierarchy(t *testing.T) {
	d := newTestDiscoverer(t, "10.0.0.1")
	sub, _ := fakeTCPAddr("10.0.0.9")
	d.hier.AddSubordinate(sub)
	d.hier.SetSubordinate(sub, Resources{2, 8})

	snap := d.Snapshot()
	require.False(t, snap.HasSuperior)
	require.Len(t, snap.Subordinates, 1)
	require.Equal(t, sub.String(), snap.Subordinates[0].Addr)
}
