package sbnd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAddressSpaceComputesSelfRankAndFanout(t *testing.T) {
	ip := net.ParseIP("10.0.0.5")
	_, ipNet, err := net.ParseCIDR("10.0.0.0/28")
	require.NoError(t, err)

	space, selfRank, err := buildAddressSpace(ip, ipNet, 4)
	require.NoError(t, err)
	require.EqualValues(t, 5, selfRank)
	require.EqualValues(t, 5, space.SelfRank)
	require.EqualValues(t, 4, space.Fanout)
	require.EqualValues(t, 16, space.SubnetSize)
}

func TestBuildAddressSpaceToAddrInvertsRank(t *testing.T) {
	ip := net.ParseIP("192.168.1.10")
	_, ipNet, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)

	space, selfRank, err := buildAddressSpace(ip, ipNet, 2)
	require.NoError(t, err)

	addr, ok := space.ToAddr(selfRank)
	require.True(t, ok)
	require.Equal(t, "192.168.1.10", addr)

	_, ok = space.ToAddr(space.SubnetSize)
	require.False(t, ok)
}

func TestBuildAddressSpaceRejectsIPv6(t *testing.T) {
	ip := net.ParseIP("fe80::1")
	_, ipNet, err := net.ParseCIDR("fe80::/64")
	require.NoError(t, err)

	_, _, err = buildAddressSpace(ip, ipNet, 2)
	require.Error(t, err)
}

func TestAppIDForNameIsDeterministic(t *testing.T) {
	a := appIDForName("collector")
	b := appIDForName("collector")
	require.Equal(t, a, b)
	require.NotEqual(t, a, appIDForName("other"))
}
