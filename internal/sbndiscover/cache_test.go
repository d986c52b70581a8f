package sbndiscover

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	self, _ := fakeTCPAddr("10.0.0.1")
	h := newHierarchy(self, 33333)
	h.SetResources(Resources{0, 4})
	sup, _ := fakeTCPAddr("10.0.0.254")
	h.AddSuperior(sup, Resources{9, 36})

	require.NoError(t, writeCache(dir, h))

	rec, err := readCache(dir, h)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.HasSuperior)
	require.Equal(t, sup.String(), rec.SuperiorAddr)
	require.Equal(t, Resources{9, 36}, rec.SuperiorRes)
}

func TestReadCacheMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	self, _ := fakeTCPAddr("10.0.0.9")
	h := newHierarchy(self, 33333)
	rec, err := readCache(dir, h)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestWriteCacheEmptyDirIsNoop(t *testing.T) {
	self, _ := fakeTCPAddr("10.0.0.1")
	h := newHierarchy(self, 33333)
	require.NoError(t, writeCache("", h))
}

func TestCacheFilenameShape(t *testing.T) {
	self, _ := fakeTCPAddr("10.0.0.1")
	name := cacheFilename(self, 33333)
	require.Contains(t, name, "10.0.0.1")
	require.Contains(t, name, "33333")
	_, err := os.Stat(name) // sanity: the bare name does not resolve to an existing file
	require.Error(t, err)
}
