package sbnd

import (
	"path/filepath"
	"testing"

	"github.com/igankevich/sbnd/internal/sbnproc"
	"github.com/stretchr/testify/require"
)

func TestJobTablePutListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	jt, err := OpenJobTable(path)
	require.NoError(t, err)
	defer jt.Close()

	require.NoError(t, jt.Put(sbnproc.ApplicationConfig{ID: 1, Name: "collector", Exec: "/usr/bin/collectd"}))
	require.NoError(t, jt.Put(sbnproc.ApplicationConfig{ID: 2, Name: "forwarder", Exec: "/usr/bin/fwd"}))

	got, err := jt.List()
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, jt.Delete(1))
	got, err = jt.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "forwarder", got[0].Name)
}

func TestJobTablePutOverwritesExistingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	jt, err := OpenJobTable(path)
	require.NoError(t, err)
	defer jt.Close()

	require.NoError(t, jt.Put(sbnproc.ApplicationConfig{ID: 1, Name: "v1"}))
	require.NoError(t, jt.Put(sbnproc.ApplicationConfig{ID: 1, Name: "v2"}))

	got, err := jt.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "v2", got[0].Name)
}

func TestJobTablePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	jt, err := OpenJobTable(path)
	require.NoError(t, err)
	require.NoError(t, jt.Put(sbnproc.ApplicationConfig{ID: 9, Name: "persisted"}))
	require.NoError(t, jt.Close())

	reopened, err := OpenJobTable(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "persisted", got[0].Name)
}
