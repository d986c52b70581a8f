package sbndiscover

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// cacheRecord is the on-disk shape of a hierarchy (discoverer.cc's
// write_cache/read_cache, serialised with gob instead of the original's
// custom kernel_buffer framing since this is a private cache file, not
// wire traffic governed by spec §6).
type cacheRecord struct {
	Self         string
	Resources    Resources
	HasSuperior  bool
	SuperiorAddr string
	SuperiorRes  Resources
}

func cacheFilename(self net.Addr, port int) string {
	return fmt.Sprintf("%s-%d", self.String(), port)
}

// writeCache atomically persists h to dir (spec §4.2 "After every
// successful broadcast, serialise the hierarchy record ... "). The file
// is written to a temporary file and renamed into place via renameio,
// so a reader never sees a partly written cache.
func writeCache(dir string, h *hierarchy) error {
	if dir == "" {
		return nil
	}
	rec := cacheRecord{Self: h.self.String(), Resources: h.resources}
	if h.superior != nil {
		rec.HasSuperior = true
		rec.SuperiorAddr = h.superior.addr.String()
		rec.SuperiorRes = h.superior.resources
	}
	path := filepath.Join(dir, cacheFilename(h.self, h.port))
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	enc := gob.NewEncoder(t)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// readCache loads a previously written record, if any. A missing file
// is not an error (spec §4.2 "On startup, read the cache if present").
func readCache(dir string, h *hierarchy) (*cacheRecord, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, cacheFilename(h.self, h.port))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var rec cacheRecord
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
