package sbnd

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/igankevich/sbnd/internal/sbnproc"
	bolt "go.etcd.io/bbolt"
)

var jobsBucket = []byte("applications")

// JobTable persists the registered-application set across daemon
// restarts (spec §6 "job-status"), backed by bbolt the way the
// teacher's go.mod already carries it for exactly this
// transactional-key-value shape.
type JobTable struct {
	db *bolt.DB
}

// OpenJobTable opens (creating if absent) the bbolt database at path.
func OpenJobTable(path string) (*JobTable, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &JobTable{db: db}, nil
}

func (jt *JobTable) Close() error { return jt.db.Close() }

// Put persists or overwrites cfg under its ID.
func (jt *JobTable) Put(cfg sbnproc.ApplicationConfig) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return jt.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Put(jobKey(cfg.ID), buf.Bytes())
	})
}

// Delete removes the application with the given ID.
func (jt *JobTable) Delete(id uint64) error {
	return jt.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete(jobKey(id))
	})
}

// List returns every persisted application, used to answer a
// `job-status` control query.
func (jt *JobTable) List() ([]sbnproc.ApplicationConfig, error) {
	var out []sbnproc.ApplicationConfig
	err := jt.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		return b.ForEach(func(k, v []byte) error {
			var cfg sbnproc.ApplicationConfig
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&cfg); err != nil {
				return fmt.Errorf("sbnd: corrupt job table entry %x: %w", k, err)
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

func jobKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}
