// Package checkpoint persists the last committed height per pipeline
// stage in an embedded bbolt database. Every Set runs in its own write
// transaction, which bbolt fsyncs before returning, so a recorded
// height survives process crash.
package checkpoint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/atlasindexer/atlas/internal/apperr"
)

// Stage keys used by the ingestion pipeline.
const (
	StageBackfill = "backfill.last_height"
	StageLive     = "live.last_height"
)

var bucketName = []byte("checkpoints")

// Store is a durable stage-name -> height table.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) the checkpoint database at path, creating
// parent directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Fatalf("create checkpoint dir: %v", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperr.Fatalf("open checkpoint db %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperr.Fatalf("create checkpoint bucket: %v", err)
	}
	return &Store{db: db}, nil
}

// Get returns the recorded height for stage. ok is false when the
// stage has never been checkpointed.
func (s *Store) Get(stage string) (height uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(stage))
		if len(v) != 8 {
			return nil
		}
		height = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	return height, ok, err
}

// Set records height for stage. A failed Set is fatal to the caller:
// advancing past an uncheckpointed height risks a gap on restart.
func (s *Store) Set(stage string, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(stage), buf[:])
	})
	if err != nil {
		return apperr.Fatalf("checkpoint %s=%d: %v", stage, height, err)
	}
	return nil
}

// Close releases the database file lock.
func (s *Store) Close() error { return s.db.Close() }
