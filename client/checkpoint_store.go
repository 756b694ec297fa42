package client

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key prefix for checkpoint storage: /ckpt/{clientID}
const prefixCheckpoint = "/ckpt/"

// CheckpointStore persists the last delivered checkpoint per client id
type CheckpointStore interface {
	Load(clientID string) (checkpoint string, ok bool, err error)
	Save(clientID, checkpoint string, sync bool) error
	Close() error
}

// PebbleCheckpointStore keeps checkpoints in a local pebble database
type PebbleCheckpointStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenCheckpointStore creates or opens a checkpoint store under dataDir
func OpenCheckpointStore(dataDir string) (*PebbleCheckpointStore, error) {
	path := filepath.Join(dataDir, "checkpoints")

	opts := &pebble.Options{
		MemTableSize: 4 << 20,
		DisableWAL:   false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	log.Debug().Str("path", path).Msg("Opened checkpoint store")
	return &PebbleCheckpointStore{db: db, path: path}, nil
}

func checkpointKey(clientID string) []byte {
	return []byte(prefixCheckpoint + clientID)
}

// Load returns the stored checkpoint for clientID
func (s *PebbleCheckpointStore) Load(clientID string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, fmt.Errorf("checkpoint store is closed")
	}

	val, closer, err := s.db.Get(checkpointKey(clientID))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read checkpoint for %s: %w", clientID, err)
	}
	defer closer.Close()

	return string(val), true, nil
}

// Save records checkpoint for clientID. With sync unset the write may be lost on a crash
// but not on a clean Close.
func (s *PebbleCheckpointStore) Save(clientID, checkpoint string, sync bool) error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store is closed")
	}

	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	if err := s.db.Set(checkpointKey(clientID), []byte(checkpoint), opts); err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", clientID, err)
	}
	return nil
}

// Delete drops the stored checkpoint for clientID
func (s *PebbleCheckpointStore) Delete(clientID string) error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store is closed")
	}
	return s.db.Delete(checkpointKey(clientID), pebble.Sync)
}

// Close flushes and closes the store
func (s *PebbleCheckpointStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to flush checkpoint store")
	}
	return s.db.Close()
}
