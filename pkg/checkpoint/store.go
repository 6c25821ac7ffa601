package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tkenna/streamcore/pkg/config"
)

const dirMode = 0o755

// Key prefixes inside the Badger keyspace. Checkpoints, result markers and
// persisted window state share one database so a commit can cover all three
// in a single transaction.
const (
	prefixCheckpoint = "cp:"
	prefixResult     = "res:"
	prefixWindow     = "win:"
)

// Checkpoint is the durable per-partition record: the highest offset whose
// results are fully written, and the watermark at that point.
type Checkpoint struct {
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Watermark time.Time `json:"watermark"`
}

// Store persists checkpoints, result-id markers and optional window state in
// BadgerDB. The result marker and the checkpoint update commit in the same
// transaction, which is what makes offset co-commit atomic.
type Store struct {
	db       *badger.DB
	basePath string
	pipeline string
	cfg      config.CheckpointConfig
}

func Open(pipeline string, cfg config.CheckpointConfig) (*Store, error) {
	path := filepath.Join(cfg.Path, pipeline)
	if err := os.MkdirAll(path, dirMode); err != nil {
		return nil, fmt.Errorf("create checkpoint path: %w", err)
	}

	st := &Store{basePath: path, pipeline: pipeline, cfg: cfg}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint path: %w", err)
	}
	if len(entries) == 0 {
		if restoreErr := st.restoreArchiveIfAvailable(); restoreErr != nil {
			return nil, fmt.Errorf("restore checkpoint archive: %w", restoreErr)
		}
	} else {
		log.Printf("[State] Skipping archive restore for %s: directory is not empty", pipeline)
	}

	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	st.db = db
	return st, nil
}

func checkpointKey(partition int) []byte {
	return fmt.Appendf(nil, "%s%d", prefixCheckpoint, partition)
}

func resultKey(resultID string) []byte {
	return fmt.Appendf(nil, "%s%s", prefixResult, resultID)
}

func windowKey(id string) []byte {
	return fmt.Appendf(nil, "%s%s", prefixWindow, id)
}

// Load returns the checkpoint for a partition. ok is false when the
// partition has never committed, which tells the reader to start from the
// beginning of the log.
func (s *Store) Load(partition int) (cp Checkpoint, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(checkpointKey(partition))
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &cp)
		})
	})
	return cp, ok, err
}

// CommitResult records a result id and advances the partition checkpoint in
// one transaction. Either both land or neither does; a replayed result after
// a crash finds its marker and becomes a no-op.
func (s *Store) CommitResult(partition int, offset int64, watermark time.Time, resultID string) error {
	cp := Checkpoint{Partition: partition, Offset: offset, Watermark: watermark}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if resultID != "" {
			ts := fmt.Appendf(nil, "%d", time.Now().UnixMilli())
			if setErr := txn.Set(resultKey(resultID), ts); setErr != nil {
				return setErr
			}
		}
		return txn.Set(checkpointKey(partition), data)
	})
}

// CommitOffset advances the checkpoint without a result, used when the
// watermark moves past empty stretches of the log.
func (s *Store) CommitOffset(partition int, offset int64, watermark time.Time) error {
	return s.CommitResult(partition, offset, watermark, "")
}

// Seen reports whether a result id was committed before.
func (s *Store) Seen(resultID string) (bool, error) {
	var seen bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get(resultKey(resultID))
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		seen = true
		return nil
	})
	return seen, err
}

// PutWindowState persists a window's aggregate snapshot, keyed by the
// window's identity (key plus bounds). Only used when the durability flag
// is set.
func (s *Store) PutWindowState(id string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(windowKey(id), data)
	})
}

// DeleteWindowState drops a persisted window after emission.
func (s *Store) DeleteWindowState(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(windowKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// ForEachWindowState iterates persisted windows, used at startup to rebuild
// in-memory aggregates without replaying the whole log segment.
func (s *Store) ForEachWindowState(fn func(id string, data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefixWindow)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			id := string(item.Key())[len(prefixWindow):]
			if err := item.Value(func(v []byte) error {
				return fn(id, append([]byte(nil), v...))
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats counts keys per prefix, logged at startup the same way the state
// layer reports record counts.
func (s *Store) Stats() (checkpoints, results, windows int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			switch {
			case len(key) >= len(prefixCheckpoint) && key[:len(prefixCheckpoint)] == prefixCheckpoint:
				checkpoints++
			case len(key) >= len(prefixResult) && key[:len(prefixResult)] == prefixResult:
				results++
			case len(key) >= len(prefixWindow) && key[:len(prefixWindow)] == prefixWindow:
				windows++
			}
		}
		return nil
	})
	return checkpoints, results, windows, err
}

func (s *Store) Close() error { return s.db.Close() }
