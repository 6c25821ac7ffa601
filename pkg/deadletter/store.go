package deadletter

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
)

const dirMode = 0o755

// Entry is a retained unprocessable event with enough context to inspect
// and replay it later.
type Entry struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload"`
	EventTime time.Time      `json:"event_time"`
	Partition int            `json:"partition"`
	Offset    int64          `json:"offset"`
	Reason    string         `json:"reason"`
	Class     string         `json:"class"`
	StoredAt  time.Time      `json:"stored_at"`
}

// Store retains dead-lettered events in Badger, keyed by ULID so entries
// list in arrival order. Every Add is also counted through the metrics
// registry: nothing is discarded without a metric.
type Store struct {
	db  *badger.DB
	reg *metrics.Registry

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func Open(path string, reg *metrics.Registry) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create dead-letter path: %w", err)
	}
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		reg:     reg,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Add routes one event to the dead-letter channel and returns its entry id.
func (s *Store) Add(e *event.Event, reason error) (string, error) {
	s.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	s.mu.Unlock()

	class := event.Classify(reason)
	entry := Entry{
		ID:        id,
		Key:       e.Key,
		Payload:   e.Payload,
		EventTime: e.EventTime,
		Partition: e.Partition,
		Offset:    e.Offset,
		Reason:    reason.Error(),
		Class:     class.String(),
		StoredAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), data)
	})
	if err != nil {
		return "", err
	}

	s.reg.Inc("deadletter", "events")
	s.reg.Inc("deadletter", "class_"+class.String())
	log.Printf("[DLQ] partition=%d offset=%d key=%s class=%s reason=%v",
		e.Partition, e.Offset, e.Key, class, reason)
	return id, nil
}

// List returns up to limit entries in arrival order, for inspection tools.
func (s *Store) List(limit int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			var entry Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// Count reports retained entries.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) Close() error { return s.db.Close() }
