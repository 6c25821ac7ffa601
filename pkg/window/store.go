package window

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tkenna/streamcore/pkg/checkpoint"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
)

// Status is the window lifecycle state.
type Status int

const (
	Open Status = iota
	Closing
	Closed
	Emitted
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Emitted:
		return "EMITTED"
	default:
		return "UNKNOWN"
	}
}

// Window is the per-key aggregation unit. It is owned exclusively by its
// partition's worker from creation until eviction; no locking needed.
type Window struct {
	Key    string
	Start  time.Time
	End    time.Time
	Status Status
	Agg    Aggregator

	// FirstOffset and LastOffset bound the source events folded into this
	// window, used to hold back offset commits while the window is live.
	FirstOffset int64
	LastOffset  int64
}

// ID identifies a window within a partition: key plus bounds.
func (w *Window) ID() string {
	return fmt.Sprintf("%s|%d|%d", w.Key, w.Start.UnixMilli(), w.End.UnixMilli())
}

// Result is an emitted window aggregate headed for the sink.
type Result struct {
	ID        string
	Key       string
	Start     time.Time
	End       time.Time
	Value     any
	Partition int
}

// ResultID derives the deterministic sink identifier from the key and the
// window bounds. Replays of the same window always produce the same id, so
// the sink upsert is a no-op the second time.
func ResultID(key string, start, end time.Time) string {
	h := xxhash.New()
	_, _ = h.WriteString(key)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(start.UnixMilli(), 10))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(end.UnixMilli(), 10))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Store maintains the event-time windows of one partition. All methods are
// called from that partition's worker goroutine only.
type Store struct {
	partition int
	cfg       config.WindowConfig
	factory   Factory
	reg       *metrics.Registry
	cp        *checkpoint.Store // nil unless the durability flag is set
	late      func(*event.Event)

	windows map[string]*Window
	index   *closeIndex

	maxEventTime time.Time
	watermark    time.Time
}

// New builds the store for one partition. late is invoked for events routed
// to the side output; pass nil for the drop policy.
func New(partition int, cfg config.WindowConfig, factory Factory, reg *metrics.Registry,
	cp *checkpoint.Store, late func(*event.Event)) *Store {
	if !cfg.Durable {
		cp = nil
	}
	return &Store{
		partition: partition,
		cfg:       cfg,
		factory:   factory,
		reg:       reg,
		cp:        cp,
		late:      late,
		windows:   make(map[string]*Window),
		index:     newCloseIndex(),
	}
}

// Watermark is the engine's lateness estimate: max observed event time minus
// the allowed-lateness bound. It never goes backwards.
func (s *Store) Watermark() time.Time { return s.watermark }

// Apply folds one event into every window covering its event time. Events
// whose windows have already closed follow the late policy instead.
func (s *Store) Apply(e *event.Event) error {
	if e.EventTime.After(s.maxEventTime) {
		s.maxEventTime = e.EventTime
		if wm := s.maxEventTime.Add(-s.cfg.AllowedLateness); wm.After(s.watermark) {
			s.watermark = wm
		}
	}

	applied := false
	lateHandled := false
	for _, b := range s.boundsFor(e.EventTime) {
		if s.closedBound(b) {
			// The covering window is already past its grace period. The
			// event is late once, regardless of how many closed bounds
			// cover it.
			if !lateHandled {
				s.reg.Inc("window", "late_events")
				if s.late != nil {
					s.late(e)
					s.reg.Inc("window", "late_side_output")
				} else {
					s.reg.Inc("window", "late_dropped")
				}
				lateHandled = true
			}
			continue
		}

		w := s.locateOrCreate(e.Key, b)
		if w.LastOffset >= 0 && e.Offset <= w.LastOffset {
			// Replay after a restart: this offset is already folded into
			// the restored aggregate.
			s.reg.Inc("window", "replay_skipped")
			continue
		}
		w.Agg.Add(e)
		if w.FirstOffset == -1 || e.Offset < w.FirstOffset {
			w.FirstOffset = e.Offset
		}
		if e.Offset > w.LastOffset {
			w.LastOffset = e.Offset
		}
		applied = true

		if s.cp != nil {
			if err := s.persist(w); err != nil {
				return fmt.Errorf("persist window %s: %w", w.ID(), err)
			}
		}
	}

	if applied {
		s.reg.Inc("window", "events_applied")
	}
	s.reg.SetGauge("window", "open_windows", float64(len(s.windows)))
	s.reg.SetGauge("window", "watermark_ms", float64(s.watermark.UnixMilli()))
	return nil
}

// Advance moves the lifecycle forward under the current watermark and
// returns every window now CLOSED and ready for emission, ordered by end
// time. The caller commits each result and then calls Evict.
func (s *Store) Advance() []*Window {
	// Watermark past end: OPEN -> CLOSING.
	for _, id := range s.index.Peek(s.watermark) {
		if w := s.windows[id]; w != nil && w.Status == Open {
			w.Status = Closing
		}
	}

	// Watermark past end plus grace: CLOSING -> CLOSED.
	var closed []*Window
	for _, id := range s.index.Expire(s.watermark.Add(-s.cfg.GracePeriod)) {
		w := s.windows[id]
		if w == nil {
			continue
		}
		w.Status = Closed
		closed = append(closed, w)
	}
	return closed
}

// ResultOf builds the sink record for a closed window.
func (s *Store) ResultOf(w *Window) *Result {
	return &Result{
		ID:        ResultID(w.Key, w.Start, w.End),
		Key:       w.Key,
		Start:     w.Start,
		End:       w.End,
		Value:     w.Agg.Value(),
		Partition: s.partition,
	}
}

// Evict finalizes an emitted window: drops it from memory and from the
// persisted state.
func (s *Store) Evict(w *Window) {
	w.Status = Emitted
	delete(s.windows, w.ID())
	s.index.Remove(w.ID())
	if s.cp != nil {
		if err := s.cp.DeleteWindowState(s.stateID(w)); err != nil {
			log.Printf("[Window] Failed to drop persisted state for %s: %v", w.ID(), err)
		}
	}
	s.reg.Inc("window", "windows_emitted")
	s.reg.SetGauge("window", "open_windows", float64(len(s.windows)))
}

// LowestFirstOffset returns the smallest first-contributing offset among
// live windows. While any window is live, offsets at or beyond it must not
// be committed, or a crash would lose that window's events.
func (s *Store) LowestFirstOffset() (int64, bool) {
	lowest := int64(-1)
	for _, w := range s.windows {
		if w.Status == Emitted {
			continue
		}
		if lowest == -1 || w.FirstOffset < lowest {
			lowest = w.FirstOffset
		}
	}
	return lowest, lowest != -1
}

// OpenCount reports live windows, exposed for metrics and tests.
func (s *Store) OpenCount() int { return len(s.windows) }

type bounds struct {
	start time.Time
	end   time.Time
}

// boundsFor returns the covering window bounds for an event time: one for
// tumbling windows, size/slide of them for sliding windows.
func (s *Store) boundsFor(t time.Time) []bounds {
	size := s.cfg.Size
	slide := s.cfg.Slide
	if slide <= 0 {
		start := t.Truncate(size)
		return []bounds{{start: start, end: start.Add(size)}}
	}

	out := make([]bounds, 0, size/slide)
	for start := t.Truncate(slide); start.Add(size).After(t); start = start.Add(-slide) {
		out = append(out, bounds{start: start, end: start.Add(size)})
	}
	return out
}

// closedBound reports whether a window with these bounds would already be
// past CLOSED under the current watermark.
func (s *Store) closedBound(b bounds) bool {
	return !s.watermark.Before(b.end.Add(s.cfg.GracePeriod))
}

func (s *Store) locateOrCreate(key string, b bounds) *Window {
	id := fmt.Sprintf("%s|%d|%d", key, b.start.UnixMilli(), b.end.UnixMilli())
	if w, ok := s.windows[id]; ok {
		return w
	}
	w := &Window{
		Key:         key,
		Start:       b.start,
		End:         b.end,
		Status:      Open,
		Agg:         s.factory(),
		FirstOffset: -1,
		LastOffset:  -1,
	}
	s.windows[id] = w
	s.index.Add(id, b.end)
	s.reg.Inc("window", "windows_created")
	return w
}

/* ------------------------- durable window state ------------------------- */

type persistedWindow struct {
	Key         string          `json:"key"`
	Start       int64           `json:"start"`
	End         int64           `json:"end"`
	FirstOffset int64           `json:"first_offset"`
	LastOffset  int64           `json:"last_offset"`
	Agg         json.RawMessage `json:"agg"`
}

func (s *Store) stateID(w *Window) string {
	return fmt.Sprintf("%d|%s", s.partition, w.ID())
}

func (s *Store) persist(w *Window) error {
	snap, ok := w.Agg.(Snapshotter)
	if !ok {
		return nil
	}
	agg, err := snap.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(persistedWindow{
		Key:         w.Key,
		Start:       w.Start.UnixMilli(),
		End:         w.End.UnixMilli(),
		FirstOffset: w.FirstOffset,
		LastOffset:  w.LastOffset,
		Agg:         agg,
	})
	if err != nil {
		return err
	}
	return s.cp.PutWindowState(s.stateID(w), data)
}

// Restore rebuilds in-memory windows from persisted state after a restart.
// Only windows belonging to this partition are loaded.
func (s *Store) Restore() error {
	if s.cp == nil {
		return nil
	}
	prefix := fmt.Sprintf("%d|", s.partition)
	return s.cp.ForEachWindowState(func(id string, data []byte) error {
		if !strings.HasPrefix(id, prefix) {
			return nil
		}
		var pw persistedWindow
		if err := json.Unmarshal(data, &pw); err != nil {
			return fmt.Errorf("decode persisted window %s: %w", id, err)
		}
		w := &Window{
			Key:         pw.Key,
			Start:       time.UnixMilli(pw.Start),
			End:         time.UnixMilli(pw.End),
			Status:      Open,
			Agg:         s.factory(),
			FirstOffset: pw.FirstOffset,
			LastOffset:  pw.LastOffset,
		}
		if snap, ok := w.Agg.(Snapshotter); ok {
			if err := snap.Restore(pw.Agg); err != nil {
				return fmt.Errorf("restore aggregate %s: %w", id, err)
			}
		}
		s.windows[w.ID()] = w
		s.index.Add(w.ID(), w.End)
		return nil
	})
}
