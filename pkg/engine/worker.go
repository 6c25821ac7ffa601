package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tkenna/streamcore/pkg/backpressure"
	"github.com/tkenna/streamcore/pkg/broker"
	"github.com/tkenna/streamcore/pkg/commit"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/window"
)

const (
	lagProbeInterval = 5 * time.Second
	lagProbeTimeout  = 2 * time.Second
	statsInterval    = 15 * time.Second
)

// worker processes one partition sequentially: pull, transform, window,
// emit, commit. It is the only goroutine touching its window store, which
// is what preserves per-partition ordering and the single-writer rule for
// emission.
type worker struct {
	e         *Engine
	partition int

	reader *broker.Reader
	store  *window.Store
	queue  *commit.Queue

	// pendingWindows maps queued result ids back to their windows so the
	// store can evict them after a successful commit.
	pendingWindows map[string]*window.Window

	lastProcessed int64 // highest offset fully handled (applied, filtered or dead-lettered)
	lastCommitted int64

	lastLagProbe time.Time
	lastStats    time.Time
}

func (e *Engine) newWorker(partition int) (*worker, error) {
	cp, ok, err := e.cp.Load(partition)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for partition %d: %w", partition, err)
	}
	startOffset := int64(-1)
	if ok {
		startOffset = cp.Offset
	}

	var late func(*event.Event)
	if e.cfg.Window.LatePolicy == config.LatePolicySideOutput {
		lateTopic := e.cfg.LateTopic
		producer := e.producer
		late = func(ev *event.Event) {
			rec := map[string]any{
				"key":        ev.Key,
				"event_time": ev.EventTime.UTC().Format(time.RFC3339Nano),
				"partition":  ev.Partition,
				"offset":     ev.Offset,
				"payload":    ev.Payload,
			}
			if pubErr := producer.Publish(context.Background(), lateTopic, []byte(ev.Key), rec); pubErr != nil {
				log.Printf("[Window] Late side-output publish failed: %v", pubErr)
			}
		}
	}

	store := window.New(partition, e.cfg.Window, e.factory, e.reg, e.cp, late)
	if err := store.Restore(); err != nil {
		return nil, fmt.Errorf("restore windows for partition %d: %w", partition, err)
	}

	onMalformed := func(ev *event.Event, cause error) {
		if _, dlqErr := e.dlq.Add(ev, cause); dlqErr != nil {
			log.Printf("[Reader] Failed to dead-letter malformed event: %v", dlqErr)
		}
	}
	reader, err := broker.NewReader(e.cfg.Kafka, partition, startOffset, e.decoder, e.reg, onMalformed)
	if err != nil {
		return nil, err
	}

	return &worker{
		e:              e,
		partition:      partition,
		reader:         reader,
		store:          store,
		queue:          commit.NewQueue(fmt.Sprintf("%s-p%d", e.cfg.Pipeline, partition)),
		pendingWindows: make(map[string]*window.Window),
		lastProcessed:  startOffset,
		lastCommitted:  startOffset,
	}, nil
}

// run is the partition loop. A fatal error (auth failure, bad config)
// returns and cancels the whole group: the instance halts rather than
// processing with a broken partition.
func (w *worker) run(ctx context.Context) error {
	defer func() {
		if err := w.reader.Close(); err != nil {
			log.Printf("[Reader] Close error on partition %d: %v", w.partition, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.probeLag()
		w.logStats()

		if w.e.committer.Halted(w.partition) || w.e.controller.StateOf(w.partition) == backpressure.Paused {
			// Paused: stop pulling, keep observing lag so recovery is seen.
			sleepOrDone(ctx, w.e.cfg.PullWait)
			continue
		}

		batch := w.e.controller.BatchSize(w.partition, w.e.cfg.ReadBatch)
		events, err := w.reader.Pull(ctx, batch, w.e.cfg.PullWait)
		if err != nil {
			if event.Classify(err) == event.ClassFatal {
				w.e.monitor.RaiseFatal(fmt.Sprintf("reader partition %d", w.partition), err)
				return err
			}
			log.Printf("[Reader] Pull error on partition %d: %v", w.partition, err)
			continue
		}

		for _, ev := range events {
			w.handle(ctx, ev)
		}

		w.collectClosed()
		if err := w.drain(ctx); err != nil {
			if event.Classify(err) == event.ClassFatal {
				return err
			}
		}
		w.advanceOffset()
	}
}

// handle runs one event through transform and the window store.
func (w *worker) handle(ctx context.Context, ev *event.Event) {
	out, err := w.e.stage.Process(ctx, ev)
	switch {
	case err != nil:
		if _, dlqErr := w.e.dlq.Add(ev, err); dlqErr != nil {
			log.Printf("[Engine] Failed to dead-letter event at offset %d: %v", ev.Offset, dlqErr)
		}
	case out == nil:
		// Filtered out; already counted by the stage.
	default:
		if applyErr := w.store.Apply(out); applyErr != nil {
			log.Printf("[Window] Apply failed at offset %d: %v", ev.Offset, applyErr)
			if _, dlqErr := w.e.dlq.Add(ev, applyErr); dlqErr != nil {
				log.Printf("[Engine] Failed to dead-letter event at offset %d: %v", ev.Offset, dlqErr)
			}
		}
	}
	w.lastProcessed = ev.Offset
}

// collectClosed moves windows the watermark has closed into the commit
// queue.
func (w *worker) collectClosed() {
	for _, win := range w.store.Advance() {
		res := w.store.ResultOf(win)
		if w.queue.Add(res) {
			w.pendingWindows[res.ID] = win
		}
	}
	w.e.controller.ObserveQueueDepth(w.queue.Size())
}

// drain commits queued results in order. On a commit failure the remaining
// results re-queue so nothing is lost; the partition halts or retries on
// the next cycle.
func (w *worker) drain(ctx context.Context) error {
	results := w.queue.Drain()
	for i, res := range results {
		safe := w.safeOffset()
		err := w.e.committer.Commit(ctx, res, safe, w.store.Watermark())
		if err != nil {
			for _, rest := range results[i:] {
				w.queue.Add(rest)
			}
			w.e.controller.ObserveQueueDepth(w.queue.Size())
			return err
		}
		if win, ok := w.pendingWindows[res.ID]; ok {
			w.store.Evict(win)
			delete(w.pendingWindows, res.ID)
		}
		if safe > w.lastCommitted {
			w.lastCommitted = safe
		}
	}
	w.e.controller.ObserveQueueDepth(w.queue.Size())
	return nil
}

// safeOffset is the highest offset whose events are all reflected in
// durably-written results: everything processed, held back to just before
// the first offset still contributing to a live window.
func (w *worker) safeOffset() int64 {
	if lowest, ok := w.store.LowestFirstOffset(); ok {
		if lowest-1 < w.lastProcessed {
			return lowest - 1
		}
	}
	return w.lastProcessed
}

// advanceOffset commits a bare offset checkpoint when the safe offset moved
// past the last commit without a window emission carrying it.
func (w *worker) advanceOffset() {
	safe := w.safeOffset()
	if safe <= w.lastCommitted || w.queue.Size() > 0 {
		return
	}
	if err := w.e.committer.CommitOffset(w.partition, safe, w.store.Watermark()); err != nil {
		log.Printf("[Commit] Offset advance failed on partition %d: %v", w.partition, err)
		return
	}
	w.lastCommitted = safe
}

// probeLag refreshes the partition's lag reading for the backpressure
// controller.
func (w *worker) probeLag() {
	if time.Since(w.lastLagProbe) < lagProbeInterval {
		return
	}
	w.lastLagProbe = time.Now()

	latest, err := w.reader.Latest(lagProbeTimeout)
	if err != nil {
		log.Printf("[Reader] Watermark probe failed on partition %d: %v", w.partition, err)
		return
	}
	// latest is the next offset to be produced; the newest available event
	// sits one before it.
	w.e.controller.ObserveLag(w.partition, latest-1, w.lastCommitted)
}

func (w *worker) logStats() {
	if time.Since(w.lastStats) < statsInterval {
		return
	}
	w.lastStats = time.Now()
	log.Printf("[Engine] Partition %d | processed=%d committed=%d windows=%d watermark=%s state=%s",
		w.partition, w.lastProcessed, w.lastCommitted, w.store.OpenCount(),
		w.store.Watermark().Format(time.RFC3339), w.e.controller.StateOf(w.partition))
	w.queue.LogStats()
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
