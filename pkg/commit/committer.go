package commit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tkenna/streamcore/pkg/checkpoint"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
	"github.com/tkenna/streamcore/pkg/sink"
	"github.com/tkenna/streamcore/pkg/window"
)

// ErrPartitionHalted rejects commits for a partition whose sink writes have
// exhausted their retries. Only operator action resumes it.
var ErrPartitionHalted = errors.New("commits halted for partition")

// Committer writes each result to the sink and co-commits the source offset
// as one unit: the sink upsert is idempotent by result id, and the result-id
// marker lands in the same checkpoint transaction as the offset. Replays
// after a crash find the marker and skip the sink write.
type Committer struct {
	sink  sink.Sink
	cp    *checkpoint.Store
	reg   *metrics.Registry
	retry config.RetryConfig

	halted  sync.Map // partition -> struct{}
	onFatal func(partition int, err error)
}

// New builds a committer. onFatal fires when a partition halts; the engine
// wires it to the alert notifier.
func New(s sink.Sink, cp *checkpoint.Store, reg *metrics.Registry,
	retry config.RetryConfig, onFatal func(partition int, err error)) *Committer {
	if onFatal == nil {
		onFatal = func(int, error) {}
	}
	return &Committer{sink: s, cp: cp, reg: reg, retry: retry, onFatal: onFatal}
}

// Halted reports whether a partition's commits are stopped. The engine
// treats a halted partition as paused so the reader stops pulling it.
func (c *Committer) Halted(partition int) bool {
	_, ok := c.halted.Load(partition)
	return ok
}

// Commit emits one closed window. safeOffset is the highest offset whose
// events are all reflected in durably-written results; it becomes the
// partition's committed offset in the same transaction as the result marker.
func (c *Committer) Commit(ctx context.Context, res *window.Result, safeOffset int64, watermark time.Time) error {
	if c.Halted(res.Partition) {
		return event.Resource(fmt.Errorf("%w %d", ErrPartitionHalted, res.Partition))
	}

	seen, err := c.cp.Seen(res.ID)
	if err != nil {
		return fmt.Errorf("dedup check %s: %w", res.ID, err)
	}
	if seen {
		// Replay of an already-committed window: the sink write would be a
		// no-op anyway, only the offset may still advance.
		c.reg.Inc("commit", "replayed")
		return c.cp.CommitOffset(res.Partition, safeOffset, watermark)
	}

	if err := c.upsertWithRetry(ctx, res); err != nil {
		c.halt(res.Partition, err)
		return event.Resource(err)
	}

	if err := c.cp.CommitResult(res.Partition, safeOffset, watermark, res.ID); err != nil {
		// The sink write landed but the marker did not; replay will rewrite
		// the identical result, so this is safe to surface and retry.
		return fmt.Errorf("co-commit %s: %w", res.ID, err)
	}
	c.reg.Inc("commit", "committed")
	return nil
}

// CommitOffset advances a partition's checkpoint with no result attached,
// used when the watermark moves across empty log stretches.
func (c *Committer) CommitOffset(partition int, offset int64, watermark time.Time) error {
	if c.Halted(partition) {
		return event.Resource(fmt.Errorf("%w %d", ErrPartitionHalted, partition))
	}
	return c.cp.CommitOffset(partition, offset, watermark)
}

func (c *Committer) upsertWithRetry(ctx context.Context, res *window.Result) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.BaseBackoff
	b.MaxInterval = c.retry.MaxBackoff
	b.MaxElapsedTime = 0
	retries := uint64(0)
	if c.retry.MaxAttempts > 1 {
		retries = uint64(c.retry.MaxAttempts - 1)
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.sink.Upsert(ctx, res)
		if err == nil {
			return nil
		}
		c.reg.Inc("commit", "retries")
		log.Printf("[Commit] Sink write failed for %s (attempt %d): %v", res.ID, attempt, err)
		if event.Classify(err) == event.ClassPermanent {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(b, ctx), retries))
}

// halt stops further commits for the partition and raises a fatal alert.
// A result is never dropped: the window stays pending until an operator
// restores the sink and the partition replays.
func (c *Committer) halt(partition int, cause error) {
	if _, loaded := c.halted.LoadOrStore(partition, struct{}{}); loaded {
		return
	}
	c.reg.Inc("commit", "halts")
	c.reg.SetGauge("commit", "halted_partitions", float64(c.haltedCount()))
	log.Printf("[Commit] Halting partition %d: sink retries exhausted: %v", partition, cause)
	c.onFatal(partition, cause)
}

func (c *Committer) haltedCount() int {
	n := 0
	c.halted.Range(func(any, any) bool { n++; return true })
	return n
}
