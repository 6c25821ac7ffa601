package commit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tkenna/streamcore/pkg/checkpoint"
	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
	"github.com/tkenna/streamcore/pkg/window"
)

type fakeSink struct {
	failures int // writes to fail before succeeding
	calls    int
	written  map[string]*window.Result
}

func newFakeSink(failures int) *fakeSink {
	return &fakeSink{failures: failures, written: make(map[string]*window.Result)}
}

func (f *fakeSink) Upsert(_ context.Context, res *window.Result) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return event.Transient(errors.New("sink unavailable"))
	}
	f.written[res.ID] = res
	return nil
}

func (f *fakeSink) Close() error { return nil }

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func openTestCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	cp, err := checkpoint.Open("test", config.CheckpointConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open checkpoint store: %v", err)
	}
	t.Cleanup(func() { cp.Close() })
	return cp
}

func committerResult() *window.Result {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	return &window.Result{
		ID:        window.ResultID("k", start, end),
		Key:       "k",
		Start:     start,
		End:       end,
		Value:     int64(42),
		Partition: 0,
	}
}

func TestCommitRetriesThenSucceeds(t *testing.T) {
	cp := openTestCheckpoints(t)
	snk := newFakeSink(2)
	reg := metrics.New("test", nil)
	c := New(snk, cp, reg, testRetryConfig(), nil)

	res := committerResult()
	wm := res.End.Add(5 * time.Second)
	if err := c.Commit(context.Background(), res, 99, wm); err != nil {
		t.Fatalf("Expected commit to recover after retries, got %v", err)
	}

	if snk.calls != 3 {
		t.Errorf("Expected 3 sink attempts, got %d", snk.calls)
	}
	if len(snk.written) != 1 {
		t.Errorf("Expected exactly one written result, got %d", len(snk.written))
	}
	if got := reg.Counter("commit", "retries"); got != 2 {
		t.Errorf("Expected 2 retry counters, got %d", got)
	}

	// The offset landed with the result.
	loaded, ok, err := cp.Load(0)
	if err != nil || !ok {
		t.Fatalf("Expected a checkpoint, got ok=%v err=%v", ok, err)
	}
	if loaded.Offset != 99 {
		t.Errorf("Expected committed offset 99, got %d", loaded.Offset)
	}
}

func TestCommitReplayIsNoOp(t *testing.T) {
	cp := openTestCheckpoints(t)
	snk := newFakeSink(0)
	reg := metrics.New("test", nil)
	c := New(snk, cp, reg, testRetryConfig(), nil)

	res := committerResult()
	wm := res.End
	if err := c.Commit(context.Background(), res, 10, wm); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	// Replay of the same window: no second sink write, offset still advances.
	if err := c.Commit(context.Background(), res, 20, wm); err != nil {
		t.Fatalf("Replay commit failed: %v", err)
	}
	if snk.calls != 1 {
		t.Errorf("Expected a single sink write across replay, got %d", snk.calls)
	}
	if got := reg.Counter("commit", "replayed"); got != 1 {
		t.Errorf("Expected 1 replay counter, got %d", got)
	}

	loaded, _, err := cp.Load(0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Offset != 20 {
		t.Errorf("Expected replay to advance the offset to 20, got %d", loaded.Offset)
	}
}

func TestCommitExhaustionHaltsPartition(t *testing.T) {
	cp := openTestCheckpoints(t)
	snk := newFakeSink(100)
	reg := metrics.New("test", nil)

	var fatalPartition = -1
	c := New(snk, cp, reg, testRetryConfig(), func(partition int, _ error) {
		fatalPartition = partition
	})

	res := committerResult()
	err := c.Commit(context.Background(), res, 5, res.End)
	if err == nil {
		t.Fatalf("Expected exhausted commit to fail")
	}
	if event.Classify(err) != event.ClassResource {
		t.Errorf("Expected a resource-class error, got %v", event.Classify(err))
	}
	if snk.calls != 3 {
		t.Errorf("Expected 3 sink attempts before halting, got %d", snk.calls)
	}
	if !c.Halted(0) {
		t.Errorf("Expected partition 0 to be halted")
	}
	if fatalPartition != 0 {
		t.Errorf("Expected fatal callback for partition 0, got %d", fatalPartition)
	}

	// A halted partition rejects further commits without touching the sink.
	before := snk.calls
	if err := c.Commit(context.Background(), res, 6, res.End); err == nil {
		t.Errorf("Expected commit on a halted partition to fail")
	}
	if snk.calls != before {
		t.Errorf("Expected no sink calls on a halted partition")
	}

	// No checkpoint landed: the window result was never durably written.
	if _, ok, _ := cp.Load(0); ok {
		t.Errorf("Expected no checkpoint after a failed commit")
	}
}

func TestCommitPermanentSinkErrorNotRetried(t *testing.T) {
	cp := openTestCheckpoints(t)
	snk := &permanentSink{}
	c := New(snk, cp, metrics.New("test", nil), testRetryConfig(), nil)

	res := committerResult()
	if err := c.Commit(context.Background(), res, 5, res.End); err == nil {
		t.Fatalf("Expected a permanent sink error to fail the commit")
	}
	if snk.calls != 1 {
		t.Errorf("Expected a single attempt for a permanent error, got %d", snk.calls)
	}
}

type permanentSink struct{ calls int }

func (p *permanentSink) Upsert(context.Context, *window.Result) error {
	p.calls++
	return event.Permanent(errors.New("constraint violation"))
}

func (p *permanentSink) Close() error { return nil }

func TestCommitOffset(t *testing.T) {
	cp := openTestCheckpoints(t)
	c := New(newFakeSink(0), cp, metrics.New("test", nil), testRetryConfig(), nil)

	wm := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := c.CommitOffset(3, 77, wm); err != nil {
		t.Fatalf("CommitOffset failed: %v", err)
	}

	loaded, ok, err := cp.Load(3)
	if err != nil || !ok {
		t.Fatalf("Expected a checkpoint for partition 3, got ok=%v err=%v", ok, err)
	}
	if loaded.Offset != 77 {
		t.Errorf("Expected offset 77, got %d", loaded.Offset)
	}
	if !loaded.Watermark.Equal(wm) {
		t.Errorf("Expected watermark %v, got %v", wm, loaded.Watermark)
	}
}
