package sink

import (
	"context"
	"testing"
	"time"

	"github.com/tkenna/streamcore/pkg/window"
)

func openTestSink(t *testing.T) *DuckDB {
	t.Helper()
	s, err := NewDuckDB("", "results")
	if err != nil {
		t.Fatalf("Failed to open in-memory DuckDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sinkResult(key string) *window.Result {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	return &window.Result{
		ID:        window.ResultID(key, start, end),
		Key:       key,
		Start:     start,
		End:       end,
		Value:     int64(7),
		Partition: 0,
	}
}

func TestUpsert(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, sinkResult("a")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, sinkResult("b")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows, got %d", n)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestSink(t)
	ctx := context.Background()

	res := sinkResult("a")
	if err := s.Upsert(ctx, res); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// A replayed result overwrites itself, no duplicate row.
	if err := s.Upsert(ctx, res); err != nil {
		t.Fatalf("Replay upsert failed: %v", err)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 row after replay, got %d", n)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	if got := quoteIdentifier("results"); got != `"results"` {
		t.Errorf("Expected quoted identifier, got %s", got)
	}
	if got := quoteIdentifier(`re"sults`); got != `"re""sults"` {
		t.Errorf("Expected escaped quotes, got %s", got)
	}
}
