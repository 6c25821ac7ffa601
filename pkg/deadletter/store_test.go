package deadletter

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkenna/streamcore/pkg/event"
	"github.com/tkenna/streamcore/pkg/metrics"
)

func openTestStore(t *testing.T) (*Store, *metrics.Registry) {
	t.Helper()
	reg := metrics.New("test", nil)
	st, err := Open(filepath.Join(t.TempDir(), "dlq"), reg)
	if err != nil {
		t.Fatalf("Failed to open dead-letter store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, reg
}

func testDLQEvent(offset int64) *event.Event {
	return &event.Event{
		Key:       "user-1",
		Payload:   map[string]any{"amount": 5.0},
		EventTime: time.Now(),
		Partition: 2,
		Offset:    offset,
	}
}

func TestAddAndList(t *testing.T) {
	st, reg := openTestStore(t)

	id1, err := st.Add(testDLQEvent(10), event.Permanent(errors.New("bad schema")))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	id2, err := st.Add(testDLQEvent(11), event.Transient(errors.New("lookup failed")))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id1 == id2 {
		t.Errorf("Expected distinct entry ids")
	}

	entries, err := st.List(10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	// ULID keys list in arrival order.
	if entries[0].Offset != 10 || entries[1].Offset != 11 {
		t.Errorf("Expected arrival order [10 11], got [%d %d]", entries[0].Offset, entries[1].Offset)
	}
	if entries[0].Class != "permanent" {
		t.Errorf("Expected class 'permanent', got %q", entries[0].Class)
	}
	if entries[1].Class != "transient" {
		t.Errorf("Expected class 'transient', got %q", entries[1].Class)
	}
	if entries[0].Reason == "" {
		t.Errorf("Expected a recorded reason")
	}
	if entries[0].Partition != 2 {
		t.Errorf("Expected partition 2, got %d", entries[0].Partition)
	}

	if got := reg.Counter("deadletter", "events"); got != 2 {
		t.Errorf("Expected 2 dead-letter counters, got %d", got)
	}
	if got := reg.Counter("deadletter", "class_permanent"); got != 1 {
		t.Errorf("Expected 1 permanent class counter, got %d", got)
	}
}

func TestListLimit(t *testing.T) {
	st, _ := openTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := st.Add(testDLQEvent(int64(i)), errors.New("x")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	entries, err := st.List(3)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected limit to cap at 3, got %d", len(entries))
	}
}

func TestCount(t *testing.T) {
	st, _ := openTestStore(t)

	n, err := st.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 entries, got %d", n)
	}

	_, _ = st.Add(testDLQEvent(0), errors.New("x"))
	_, _ = st.Add(testDLQEvent(1), errors.New("y"))

	n, err = st.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}
