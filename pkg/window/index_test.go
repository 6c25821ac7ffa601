package window

import (
	"testing"
	"time"
)

func TestCloseIndexAdd(t *testing.T) {
	idx := newCloseIndex()
	now := time.Now()

	idx.Add("w1", now)
	if idx.Len() != 1 {
		t.Errorf("Expected 1 item after first add, got %d", idx.Len())
	}

	// Earlier end must sort first.
	idx.Add("w0", now.Add(-time.Minute))
	if idx.items[0].ID != "w0" {
		t.Errorf("Expected 'w0' first after sorting, got %q", idx.items[0].ID)
	}

	// Duplicate ids are ignored.
	idx.Add("w1", now.Add(time.Hour))
	if idx.Len() != 2 {
		t.Errorf("Expected duplicate add to be ignored, got %d items", idx.Len())
	}
}

func TestCloseIndexPeek(t *testing.T) {
	idx := newCloseIndex()
	base := time.Now()

	idx.Add("a", base)
	idx.Add("b", base.Add(time.Minute))
	idx.Add("c", base.Add(2*time.Minute))

	due := idx.Peek(base.Add(time.Minute))
	if len(due) != 2 {
		t.Fatalf("Expected 2 due windows, got %d", len(due))
	}
	if due[0] != "a" || due[1] != "b" {
		t.Errorf("Expected [a b], got %v", due)
	}

	// Peek does not remove.
	if idx.Len() != 3 {
		t.Errorf("Expected Peek to keep all items, got %d", idx.Len())
	}
}

func TestCloseIndexExpire(t *testing.T) {
	idx := newCloseIndex()
	base := time.Now()

	idx.Add("a", base)
	idx.Add("b", base.Add(time.Minute))
	idx.Add("c", base.Add(2*time.Minute))

	expired := idx.Expire(base.Add(time.Minute))
	if len(expired) != 2 {
		t.Fatalf("Expected 2 expired windows, got %d", len(expired))
	}
	if idx.Len() != 1 {
		t.Errorf("Expected 1 remaining item, got %d", idx.Len())
	}
	if idx.items[0].ID != "c" {
		t.Errorf("Expected 'c' to remain, got %q", idx.items[0].ID)
	}

	// Nothing due: empty result, no change.
	if got := idx.Expire(base.Add(90 * time.Second)); len(got) != 0 {
		t.Errorf("Expected no expirations, got %v", got)
	}
}

func TestCloseIndexRemove(t *testing.T) {
	idx := newCloseIndex()
	base := time.Now()

	idx.Add("a", base)
	idx.Add("b", base.Add(time.Minute))

	idx.Remove("a")
	if idx.Len() != 1 {
		t.Errorf("Expected 1 item after remove, got %d", idx.Len())
	}
	idx.Remove("missing")
	if idx.Len() != 1 {
		t.Errorf("Expected removing an unknown id to be a no-op, got %d", idx.Len())
	}
}
