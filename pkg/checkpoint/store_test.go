package checkpoint

import (
	"testing"
	"time"

	"github.com/tkenna/streamcore/pkg/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("test", config.CheckpointConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadUnknownPartition(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.Load(0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok {
		t.Errorf("Expected ok=false for a partition that never committed")
	}
}

func TestCommitResultAndLoad(t *testing.T) {
	st := openTestStore(t)
	wm := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	if err := st.CommitResult(2, 150, wm, "abc123"); err != nil {
		t.Fatalf("CommitResult failed: %v", err)
	}

	cp, ok, err := st.Load(2)
	if err != nil || !ok {
		t.Fatalf("Expected a checkpoint, got ok=%v err=%v", ok, err)
	}
	if cp.Partition != 2 || cp.Offset != 150 {
		t.Errorf("Expected partition 2 offset 150, got %d/%d", cp.Partition, cp.Offset)
	}
	if !cp.Watermark.Equal(wm) {
		t.Errorf("Expected watermark %v, got %v", wm, cp.Watermark)
	}

	// The result marker committed in the same transaction.
	seen, err := st.Seen("abc123")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if !seen {
		t.Errorf("Expected result marker to be present")
	}

	seen, err = st.Seen("other")
	if err != nil {
		t.Fatalf("Seen failed: %v", err)
	}
	if seen {
		t.Errorf("Expected unknown result id to be unseen")
	}
}

func TestCommitOffsetWithoutResult(t *testing.T) {
	st := openTestStore(t)

	if err := st.CommitOffset(0, 9, time.Now()); err != nil {
		t.Fatalf("CommitOffset failed: %v", err)
	}
	cp, ok, err := st.Load(0)
	if err != nil || !ok {
		t.Fatalf("Expected a checkpoint, got ok=%v err=%v", ok, err)
	}
	if cp.Offset != 9 {
		t.Errorf("Expected offset 9, got %d", cp.Offset)
	}

	// Later commits overwrite.
	if err := st.CommitOffset(0, 25, time.Now()); err != nil {
		t.Fatalf("CommitOffset failed: %v", err)
	}
	cp, _, _ = st.Load(0)
	if cp.Offset != 25 {
		t.Errorf("Expected offset 25 after second commit, got %d", cp.Offset)
	}
}

func TestWindowState(t *testing.T) {
	st := openTestStore(t)

	if err := st.PutWindowState("0|k|100|200", []byte(`{"n":5}`)); err != nil {
		t.Fatalf("PutWindowState failed: %v", err)
	}
	if err := st.PutWindowState("1|k|100|200", []byte(`{"n":9}`)); err != nil {
		t.Fatalf("PutWindowState failed: %v", err)
	}

	found := make(map[string]string)
	err := st.ForEachWindowState(func(id string, data []byte) error {
		found[id] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachWindowState failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Expected 2 persisted windows, got %d", len(found))
	}
	if found["0|k|100|200"] != `{"n":5}` {
		t.Errorf("Expected persisted payload, got %q", found["0|k|100|200"])
	}

	if err := st.DeleteWindowState("0|k|100|200"); err != nil {
		t.Fatalf("DeleteWindowState failed: %v", err)
	}
	// Deleting again is a no-op.
	if err := st.DeleteWindowState("0|k|100|200"); err != nil {
		t.Fatalf("Expected repeated delete to succeed, got %v", err)
	}

	found = make(map[string]string)
	_ = st.ForEachWindowState(func(id string, data []byte) error {
		found[id] = string(data)
		return nil
	})
	if len(found) != 1 {
		t.Errorf("Expected 1 persisted window after delete, got %d", len(found))
	}
}

func TestStats(t *testing.T) {
	st := openTestStore(t)

	_ = st.CommitResult(0, 1, time.Now(), "r1")
	_ = st.CommitResult(1, 2, time.Now(), "r2")
	_ = st.PutWindowState("0|w", []byte(`{}`))

	checkpoints, results, windows, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if checkpoints != 2 || results != 2 || windows != 1 {
		t.Errorf("Expected 2/2/1, got %d/%d/%d", checkpoints, results, windows)
	}
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	cfg := config.CheckpointConfig{Path: dir}

	st, err := Open("test", cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := st.CommitResult(0, 42, time.Now(), "r1"); err != nil {
		t.Fatalf("CommitResult failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st, err = Open("test", cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer st.Close()

	cp, ok, err := st.Load(0)
	if err != nil || !ok {
		t.Fatalf("Expected checkpoint after reopen, got ok=%v err=%v", ok, err)
	}
	if cp.Offset != 42 {
		t.Errorf("Expected offset 42 after reopen, got %d", cp.Offset)
	}
	seen, _ := st.Seen("r1")
	if !seen {
		t.Errorf("Expected result marker to survive reopen")
	}
}
