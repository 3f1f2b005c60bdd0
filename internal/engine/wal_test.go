package engine

import (
	"path/filepath"
	"testing"

	"github.com/loghive/loghive/internal/model"
)

func TestWALWriteAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("open WAL: %v", err)
	}
	defer wal.Close()

	entries := []model.LogEntry{
		{ID: "a", Timestamp: 100, Level: "INFO", Service: "api", Message: "first"},
		{ID: "b", Timestamp: 200, Level: "ERROR", Service: "api", Message: "second", Context: map[string]any{"k": "v"}},
	}
	for _, e := range entries {
		if err := wal.Write(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := wal.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := wal.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("replay order wrong: %+v", got)
	}
	if got[1].Context["k"] != "v" {
		t.Errorf("context lost in replay: %+v", got[1])
	}
}

func TestWALReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	wal, err := OpenWAL(path)
	if err != nil {
		t.Fatalf("open WAL: %v", err)
	}
	defer wal.Close()

	if err := wal.Write(model.LogEntry{ID: "a", Level: "INFO", Service: "s", Message: "m"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wal.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := wal.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty WAL after reset, got %d entries", len(got))
	}
}
