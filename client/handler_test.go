package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHandlerBatchesAndShips(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/registry/handshake" {
			w.Write([]byte(`{"status":"registered"}`))
			return
		}
		if r.URL.Path != "/logs" {
			t.Errorf("unexpected path %s", r.URL.Path)
			return
		}

		body, _ := io.ReadAll(r.Body)
		var batch []map[string]any
		if err := json.Unmarshal(body, &batch); err != nil {
			t.Errorf("body is not a JSON array: %v", err)
		}
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	h := NewHandler(Options{ServerURL: ts.URL, APIKey: "lh-key", Service: "worker"})
	logger := slog.New(h)

	logger.Info("job started", "job_id", "j-1")
	logger.Error("job failed", "job_id", "j-1", "attempt", 3)

	h.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("server received %d records, want 2", len(received))
	}

	first := received[0]
	if first["level"] != "INFO" || first["source_service"] != "worker" || first["message"] != "job started" {
		t.Errorf("first record = %+v", first)
	}
	ctx, _ := first["context"].(map[string]any)
	if ctx["job_id"] != "j-1" {
		t.Errorf("attributes not carried in context: %+v", first)
	}

	if received[1]["level"] != "ERROR" {
		t.Errorf("second record level = %v", received[1]["level"])
	}
}

func TestHandlerWithAttrsAndGroups(t *testing.T) {
	h := &HiveHandler{
		opts:  Options{Service: "svc"},
		queue: make(chan []byte, 10),
		done:  make(chan struct{}),
	}

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("region", "eu")})
	grouped := withAttrs.WithGroup("db")

	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "slow query", 0)
	rec.AddAttrs(slog.Int("ms", 900))

	if err := grouped.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle: %v", err)
	}

	data := <-h.queue
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		t.Fatalf("decode queued row: %v", err)
	}
	if row["level"] != "WARNING" {
		t.Errorf("level = %v, want WARNING", row["level"])
	}
	ctx, _ := row["context"].(map[string]any)
	if ctx["db.region"] != "eu" {
		t.Errorf("grouped attr key wrong: %+v", ctx)
	}
	if ctx["db.ms"] != 900.0 {
		t.Errorf("record attr lost: %+v", ctx)
	}
}

func TestHandlerWithAttrsSiblings(t *testing.T) {
	h := &HiveHandler{
		opts:  Options{Service: "svc"},
		queue: make(chan []byte, 10),
		done:  make(chan struct{}),
	}

	parent := h.WithAttrs([]slog.Attr{slog.String("region", "eu")})
	first := parent.WithAttrs([]slog.Attr{slog.String("shard", "s1")})
	// A second derivation from the same parent must not clobber the first.
	second := parent.WithAttrs([]slog.Attr{slog.String("tenant", "acme")})
	_ = second

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "routed", 0)
	if err := first.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle: %v", err)
	}

	data := <-h.queue
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		t.Fatalf("decode queued row: %v", err)
	}
	ctx, _ := row["context"].(map[string]any)
	if ctx["region"] != "eu" || ctx["shard"] != "s1" {
		t.Errorf("inherited attrs wrong: %+v", ctx)
	}
	if _, leaked := ctx["tenant"]; leaked {
		t.Errorf("sibling handler attrs leaked: %+v", ctx)
	}
}

func TestMapLevel(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want string
	}{
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelInfo, "INFO"},
		{slog.LevelWarn, "WARNING"},
		{slog.LevelError, "ERROR"},
		{slog.LevelError + 4, "ERROR"},
	}
	for _, tt := range tests {
		if got := mapLevel(tt.in); got != tt.want {
			t.Errorf("mapLevel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
