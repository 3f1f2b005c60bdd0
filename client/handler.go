package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type Options struct {
	ServerURL string
	APIKey    string
	Service   string
}

// HiveHandler is a slog.Handler that batches records and ships them to
// a LogHive server in the background.
type HiveHandler struct {
	opts       Options
	instanceID string
	queue      chan []byte
	done       chan struct{}
	wg         *sync.WaitGroup
	attrs      []slog.Attr
	groups     []string
}

func NewHandler(opts Options) *HiveHandler {
	id, _ := ensureInstanceID()
	h := &HiveHandler{
		opts:       opts,
		instanceID: id,
		queue:      make(chan []byte, 10000),
		done:       make(chan struct{}),
		wg:         &sync.WaitGroup{},
	}

	// Register asynchronously to not block startup
	go func() {
		if err := registerInstance(opts.ServerURL, opts.APIKey, opts.Service, h.instanceID); err != nil {
			fmt.Fprintf(os.Stderr, "LogHive Handshake Failed: %v\n", err)
		}
	}()

	h.wg.Add(1)
	go h.runLoop()

	return h
}

func (h *HiveHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *HiveHandler) Handle(ctx context.Context, r slog.Record) error {
	row := map[string]any{
		"level":          mapLevel(r.Level),
		"message":        r.Message,
		"source_service": h.opts.Service,
	}

	logCtx := make(map[string]any)
	for _, a := range h.attrs {
		logCtx[h.attrKey(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		logCtx[h.attrKey(a.Key)] = a.Value.Any()
		return true
	})
	if len(logCtx) > 0 {
		row["context"] = logCtx
	}

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	select {
	case h.queue <- data:
	default:
		// Drop logging
		fmt.Fprintf(os.Stderr, "LogHive Queue Full: Dropping log\n")
	}

	return nil
}

func (h *HiveHandler) attrKey(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

// mapLevel translates slog levels onto the server's accepted set.
func mapLevel(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// WithAttrs clones the attr slice so sibling handlers derived from the
// same parent never share a backing array.
func (h *HiveHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &h2
}

func (h *HiveHandler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func (h *HiveHandler) runLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var batch [][]byte

	send := func() {
		if len(batch) == 0 {
			return
		}

		// Encode as JSON Array: [ {}, {}, {} ]
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, b := range batch {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(b)
		}
		buf.WriteByte(']')

		req, err := http.NewRequest(http.MethodPost, strings.TrimRight(h.opts.ServerURL, "/")+"/logs", &buf)
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+h.opts.APIKey)
			req.Header.Set("X-Instance-ID", h.instanceID)

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				fmt.Fprintf(os.Stderr, "LogHive Network Error: %v\n", err)
			} else {
				resp.Body.Close()
				if resp.StatusCode != http.StatusCreated {
					fmt.Fprintf(os.Stderr, "LogHive Send Failed: HTTP %d\n", resp.StatusCode)
				}
			}
		}

		batch = nil // Reset batch
	}

	for {
		select {
		case data := <-h.queue:
			batch = append(batch, data)
			if len(batch) >= 100 {
				send()
			}
		case <-ticker.C:
			send()
		case <-h.done:
			// Flush remaining
			for {
				select {
				case data := <-h.queue:
					batch = append(batch, data)
				default:
					send()
					return
				}
			}
		}
	}
}

// Shutdown flushes any queued records and stops the background loop.
func (h *HiveHandler) Shutdown() {
	close(h.done)
	h.wg.Wait()
}
