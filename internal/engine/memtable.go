package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loghive/loghive/internal/model"
	"github.com/loghive/loghive/internal/pkg/lql"
)

// MemTable stores recently ingested entries in columnar format.
// Columns are exported for access by the storage package.
type MemTable struct {
	mu sync.RWMutex

	// Exported columns
	IDCol  []string // Entry ID (UUID)
	TsCol  []int64  // Timestamp (UnixNano)
	LvlCol []uint8  // Level (dictionary encoded)
	SvcCol []string // Source service name
	MsgCol []string // Message content
	CtxCol []string // Context as JSON, empty when absent

	// Metadata
	SizeBytes int64 // Estimated memory usage in bytes

	// Stats
	writeCounter int64
	currentRate  float64 // Entries per second
	stopStats    chan struct{}
	stopOnce     sync.Once
}

// MemStats is a snapshot of the in-memory table's counters.
type MemStats struct {
	RowCount      int
	LevelCounts   map[string]int64
	ServiceCounts map[string]int64
	Bytes         int64
}

// NewMemTable initializes a MemTable with pre-allocated capacity.
func NewMemTable() *MemTable {
	cap := 4096
	return &MemTable{
		IDCol:  make([]string, 0, cap),
		TsCol:  make([]int64, 0, cap),
		LvlCol: make([]uint8, 0, cap),
		SvcCol: make([]string, 0, cap),
		MsgCol: make([]string, 0, cap),
		CtxCol: make([]string, 0, cap),
	}
}

// Append adds an entry. The level must already be validated; unknown
// levels are stored as-is and never match level filters.
func (mt *MemTable) Append(e model.LogEntry, ctxJSON []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	lvl, _ := model.EncodeLevel(e.Level)

	mt.IDCol = append(mt.IDCol, e.ID)
	mt.TsCol = append(mt.TsCol, e.Timestamp)
	mt.LvlCol = append(mt.LvlCol, lvl)
	mt.SvcCol = append(mt.SvcCol, e.Service)
	mt.MsgCol = append(mt.MsgCol, e.Message)
	mt.CtxCol = append(mt.CtxCol, string(ctxJSON))

	added := int64(len(e.ID) + len(e.Message) + len(e.Service) + len(ctxJSON) + 8 + 1)
	atomic.AddInt64(&mt.SizeBytes, added)
	atomic.AddInt64(&mt.writeCounter, 1)
}

// GetSize returns the estimated memory usage in bytes.
func (mt *MemTable) GetSize() int64 {
	return atomic.LoadInt64(&mt.SizeBytes)
}

// Len returns the number of rows.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.TsCol)
}

// Reset clears all column data for memory reuse.
func (mt *MemTable) Reset() {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.IDCol = mt.IDCol[:0]
	mt.TsCol = mt.TsCol[:0]
	mt.LvlCol = mt.LvlCol[:0]
	mt.SvcCol = mt.SvcCol[:0]
	mt.MsgCol = mt.MsgCol[:0]
	mt.CtxCol = mt.CtxCol[:0]
	atomic.StoreInt64(&mt.SizeBytes, 0)
}

// MinTimestamp returns the timestamp of the first row.
func (mt *MemTable) MinTimestamp() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if len(mt.TsCol) == 0 {
		return 0
	}
	return mt.TsCol[0]
}

// MaxTimestamp returns the timestamp of the last row.
func (mt *MemTable) MaxTimestamp() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	if len(mt.TsCol) == 0 {
		return 0
	}
	return mt.TsCol[len(mt.TsCol)-1]
}

// Search returns all in-memory entries matching the filter and the
// optional LQL node, in insertion order. Ordering and limits are the
// caller's concern; the store sorts the merged result set.
func (mt *MemTable) Search(filter Filter, node lql.Node) []model.LogEntry {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var result []model.LogEntry
	for i := range mt.TsCol {
		ts := mt.TsCol[i]
		if filter.MinTime > 0 && ts < filter.MinTime {
			continue
		}
		if filter.MaxTime > 0 && ts > filter.MaxTime {
			continue
		}
		if filter.Level != model.LevelUnset && mt.LvlCol[i] != filter.Level {
			continue
		}
		if filter.Service != "" && mt.SvcCol[i] != filter.Service {
			continue
		}

		entry := mt.rowAt(i)
		if node != nil && !MatchEntry(node, &entry) {
			continue
		}
		result = append(result, entry)
	}

	return result
}

// rowAt materializes a full entry from the columns. Caller holds mt.mu.
func (mt *MemTable) rowAt(i int) model.LogEntry {
	ctx, _ := model.DecodeContext([]byte(mt.CtxCol[i]))
	return model.LogEntry{
		ID:        mt.IDCol[i],
		Timestamp: mt.TsCol[i],
		Level:     model.DecodeLevel(mt.LvlCol[i]),
		Service:   mt.SvcCol[i],
		Message:   mt.MsgCol[i],
		Context:   ctx,
	}
}

// Stats returns a snapshot of per-level and per-service counters.
func (mt *MemTable) Stats() MemStats {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	st := MemStats{
		RowCount:      len(mt.TsCol),
		LevelCounts:   make(map[string]int64),
		ServiceCounts: make(map[string]int64),
		Bytes:         atomic.LoadInt64(&mt.SizeBytes),
	}
	for i := range mt.TsCol {
		st.LevelCounts[model.DecodeLevel(mt.LvlCol[i])]++
		st.ServiceCounts[mt.SvcCol[i]]++
	}
	return st
}

// StartStatsTicker starts a background ticker to calculate ingestion
// rate. StopStats ends it when the table is retired.
func (mt *MemTable) StartStatsTicker(interval time.Duration) {
	mt.stopStats = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				count := atomic.SwapInt64(&mt.writeCounter, 0)
				rate := float64(count) / interval.Seconds()
				mt.mu.Lock()
				mt.currentRate = rate
				mt.mu.Unlock()
			case <-mt.stopStats:
				return
			}
		}
	}()
}

// StopStats terminates the stats goroutine. Safe to call more than
// once, or on a table whose ticker never started.
func (mt *MemTable) StopStats() {
	if mt.stopStats == nil {
		return
	}
	mt.stopOnce.Do(func() { close(mt.stopStats) })
}

// GetIngestionRate returns the current ingestion rate (entries/sec).
func (mt *MemTable) GetIngestionRate() float64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.currentRate
}
