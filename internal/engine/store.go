package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loghive/loghive/internal/model"
	"github.com/loghive/loghive/internal/pkg/lql"
)

// SnapshotExt is the file extension of persisted column snapshots.
const SnapshotExt = ".hive"

// SnapshotReaderFunc reads a snapshot file and returns entries
// matching the scalar filter fields.
type SnapshotReaderFunc func(filename string, filter Filter) ([]model.LogEntry, error)

// SnapshotWriterFunc writes a MemTable to a snapshot file.
type SnapshotWriterFunc func(path string, mt *MemTable) error

// Store owns the ingest and query paths across the in-memory table
// and persisted snapshot files.
type Store struct {
	dataDir    string
	mt         *MemTable
	readerFunc SnapshotReaderFunc
	writerFunc SnapshotWriterFunc
	Retention  time.Duration

	MaxTableSize int64

	// mu protects mt pointer swaps
	mu sync.RWMutex

	globalStats PersistentStats
	statsLock   sync.RWMutex

	// wal is paired with mt: both are swapped together under mu, and
	// a segment file is deleted only after its table's snapshot lands.
	wal    *WAL
	walSeq int64
}

// Open creates a Store, replays any WAL segments left over from a
// crash into a fresh segment, and removes the old ones.
func Open(dataDir string, readerFunc SnapshotReaderFunc, writerFunc SnapshotWriterFunc, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	segments, maxSeq := findWALSegments(dataDir)

	s := &Store{
		dataDir:      dataDir,
		readerFunc:   readerFunc,
		writerFunc:   writerFunc,
		Retention:    retention,
		MaxTableSize: 64 * 1024 * 1024, // 64MB default
		globalStats:  loadPersistentStats(dataDir),
		walSeq:       maxSeq,
	}

	wal, err := s.newWALSegment()
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	s.wal = wal

	mt := NewMemTable()
	mt.StartStatsTicker(1 * time.Second)
	s.mt = mt

	var recovered []model.LogEntry
	for _, seg := range segments {
		old, err := OpenWAL(seg)
		if err != nil {
			log.Printf("WAL segment open warning (%s): %v", filepath.Base(seg), err)
			continue
		}
		entries, err := old.Replay()
		if err != nil {
			log.Printf("WAL replay warning (%s): %v", filepath.Base(seg), err)
		}
		old.Close()
		recovered = append(recovered, entries...)
	}
	if len(recovered) > 0 {
		log.Printf("Crash recovery: replaying %d entries from WAL...", len(recovered))
		for _, e := range recovered {
			ctxJSON, _ := e.ContextJSON()
			if err := wal.Write(e); err != nil {
				return nil, fmt.Errorf("consolidate WAL: %w", err)
			}
			mt.Append(e, ctxJSON)
		}
		if err := wal.Sync(); err != nil {
			return nil, fmt.Errorf("sync consolidated WAL: %w", err)
		}
	}
	for _, seg := range segments {
		if err := os.Remove(seg); err != nil {
			log.Printf("WAL segment cleanup warning: %v", err)
		}
	}

	return s, nil
}

// newWALSegment opens the next WAL segment file. Caller holds mu when
// the store is live.
func (s *Store) newWALSegment() (*WAL, error) {
	s.walSeq++
	return OpenWAL(filepath.Join(s.dataDir, fmt.Sprintf("wal_%06d.log", s.walSeq)))
}

// findWALSegments lists segment files oldest-first along with the
// highest sequence number seen.
func findWALSegments(dataDir string) ([]string, int64) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, 0
	}

	var files []string
	var maxSeq int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log"), 10, 64)
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		files = append(files, filepath.Join(dataDir, name))
	}
	sort.Strings(files)
	return files, maxSeq
}

// Append assigns an id and timestamp, records the entry in the WAL and
// the MemTable, and returns the stored representation. The write is
// atomic with respect to concurrent appends: a WAL failure leaves
// nothing visible.
func (s *Store) Append(level, service, message string, ctx map[string]any) (model.LogEntry, error) {
	canonical, err := model.EncodeLevel(level)
	if err != nil {
		return model.LogEntry{}, err
	}

	entry := model.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixNano(),
		Level:     model.DecodeLevel(canonical),
		Service:   service,
		Message:   message,
		Context:   ctx,
	}

	ctxJSON, err := entry.ContextJSON()
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("encode context: %w", err)
	}

	// The entry must land in the WAL segment paired with the table it
	// enters, so both writes happen under the same lock hold.
	s.mu.RLock()
	if err := s.wal.Write(entry); err != nil {
		s.mu.RUnlock()
		return model.LogEntry{}, fmt.Errorf("WAL write: %w", err)
	}
	s.mt.Append(entry, ctxJSON)
	s.mu.RUnlock()

	s.maybeSwap()
	return entry, nil
}

// maybeSwap rotates the MemTable for a background flush once it
// exceeds MaxTableSize.
func (s *Store) maybeSwap() {
	s.mu.RLock()
	size := s.mt.GetSize()
	s.mu.RUnlock()
	if size < s.MaxTableSize {
		return
	}

	s.mu.Lock()
	if s.mt.GetSize() < s.MaxTableSize {
		s.mu.Unlock()
		return
	}
	newWAL, err := s.newWALSegment()
	if err != nil {
		log.Printf("WAL rotation error, deferring swap: %v", err)
		s.mu.Unlock()
		return
	}
	log.Printf("MemTable reached threshold (%d MB), swapping for async flush...", s.MaxTableSize/(1024*1024))
	oldTable, oldWAL := s.mt, s.wal
	s.mt = NewMemTable()
	s.mt.StartStatsTicker(1 * time.Second)
	s.wal = newWAL
	s.mu.Unlock()

	// Entries whose SyncWAL races the rotation are made durable here.
	if err := oldWAL.Sync(); err != nil {
		log.Printf("WAL sync error on rotation: %v", err)
	}

	go s.flushSegment(oldTable, oldWAL)
}

// SyncWAL flushes the current WAL segment to disk. Called once per
// ingest request so a batch costs a single fsync.
func (s *Store) SyncWAL() error {
	s.mu.RLock()
	wal := s.wal
	s.mu.RUnlock()
	return wal.Sync()
}

// Flush synchronously writes the current MemTable to disk. The table
// and its WAL segment are rotated out first, so appends landing during
// the flush go to the new pair and stay recoverable.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.mt.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	newWAL, err := s.newWALSegment()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("WAL rotation: %w", err)
	}
	oldTable, oldWAL := s.mt, s.wal
	s.mt = NewMemTable()
	s.mt.StartStatsTicker(1 * time.Second)
	s.wal = newWAL
	s.mu.Unlock()

	if err := s.writeSnapshot(oldTable); err != nil {
		oldWAL.Close() // segment stays on disk for replay
		oldTable.StopStats()
		return err
	}
	oldTable.StopStats()
	return removeSegment(oldWAL)
}

// flushSegment persists a retired memtable and deletes its WAL
// segment. On snapshot failure the segment file is retained so the
// entries survive a restart.
func (s *Store) flushSegment(mt *MemTable, wal *WAL) {
	defer mt.StopStats()

	if mt.Len() == 0 {
		if err := removeSegment(wal); err != nil {
			log.Printf("WAL segment cleanup error: %v", err)
		}
		return
	}

	if err := s.writeSnapshot(mt); err != nil {
		log.Printf("Background flush error (WAL segment retained): %v", err)
		wal.Close()
		return
	}

	if err := removeSegment(wal); err != nil {
		log.Printf("WAL segment cleanup error: %v", err)
	}
}

func removeSegment(wal *WAL) error {
	if err := wal.Close(); err != nil {
		return err
	}
	return os.Remove(wal.path)
}

// writeSnapshot persists a MemTable as a snapshot file and folds its
// counters into the global stats.
func (s *Store) writeSnapshot(mt *MemTable) error {
	minTs := mt.MinTimestamp()
	maxTs := mt.MaxTimestamp()
	filename := fmt.Sprintf("log_%d_%d%s", minTs, maxTs, SnapshotExt)
	path := filepath.Join(s.dataDir, filename)

	if err := s.writerFunc(path, mt); err != nil {
		return fmt.Errorf("write snapshot %s: %w", filename, err)
	}

	memStats := mt.Stats()

	s.statsLock.Lock()
	s.globalStats.TotalLogs += int64(memStats.RowCount)
	s.globalStats.TotalBytes += memStats.Bytes
	for k, v := range memStats.LevelCounts {
		s.globalStats.LevelCounts[k] += v
	}
	for k, v := range memStats.ServiceCounts {
		s.globalStats.ServiceCounts[k] += v
	}
	snapshot := s.globalStats
	s.statsLock.Unlock()

	if err := savePersistentStats(s.dataDir, snapshot); err != nil {
		log.Printf("Stats persist error: %v", err)
	}

	log.Printf("Flushed to disk: %s (%d rows)", filename, memStats.RowCount)
	return nil
}

// Query returns up to limit entries matching the filter, sorted by
// timestamp ascending with id as tie-break. Offset skips entries of
// the sorted set before the limit applies. The export path reuses
// this method so queries and exports always agree.
func (s *Store) Query(filter Filter, limit, offset int) ([]model.LogEntry, error) {
	node, err := ParseQuery(filter.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid query syntax: %w", err)
	}

	entries, err := s.scan(filter, node)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].ID < entries[j].ID
	})

	if offset > 0 {
		if offset >= len(entries) {
			return nil, nil
		}
		entries = entries[offset:]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// scan collects all matching entries from memory and snapshot files.
func (s *Store) scan(filter Filter, node lql.Node) ([]model.LogEntry, error) {
	s.mu.RLock()
	mt := s.mt
	s.mu.RUnlock()

	result := mt.Search(filter, node)

	files, err := s.findSnapshotFiles()
	if err != nil {
		return result, err
	}

	for _, file := range files {
		// File pruning: timestamps are embedded in the filename
		minTs, maxTs, err := parseTsFromFilename(file)
		if err == nil {
			if filter.MinTime > 0 && maxTs < filter.MinTime {
				continue
			}
			if filter.MaxTime > 0 && minTs > filter.MaxTime {
				continue
			}
		}

		rows, err := s.readerFunc(file, filter)
		if err != nil {
			log.Printf("Snapshot read error (%s): %v", filepath.Base(file), err)
			continue
		}

		if node != nil {
			filtered := rows[:0]
			for i := range rows {
				if MatchEntry(node, &rows[i]) {
					filtered = append(filtered, rows[i])
				}
			}
			rows = filtered
		}

		result = append(result, rows...)
	}

	return result, nil
}

// Close flushes pending data and releases the current WAL segment.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.RLock()
	wal, mt := s.wal, s.mt
	s.mu.RUnlock()
	mt.StopStats()
	return wal.Close()
}

// findSnapshotFiles returns all snapshot files in the data directory.
func (s *Store) findSnapshotFiles() ([]string, error) {
	var files []string

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), SnapshotExt) {
			files = append(files, filepath.Join(s.dataDir, entry.Name()))
		}
	}

	return files, nil
}

// parseTsFromFilename extracts min and max timestamps from a snapshot
// filename of the form log_{minTs}_{maxTs}.hive.
func parseTsFromFilename(filename string) (int64, int64, error) {
	base := filepath.Base(filename)
	if !strings.HasPrefix(base, "log_") || !strings.HasSuffix(base, SnapshotExt) {
		return 0, 0, fmt.Errorf("invalid format")
	}
	content := strings.TrimSuffix(strings.TrimPrefix(base, "log_"), SnapshotExt)
	parts := strings.Split(content, "_")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid parts")
	}
	minTs, err1 := strconv.ParseInt(parts[0], 10, 64)
	maxTs, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("invalid timestamps")
	}
	return minTs, maxTs, nil
}
