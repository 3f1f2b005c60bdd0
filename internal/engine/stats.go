package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// PersistentStats holds cumulative statistics that survive restarts.
type PersistentStats struct {
	TotalLogs     int64            `json:"total_logs"`
	TotalBytes    int64            `json:"total_bytes"`
	LevelCounts   map[string]int64 `json:"level_counts"`   // Level name -> count
	ServiceCounts map[string]int64 `json:"service_counts"` // Service name -> count
}

// SystemStats contains high-level system metrics for the API response.
type SystemStats struct {
	IngestionRate float64          `json:"ingestion_rate"` // entries/sec
	TotalLogs     int64            `json:"total_logs"`
	DiskUsage     int64            `json:"disk_usage"` // bytes
	LevelDist     map[string]int64 `json:"level_dist"`
	TopServices   map[string]int64 `json:"top_services"`
}

const statsFileName = ".loghive.stats"

// loadPersistentStats reads stats from disk. Missing or corrupted
// files yield empty stats.
func loadPersistentStats(dataDir string) PersistentStats {
	stats := PersistentStats{
		LevelCounts:   make(map[string]int64),
		ServiceCounts: make(map[string]int64),
	}

	path := filepath.Join(dataDir, statsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return stats
	}

	if err := json.Unmarshal(data, &stats); err != nil {
		return stats
	}

	if stats.LevelCounts == nil {
		stats.LevelCounts = make(map[string]int64)
	}
	if stats.ServiceCounts == nil {
		stats.ServiceCounts = make(map[string]int64)
	}

	return stats
}

// savePersistentStats writes stats to disk atomically.
func savePersistentStats(dataDir string, stats PersistentStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, statsFileName)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// GetStats merges on-disk and in-memory counters into a single view.
func (s *Store) GetStats() SystemStats {
	s.mu.RLock()
	mt := s.mt
	s.mu.RUnlock()
	memStats := mt.Stats()

	stats := SystemStats{
		IngestionRate: mt.GetIngestionRate(),
		LevelDist:     make(map[string]int64),
		TopServices:   make(map[string]int64),
	}

	// The global maps are mutated by writeSnapshot under the same
	// lock, so the merge reads them while holding it.
	s.statsLock.RLock()
	stats.TotalLogs = s.globalStats.TotalLogs + int64(memStats.RowCount)
	for lvl, count := range s.globalStats.LevelCounts {
		stats.LevelDist[lvl] += count
	}
	for svc, count := range s.globalStats.ServiceCounts {
		stats.TopServices[svc] += count
	}
	s.statsLock.RUnlock()

	for lvl, count := range memStats.LevelCounts {
		stats.LevelDist[lvl] += count
	}
	for svc, count := range memStats.ServiceCounts {
		stats.TopServices[svc] += count
	}

	var size int64
	_ = filepath.Walk(s.dataDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	stats.DiskUsage = size

	return stats
}
