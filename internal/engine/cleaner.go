package engine

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunCleaner periodically scans the data directory and removes
// snapshot files whose newest entry is past the retention window.
// It stops when the context is cancelled.
func (s *Store) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Cleaner started. Retention: %v, Interval: %v", s.Retention, interval)

	for {
		select {
		case <-ticker.C:
			if s.Retention <= 0 {
				continue
			}
			s.purgeExpiredFiles()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) purgeExpiredFiles() {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("Cleaner error: failed to read data dir: %v", err)
		return
	}

	threshold := time.Now().Add(-s.Retention).UnixNano()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SnapshotExt) {
			continue
		}

		_, maxTs, err := parseTsFromFilename(entry.Name())
		if err != nil {
			continue // Skip files with unexpected names
		}

		if maxTs < threshold {
			path := filepath.Join(s.dataDir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("Cleaner error: failed to delete %s: %v", entry.Name(), err)
			} else {
				log.Printf("Expired snapshot deleted: %s", entry.Name())
			}
		}
	}
}
