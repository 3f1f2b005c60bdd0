package engine

import (
	"fmt"
	"sort"
)

// HistogramPoint is one time bucket of the ingestion histogram.
type HistogramPoint struct {
	Time  int64 `json:"time"`
	Count int   `json:"count"`
}

// ComputeHistogram aggregates entry counts over time buckets of the
// given interval (in nanoseconds), honoring the same filters as Query.
func (s *Store) ComputeHistogram(start, end, interval int64, filter Filter) ([]HistogramPoint, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("histogram interval must be positive")
	}

	node, err := ParseQuery(filter.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid query syntax: %w", err)
	}

	filter.MinTime = start
	filter.MaxTime = end

	entries, err := s.scan(filter, node)
	if err != nil {
		return nil, err
	}

	buckets := make(map[int64]int)
	for i := range entries {
		bucket := (entries[i].Timestamp / interval) * interval
		buckets[bucket]++
	}

	points := make([]HistogramPoint, 0, len(buckets))
	for t, c := range buckets {
		points = append(points, HistogramPoint{Time: t, Count: c})
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Time < points[j].Time
	})

	return points, nil
}
