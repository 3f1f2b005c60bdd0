package registry

import (
	"context"
	"sync"
	"time"
)

// Source represents a reporting service as seen by the ingest path or
// an explicit client handshake.
type Source struct {
	Service      string `json:"service"`
	InstanceID   string `json:"instance_id,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IP           string `json:"ip,omitempty"`
	ClientInfo   string `json:"client_info,omitempty"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeenAt   int64  `json:"last_seen_at"`
	EntryCount   int64  `json:"entry_count"`
}

// Store tracks reporting sources keyed by service name.
type Store struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewStore creates a new source registry.
func NewStore() *Store {
	return &Store{
		sources: make(map[string]*Source),
	}
}

// Touch records that an entry arrived from the given service.
func (s *Store) Touch(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	src, ok := s.sources[service]
	if !ok {
		src = &Source{Service: service, RegisteredAt: now}
		s.sources[service] = src
	}
	src.LastSeenAt = now
	src.EntryCount++
}

// RegisterOrUpdate records an explicit client handshake, preserving
// the original registration time and entry counter.
func (s *Store) RegisterOrUpdate(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if existing, ok := s.sources[src.Service]; ok {
		src.RegisteredAt = existing.RegisteredAt
		src.EntryCount = existing.EntryCount
	} else if src.RegisteredAt == 0 {
		src.RegisteredAt = now
	}
	src.LastSeenAt = now
	s.sources[src.Service] = &src
}

// GetSource retrieves a source by service name.
func (s *Store) GetSource(service string) (*Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[service]
	if !ok {
		return nil, false
	}
	val := *src
	return &val, true
}

// ListSources returns all registered sources.
func (s *Store) ListSources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		list = append(list, *src)
	}
	return list
}

// PruneStale removes sources that haven't reported for a duration.
func (s *Store) PruneStale(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	count := 0
	timeoutSec := int64(timeout.Seconds())

	for service, src := range s.sources {
		if now-src.LastSeenAt > timeoutSec {
			delete(s.sources, service)
			count++
		}
	}
	return count
}

// StartCleanupLoop starts a background goroutine to prune stale sources.
func (s *Store) StartCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.PruneStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}
