package registry

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Server handles registry-related HTTP requests.
type Server struct {
	store *Store
}

// NewServer creates a new registry server.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
	}
}

// HandleHandshake handles client registration and heartbeat requests.
// POST /api/registry/handshake
func (s *Server) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var src Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if src.Service == "" {
		http.Error(w, "service is required", http.StatusBadRequest)
		return
	}

	if src.IP == "" {
		src.IP = r.RemoteAddr
		// Strip port if present
		if idx := strings.LastIndex(src.IP, ":"); idx != -1 {
			src.IP = src.IP[:idx]
		}
	}

	s.store.RegisterOrUpdate(src)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
}

// HandleListSources returns the known reporting sources.
// GET /api/registry/sources
func (s *Server) HandleListSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sources := s.store.ListSources()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sources)
}
