package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loghive/loghive/internal/engine"
	"github.com/loghive/loghive/internal/export"
	"github.com/loghive/loghive/internal/meta"
	"github.com/loghive/loghive/internal/model"
	"github.com/loghive/loghive/internal/registry"
	"github.com/valyala/fastjson"
	"golang.org/x/crypto/bcrypt"
)

// UserSession represents a logged-in admin session.
type UserSession struct {
	Token      string
	Username   string
	ExpireTime time.Time
}

// IngestServer exposes the ingestion, query and export API.
type IngestServer struct {
	store       *engine.Store
	metaStore   *meta.Store
	registry    *registry.Store
	registrySrv *registry.Server
	sessions    map[string]UserSession
	sessionsMu  sync.RWMutex
	srv         *http.Server
	parser      fastjson.ParserPool
}

func NewIngestServer(store *engine.Store, ms *meta.Store, reg *registry.Store) *IngestServer {
	return &IngestServer{
		store:       store,
		metaStore:   ms,
		registry:    reg,
		registrySrv: registry.NewServer(reg),
		sessions:    make(map[string]UserSession),
	}
}

// Handler builds the route table. Exposed separately so tests can
// drive the mux without binding a listener.
func (s *IngestServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)
	mux.HandleFunc("/api/system/init", s.handleSystemInit)

	// Core API (protected)
	mux.Handle("/logs", s.AuthMiddleware(http.HandlerFunc(s.handleLogs)))
	mux.Handle("/logs/export", s.AuthMiddleware(http.HandlerFunc(s.handleExport)))
	mux.Handle("/api/stats", s.AuthMiddleware(http.HandlerFunc(s.handleStats)))
	mux.Handle("/api/histogram", s.AuthMiddleware(http.HandlerFunc(s.handleHistogram)))

	// Token management (protected)
	mux.Handle("/api/tokens", s.AuthMiddleware(http.HandlerFunc(s.handleTokens)))
	mux.Handle("/api/tokens/", s.AuthMiddleware(http.HandlerFunc(s.handleTokenItem)))

	// Source registry (protected)
	mux.Handle("/api/registry/handshake", s.AuthMiddleware(http.HandlerFunc(s.registrySrv.HandleHandshake)))
	mux.Handle("/api/registry/sources", s.AuthMiddleware(http.HandlerFunc(s.registrySrv.HandleListSources)))

	return mux
}

// Start runs the HTTP server.
func (s *IngestServer) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *IngestServer) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// AuthMiddleware checks for a valid token in the Authorization header.
func (s *IngestServer) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="LogHive"`)
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		// Branch A: client / API key
		if _, exists := s.metaStore.GetTokenByValue(token); exists {
			next.ServeHTTP(w, r)
			return
		}

		// Branch B: admin session
		s.sessionsMu.RLock()
		session, exists := s.sessions[token]
		s.sessionsMu.RUnlock()

		if exists {
			if time.Now().Before(session.ExpireTime) {
				if _, ok := s.metaStore.GetUser(session.Username); !ok {
					http.Error(w, "User no longer exists", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			s.sessionsMu.Lock()
			delete(s.sessions, token)
			s.sessionsMu.Unlock()
		}

		w.Header().Set("WWW-Authenticate", `Bearer realm="LogHive"`)
		http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
	})
}

func (s *IngestServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSystemStatus returns the system initialization status.
func (s *IngestServer) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]bool{
		"initialized": s.metaStore.IsInitialized(),
	})
}

// handleSystemInit initializes the system with the first admin.
func (s *IngestServer) handleSystemInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.metaStore.IsInitialized() {
		http.Error(w, "System already initialized", http.StatusBadRequest)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "Username and password required", http.StatusBadRequest)
		return
	}

	if err := s.metaStore.InitializeSystem(req.Username, req.Password); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.createSession(w, req.Username, "admin")
}

func (s *IngestServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, exists := s.metaStore.GetUser(req.Username)
	if !exists {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid username or password", http.StatusUnauthorized)
		return
	}

	s.createSession(w, req.Username, user.Role)
}

func (s *IngestServer) createSession(w http.ResponseWriter, username, role string) {
	b := make([]byte, 16)
	rand.Read(b)
	sessionToken := hex.EncodeToString(b)

	s.sessionsMu.Lock()
	s.sessions[sessionToken] = UserSession{
		Token:      sessionToken,
		Username:   username,
		ExpireTime: time.Now().Add(24 * time.Hour),
	}
	s.sessionsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":    sessionToken,
		"username": username,
		"role":     role,
	})
}

func (s *IngestServer) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data := s.metaStore.GetData()
		json.NewEncoder(w).Encode(data.Tokens)

	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		b := make([]byte, 16)
		rand.Read(b)
		tokenVal := "lh-" + hex.EncodeToString(b)

		idBytes := make([]byte, 8)
		rand.Read(idBytes)
		id := hex.EncodeToString(idBytes)

		authHeader := r.Header.Get("Authorization")
		sessionToken := strings.TrimPrefix(authHeader, "Bearer ")
		s.sessionsMu.RLock()
		session := s.sessions[sessionToken]
		s.sessionsMu.RUnlock()

		err := s.metaStore.AddToken(meta.APIToken{
			ID:        id,
			Name:      req.Name,
			Token:     tokenVal,
			Type:      req.Type,
			CreatedBy: session.Username,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": tokenVal, "id": id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *IngestServer) handleTokenItem(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	id := parts[len(parts)-1]

	if r.Method == http.MethodDelete {
		if err := s.metaStore.DeleteToken(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleLogs dispatches POST (ingest) and GET (query) on /logs.
func (s *IngestServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleQuery(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// submission is a caller-supplied record before the server assigns
// id and timestamp.
type submission struct {
	Level   string
	Service string
	Message string
	Context map[string]any
}

// handleIngest processes POST /logs with a single JSON object or an
// array batch. The whole payload is validated before anything is
// written: one bad record rejects the batch and nothing is stored.
func (s *IngestServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var subs []submission
	batch := v.Type() == fastjson.TypeArray

	if batch {
		arr, _ := v.Array()
		for i, val := range arr {
			sub, err := parseSubmission(val)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("record %d: %v", i, err))
				return
			}
			subs = append(subs, sub)
		}
	} else {
		sub, err := parseSubmission(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		subs = append(subs, sub)
	}

	stored := make([]model.LogEntry, 0, len(subs))
	for _, sub := range subs {
		entry, err := s.store.Append(sub.Level, sub.Service, sub.Message, sub.Context)
		if err != nil {
			log.Printf("Ingest append error: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("storage failure: %v", err))
			return
		}
		s.registry.Touch(entry.Service)
		stored = append(stored, entry)
	}

	// One fsync per request regardless of batch size
	if err := s.store.SyncWAL(); err != nil {
		log.Printf("WAL sync error: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("storage failure: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if batch {
		json.NewEncoder(w).Encode(stored)
	} else {
		json.NewEncoder(w).Encode(stored[0])
	}
}

// parseSubmission validates a single record from the request body.
// Caller-supplied id/timestamp fields are ignored; the server assigns
// both at write time.
func parseSubmission(v *fastjson.Value) (submission, error) {
	if v.Type() != fastjson.TypeObject {
		return submission{}, fmt.Errorf("expected a JSON object")
	}

	sub := submission{
		Level:   string(v.GetStringBytes("level")),
		Service: string(v.GetStringBytes("source_service")),
		Message: string(v.GetStringBytes("message")),
	}
	if sub.Service == "" {
		sub.Service = string(v.GetStringBytes("service"))
	}

	if sub.Level == "" {
		return submission{}, fmt.Errorf("level is required")
	}
	if _, err := model.EncodeLevel(sub.Level); err != nil {
		return submission{}, err
	}
	if sub.Service == "" {
		return submission{}, fmt.Errorf("source_service is required")
	}
	if sub.Message == "" {
		return submission{}, fmt.Errorf("message is required")
	}

	if ctxVal := v.Get("context"); ctxVal != nil && ctxVal.Type() != fastjson.TypeNull {
		if ctxVal.Type() != fastjson.TypeObject {
			return submission{}, fmt.Errorf("context must be an object")
		}
		ctx, err := fastjsonToMap(ctxVal)
		if err != nil {
			return submission{}, err
		}
		sub.Context = ctx
	}

	return sub, nil
}

// fastjsonToMap converts a fastjson object into a generic map.
func fastjsonToMap(v *fastjson.Value) (map[string]any, error) {
	obj, err := v.Object()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		m[string(key)] = fastjsonToAny(val)
	})
	return m, nil
}

func fastjsonToAny(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeArray:
		arr, _ := v.Array()
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			out = append(out, fastjsonToAny(item))
		}
		return out
	case fastjson.TypeObject:
		m, _ := fastjsonToMap(v)
		return m
	default:
		return nil
	}
}

// parseFilter extracts query/export filter parameters. Invalid values
// are rejected rather than silently ignored.
func parseFilter(r *http.Request) (engine.Filter, int, int, error) {
	q := r.URL.Query()
	filter := engine.Filter{}

	if levelStr := q.Get("level"); levelStr != "" {
		lvl, err := model.EncodeLevel(levelStr)
		if err != nil {
			return filter, 0, 0, err
		}
		filter.Level = lvl
	}

	filter.Service = q.Get("source_service")
	if filter.Service == "" {
		filter.Service = q.Get("service")
	}
	filter.Query = q.Get("q")

	var err error
	if filter.MinTime, err = parseTime(q.Get("start_time")); err != nil {
		return filter, 0, 0, fmt.Errorf("start_time: %w", err)
	}
	if filter.MaxTime, err = parseTime(q.Get("end_time")); err != nil {
		return filter, 0, 0, fmt.Errorf("end_time: %w", err)
	}

	limit := 1000
	if limitStr := q.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			return filter, 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		limit = parsed
	}

	offset := 0
	if offsetStr := q.Get("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil || parsed < 0 {
			return filter, 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = parsed
	}

	return filter, limit, offset, nil
}

// parseTime accepts RFC3339 or a raw UnixNano integer.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UnixNano(), nil
	}
	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		return val, nil
	}
	return 0, fmt.Errorf("expected RFC3339 or UnixNano integer, got %q", s)
}

// handleQuery processes GET /logs requests.
func (s *IngestServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, limit, offset, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if _, err := engine.ParseQuery(filter.Query); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid query syntax: %v", err))
		return
	}

	entries, err := s.store.Query(filter, limit, offset)
	if err != nil {
		log.Printf("Query error: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
		return
	}

	if entries == nil {
		entries = []model.LogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

// handleExport processes GET /logs/export requests. It runs the exact
// query path and serializes the result, so the exported document
// always matches what the query endpoint would return.
func (s *IngestServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, limit, offset, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if _, err := engine.ParseQuery(filter.Query); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid query syntax: %v", err))
		return
	}

	entries, err := s.store.Query(filter, limit, offset)
	if err != nil {
		log.Printf("Export query error: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("export failed: %v", err))
		return
	}

	filename := fmt.Sprintf("logs_export_%d.csv", time.Now().Unix())
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := export.WriteCSV(w, entries); err != nil {
		log.Printf("CSV write error: %v", err)
	}
}

// handleStats calculates system statistics.
func (s *IngestServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.store.GetStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

func (s *IngestServer) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, _, _, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Defaults: last hour in one-minute buckets
	end := time.Now().UnixNano()
	start := end - time.Hour.Nanoseconds()
	interval := time.Minute.Nanoseconds()

	if filter.MinTime > 0 {
		start = filter.MinTime
	}
	if filter.MaxTime > 0 {
		end = filter.MaxTime
	}
	if intervalStr := r.URL.Query().Get("interval"); intervalStr != "" {
		val, err := strconv.ParseInt(intervalStr, 10, 64)
		if err != nil || val <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "interval must be a positive number of seconds")
			return
		}
		interval = val * int64(time.Second)
	}

	points, err := s.store.ComputeHistogram(start, end, interval, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(points); err != nil {
		log.Printf("JSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
