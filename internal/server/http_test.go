package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loghive/loghive/internal/engine"
	"github.com/loghive/loghive/internal/meta"
	"github.com/loghive/loghive/internal/model"
	"github.com/loghive/loghive/internal/pkg/security"
	"github.com/loghive/loghive/internal/registry"
	"github.com/loghive/loghive/internal/storage"
)

const testToken = "lh-test-token"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	if _, err := security.InitMasterKey(filepath.Join(dir, "master.key")); err != nil {
		t.Fatalf("init master key: %v", err)
	}

	metaStore := meta.NewStore(filepath.Join(dir, "meta.db"))
	if err := metaStore.AddToken(meta.APIToken{ID: "t1", Name: "test", Token: testToken, Type: "write"}); err != nil {
		t.Fatalf("add token: %v", err)
	}

	reader, err := storage.NewColumnReader()
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	writer, err := storage.NewColumnWriter()
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	store, err := engine.Open(filepath.Join(dir, "data"), reader.ReadSnapshot, writer.WriteSnapshot, 24*time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewIngestServer(store, metaStore, registry.NewStore())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, rawURL, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestIngestAndQuery(t *testing.T) {
	ts := newTestServer(t)

	body := `{"level":"error","source_service":"billing","message":"charge failed","context":{"order_id":"o-1","retries":2}}`
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status = %d, body: %s", resp.StatusCode, data)
	}

	var stored model.LogEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode stored entry: %v", err)
	}
	if stored.ID == "" || stored.Timestamp == 0 {
		t.Errorf("server must assign id and timestamp: %+v", stored)
	}
	if stored.Level != "ERROR" {
		t.Errorf("level should be canonicalized, got %q", stored.Level)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/logs?source_service=billing", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d, body: %s", resp.StatusCode, data)
	}

	var entries []model.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode query result: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != stored.ID || got.Timestamp != stored.Timestamp ||
		got.Level != "ERROR" || got.Service != "billing" || got.Message != "charge failed" {
		t.Errorf("retrieved entry differs from stored: %+v vs %+v", got, stored)
	}
	if got.Context["order_id"] != "o-1" || got.Context["retries"] != 2.0 {
		t.Errorf("context round trip failed: %+v", got.Context)
	}
}

func TestIngestInvalidLevel(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs",
		`{"level":"CRITICAL","source_service":"api","message":"boom"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/logs", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var entries []model.LogEntry
	json.Unmarshal(data, &entries)
	if len(entries) != 0 {
		t.Errorf("rejected entry must never appear in queries: %+v", entries)
	}
}

func TestIngestValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing message", `{"level":"INFO","source_service":"api"}`},
		{"missing service", `{"level":"INFO","message":"x"}`},
		{"missing level", `{"source_service":"api","message":"x"}`},
		{"context not object", `{"level":"INFO","source_service":"api","message":"x","context":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs", tt.body)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422, body: %s", resp.StatusCode, data)
			}
		})
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/logs", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON: status = %d, want 400", resp.StatusCode)
	}
}

func TestIngestBatchAllOrNothing(t *testing.T) {
	ts := newTestServer(t)

	good := `[{"level":"INFO","source_service":"api","message":"one"},
	          {"level":"WARNING","source_service":"api","message":"two"}]`
	resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs", good)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch status = %d, body: %s", resp.StatusCode, data)
	}
	var stored []model.LogEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d entries, want 2", len(stored))
	}

	bad := `[{"level":"INFO","source_service":"api","message":"three"},
	         {"level":"BOGUS","source_service":"api","message":"four"}]`
	resp, data = doJSON(t, http.MethodPost, ts.URL+"/logs", bad)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad batch status = %d, body: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/logs", "")
	var entries []model.LogEntry
	json.Unmarshal(data, &entries)
	if len(entries) != 2 {
		t.Errorf("a rejected batch must store nothing, got %d entries", len(entries))
	}
}

func TestQueryFilters(t *testing.T) {
	ts := newTestServer(t)

	ingest := func(level, service, message string) {
		body := fmt.Sprintf(`{"level":%q,"source_service":%q,"message":%q}`, level, service, message)
		resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ingest failed: %s", data)
		}
	}

	ingest("INFO", "api", "request ok")
	ingest("ERROR", "api", "request failed")
	ingest("ERROR", "billing", "charge timeout")
	ingest("DEBUG", "billing", "charge retried")

	query := func(params string) []model.LogEntry {
		resp, data := doJSON(t, http.MethodGet, ts.URL+"/logs?"+params, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("query %q status = %d, body: %s", params, resp.StatusCode, data)
		}
		var entries []model.LogEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return entries
	}

	if got := query("level=ERROR"); len(got) != 2 {
		t.Errorf("level filter: got %d entries, want 2", len(got))
	}
	if got := query("level=error"); len(got) != 2 {
		t.Errorf("level filter must be case-insensitive, got %d", len(got))
	}
	if got := query("source_service=billing"); len(got) != 2 {
		t.Errorf("service filter: got %d entries, want 2", len(got))
	}
	if got := query("level=ERROR&source_service=api"); len(got) != 1 {
		t.Errorf("combined filter: got %d entries, want 1", len(got))
	}
	if got := query("limit=3"); len(got) != 3 {
		t.Errorf("limit: got %d entries, want 3", len(got))
	}
	full := query("")
	if got := query("limit=2&offset=1"); len(got) != 2 ||
		got[0].ID != full[1].ID || got[1].ID != full[2].ID {
		t.Errorf("offset pagination: got %+v", got)
	}
	if got := query("offset=10"); len(got) != 0 {
		t.Errorf("offset past the end: got %d entries, want 0", len(got))
	}
	if got := query("q=" + url.QueryEscape(`"timeout"`)); len(got) != 1 {
		t.Errorf("full-text query: got %d entries, want 1", len(got))
	}

	all := query("")
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp < all[i-1].Timestamp {
			t.Fatal("results not in ascending timestamp order")
		}
	}

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	if got := query("start_time=" + url.QueryEscape(future)); len(got) != 0 {
		t.Errorf("future range should be empty, got %d", len(got))
	}

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/logs?level=CRITICAL", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid level filter: status = %d, want 422", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/logs?start_time=notatime", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid start_time: status = %d, want 422", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/logs?q="+url.QueryEscape("level:(("), "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid LQL: status = %d, want 422", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/logs?offset=-1", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("negative offset: status = %d, want 422", resp.StatusCode)
	}
}

func TestExportMatchesQuery(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"level":"INFO","source_service":"api","message":"msg %d"}`, i)
		resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs", body)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ingest failed: %s", data)
		}
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/logs?source_service=api", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	var entries []model.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/logs/export?source_service=api", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, body: %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse CSV: %v", err)
	}
	if len(records) != len(entries)+1 {
		t.Fatalf("CSV has %d rows, query returned %d entries", len(records)-1, len(entries))
	}
	for i, e := range entries {
		row := records[i+1]
		if row[0] != e.ID || row[3] != e.Service || row[4] != e.Message {
			t.Errorf("CSV row %d diverges from query result: %v vs %+v", i, row, e)
		}
	}
}

func TestHealthzIsPublic(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/logs", nil)
	req.Header.Set("Authorization", "Bearer lh-wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestSystemInitAndLogin(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/system/status", "")
	var status map[string]bool
	json.Unmarshal(data, &status)
	if status["initialized"] {
		t.Fatal("fresh system must not be initialized")
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/system/init",
		`{"username":"admin","password":"hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init status = %d, body: %s", resp.StatusCode, data)
	}
	var session map[string]any
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session["token"] == "" {
		t.Error("init should return a session token")
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/system/init",
		`{"username":"other","password":"pw"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("double init: status = %d, want 400", resp.StatusCode)
	}

	resp, data = doJSON(t, http.MethodPost, ts.URL+"/api/login",
		`{"username":"admin","password":"hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body: %s", resp.StatusCode, data)
	}
	json.Unmarshal(data, &session)
	sessionToken, _ := session["token"].(string)
	if sessionToken == "" {
		t.Fatal("login should return a session token")
	}

	// Session token works on protected routes
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/logs", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Errorf("session token rejected: status = %d", r2.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/login",
		`{"username":"admin","password":"wrong"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", resp.StatusCode)
	}
}

func TestStatsAndHistogram(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 4; i++ {
		resp, data := doJSON(t, http.MethodPost, ts.URL+"/logs",
			`{"level":"INFO","source_service":"api","message":"tick"}`)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("ingest failed: %s", data)
		}
	}

	resp, data := doJSON(t, http.MethodGet, ts.URL+"/api/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats engine.SystemStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalLogs != 4 {
		t.Errorf("TotalLogs = %d, want 4", stats.TotalLogs)
	}
	if stats.LevelDist["INFO"] != 4 {
		t.Errorf("LevelDist = %+v", stats.LevelDist)
	}

	resp, data = doJSON(t, http.MethodGet, ts.URL+"/api/histogram?interval=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("histogram status = %d, body: %s", resp.StatusCode, data)
	}
	var points []engine.HistogramPoint
	if err := json.Unmarshal(data, &points); err != nil {
		t.Fatalf("decode histogram: %v", err)
	}
	total := 0
	for _, p := range points {
		total += p.Count
	}
	if total != 4 {
		t.Errorf("histogram counted %d, want 4", total)
	}
}

func TestTokenManagement(t *testing.T) {
	ts := newTestServer(t)

	resp, data := doJSON(t, http.MethodPost, ts.URL+"/api/tokens",
		`{"name":"ci-pipeline","type":"write"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create token status = %d, body: %s", resp.StatusCode, data)
	}
	var created map[string]string
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created["token"], "lh-") {
		t.Errorf("token %q should carry the lh- prefix", created["token"])
	}

	// The new token authenticates requests
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/logs", nil)
	req.Header.Set("Authorization", "Bearer "+created["token"])
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Errorf("new token rejected: status = %d", r2.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/tokens/"+created["id"], "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete token status = %d, want 204", resp.StatusCode)
	}

	r3, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	r3.Body.Close()
	if r3.StatusCode != http.StatusUnauthorized {
		t.Errorf("deleted token still works: status = %d", r3.StatusCode)
	}
}
