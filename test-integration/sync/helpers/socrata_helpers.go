package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// DatasetID is the dataset served by the fake Socrata endpoint
const DatasetID = "vw6y-z8j6"

// FakeSocrata serves a fixed set of rows from /resource/{DatasetID}.json,
// paged by $limit and $offset
type FakeSocrata struct {
	server *httptest.Server

	mu       sync.Mutex
	rows     []map[string]any
	failures int
	requests []FakeRequest
}

// FakeRequest is one SODA query received by the fake
type FakeRequest struct {
	Where  string
	Order  string
	Limit  int
	Offset int
	Token  string
}

// NewFakeSocrata starts a fake endpoint serving rows
func NewFakeSocrata(rows []map[string]any) *FakeSocrata {
	f := &FakeSocrata{rows: rows}
	mux := http.NewServeMux()
	mux.HandleFunc("/resource/"+DatasetID+".json", f.handle)
	f.server = httptest.NewServer(mux)
	f.server.Config.SetKeepAlivesEnabled(false)
	return f
}

// URL is the endpoint root to use as the client base URL
func (f *FakeSocrata) URL() string {
	return f.server.URL
}

// Close stops the fake endpoint
func (f *FakeSocrata) Close() {
	f.server.Close()
}

// FailNext makes the next n requests answer 503
func (f *FakeSocrata) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// SetRows replaces the served rows
func (f *FakeSocrata) SetRows(rows []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
}

// Requests returns a copy of the queries received so far
func (f *FakeSocrata) Requests() []FakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeRequest(nil), f.requests...)
}

func (f *FakeSocrata) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("$limit"))
	offset, _ := strconv.Atoi(q.Get("$offset"))

	f.mu.Lock()
	f.requests = append(f.requests, FakeRequest{
		Where:  q.Get("$where"),
		Order:  q.Get("$order"),
		Limit:  limit,
		Offset: offset,
		Token:  r.Header.Get("X-App-Token"),
	})
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		http.Error(w, `{"error":true,"message":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	page := pageOf(f.rows, limit, offset)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func pageOf(rows []map[string]any, limit, offset int) []map[string]any {
	if offset >= len(rows) {
		return []map[string]any{}
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return rows[offset:end]
}

// GenerateRows builds n rows with sequential ids, one per hour from the
// given day at 08:00
func GenerateRows(n int, day string) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]any{
			"service_request_id": strconv.Itoa(1000 + i),
			"requested_datetime": fmt.Sprintf("%sT%02d:00:00.000", day, 8+i%12),
			"updated_datetime":   fmt.Sprintf("%sT%02d:30:00.000", day, 8+i%12),
			"status_description": "Open",
			"service_name":       "Street and Sidewalk Cleaning",
			"lat":                "37.7749",
			"long":               "-122.4194",
		})
	}
	return rows
}
