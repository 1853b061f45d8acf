// Package testutil provides shared test doubles for the ingest pipeline:
// a mock Yotpo Core API and a mock Treasure Data import endpoint.
package testutil

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MockYotpo is a configurable mock of the Yotpo Core API v3: the
// access-token handshake plus the cursor-paginated customers endpoint.
type MockYotpo struct {
	server  *httptest.Server
	storeID string
	secret  string
	token   string

	mu       sync.RWMutex
	pages    [][]string // page index -> customer JSON objects
	failures []int      // status codes served (once each) before real handling
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount int
	TokenCount   int
	PageCount    int
	LastToken    string
}

// NewMockYotpo creates a mock server for the given store credentials. The
// issued access token is "mock-access-token".
func NewMockYotpo(storeID, secret string) *MockYotpo {
	mock := &MockYotpo{
		storeID:  storeID,
		secret:   secret,
		token:    "mock-access-token",
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()
		if exists {
			handler(w, r)
			return
		}

		switch {
		case r.URL.Path == "/stores/"+storeID+"/access_tokens" && r.Method == http.MethodPost:
			mock.handleToken(w, r)
		case r.URL.Path == "/stores/"+storeID+"/customers" && r.Method == http.MethodGet:
			mock.handleCustomers(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"message":"no route for %s"}`, r.URL.Path)
		}
	}))

	return mock
}

// URL returns the mock server base URL.
func (m *MockYotpo) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockYotpo) Close() {
	m.server.Close()
}

// Token returns the access token the mock issues.
func (m *MockYotpo) Token() string {
	return m.token
}

// Seed splits the given customer JSON objects into pages of pageSize,
// replacing any previous fixture.
func (m *MockYotpo) Seed(customers []string, pageSize int) {
	if pageSize <= 0 {
		pageSize = len(customers)
	}
	var pages [][]string
	for start := 0; start < len(customers); start += pageSize {
		end := start + pageSize
		if end > len(customers) {
			end = len(customers)
		}
		pages = append(pages, customers[start:end])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// QueueFailure makes the next customers request return the given status
// (once) before normal handling resumes. Queue several for consecutive
// failures.
func (m *MockYotpo) QueueFailure(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, status)
}

// SetHandler overrides handling for a specific path.
func (m *MockYotpo) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// GetRequestCount returns the total number of requests served.
func (m *MockYotpo) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetTokenCount returns the number of access-token handshakes served.
func (m *MockYotpo) GetTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TokenCount
}

// GetPageCount returns the number of customers requests served.
func (m *MockYotpo) GetPageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PageCount
}

// GetLastToken returns the X-Yotpo-Token header of the last customers request.
func (m *MockYotpo) GetLastToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastToken
}

func (m *MockYotpo) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenCount++
	m.mu.Unlock()

	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret != m.secret {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid secret"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":%q}`, m.token)
}

func (m *MockYotpo) handleCustomers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.PageCount++
	m.LastToken = r.Header.Get("X-Yotpo-Token")
	var failStatus int
	if len(m.failures) > 0 {
		failStatus = m.failures[0]
		m.failures = m.failures[1:]
	}
	pages := m.pages
	m.mu.Unlock()

	if failStatus != 0 {
		w.WriteHeader(failStatus)
		fmt.Fprint(w, `{"message":"injected failure"}`)
		return
	}

	if r.Header.Get("X-Yotpo-Token") != m.token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid token"}`)
		return
	}

	// An unseeded store behaves like the real API: 400 with the
	// "no results found" sentinel body.
	if len(pages) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"No results found"}`)
		return
	}

	index := 0
	if cursor := r.URL.Query().Get("page_info"); cursor != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(cursor, "p"))
		if err != nil || n < 1 || n >= len(pages) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"message":"invalid page_info"}`)
			return
		}
		index = n
	}

	next := ""
	if index+1 < len(pages) {
		next = fmt.Sprintf("p%d", index+1)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"customers":[%s],"pagination":{"next_page_info":%q}}`,
		strings.Join(pages[index], ","), next)
}

// TDRow mirrors the destination table schema of one imported record.
type TDRow struct {
	JSONResponse string `msgpack:"json_response"`
	Time         int64  `msgpack:"time"`
}

// TDImport is one import request accepted by MockTD.
type TDImport struct {
	Database string
	Table    string
	UniqueID string
	Rows     []TDRow
}

// MockTD is a configurable mock of Treasure Data's streaming-import
// endpoint. It decodes each msgpack.gz payload and echoes its md5 digest
// the way the real endpoint does.
type MockTD struct {
	server *httptest.Server

	mu       sync.RWMutex
	imports  []TDImport
	failures []int

	// Tracking
	RequestCount int
}

// NewMockTD creates a mock import server.
func NewMockTD() *MockTD {
	mock := &MockTD{}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		var failStatus int
		if len(mock.failures) > 0 {
			failStatus = mock.failures[0]
			mock.failures = mock.failures[1:]
		}
		mock.mu.Unlock()

		if failStatus != 0 {
			w.WriteHeader(failStatus)
			fmt.Fprint(w, `{"error":"injected failure"}`)
			return
		}

		// Expected: /v3/table/import_with_id/{db}/{table}/{unique_id}/msgpack.gz
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if r.Method != http.MethodPut || len(parts) != 7 || parts[2] != "import_with_id" || parts[6] != "msgpack.gz" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"error":"no route for %s %s"}`, r.Method, r.URL.Path)
			return
		}

		if !strings.HasPrefix(r.Header.Get("Authorization"), "TD1 ") {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"missing TD1 apikey"}`)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		rows, err := decodeRows(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `{"error":"bad payload: %s"}`, err)
			return
		}

		mock.mu.Lock()
		mock.imports = append(mock.imports, TDImport{
			Database: parts[3],
			Table:    parts[4],
			UniqueID: parts[5],
			Rows:     rows,
		})
		mock.mu.Unlock()

		sum := md5.Sum(body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"md5_hex":%q,"elapsed_time":0.1}`, hex.EncodeToString(sum[:]))
	}))

	return mock
}

// URL returns the mock server base URL.
func (m *MockTD) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockTD) Close() {
	m.server.Close()
}

// QueueFailure makes the next import request return the given status (once).
func (m *MockTD) QueueFailure(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, status)
}

// Imports returns a copy of every accepted import in arrival order.
func (m *MockTD) Imports() []TDImport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TDImport(nil), m.imports...)
}

// GetRequestCount returns the total number of requests served.
func (m *MockTD) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// RecordCount returns the total number of rows across accepted imports.
func (m *MockTD) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, imp := range m.imports {
		total += len(imp.Rows)
	}
	return total
}

func decodeRows(body []byte) ([]TDRow, error) {
	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("not gzip: %w", err)
	}
	dec := msgpack.NewDecoder(gz)
	var rows []TDRow
	for {
		var row TDRow
		if err := dec.Decode(&row); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("not a msgpack row stream: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
