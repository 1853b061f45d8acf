package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvalander/yotpo-ingest/internal/testutil"
	"github.com/nvalander/yotpo-ingest/pkg/config"
)

func seedCustomers(n int) []string {
	customers := make([]string, n)
	for i := range customers {
		customers[i] = fmt.Sprintf(`{"id":%d,"email":"user%d@example.com"}`, i, i)
	}
	return customers
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

// setCreds points the credential env vars at the mock store.
func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvStoreID, "store-1")
	t.Setenv(config.EnvClientSecret, "secret-1")
	t.Setenv(config.EnvTDAPIKey, "td-key")
	t.Setenv(config.EnvRedisURL, "")
}

func TestRun_DryRun(t *testing.T) {
	mock := testutil.NewMockYotpo("store-1", "secret-1")
	defer mock.Close()
	mock.Seed(seedCustomers(25), 10)

	setCreds(t)
	path := writeConfigFile(t, fmt.Sprintf(`
yotpo:
  base_url: %s
  rate: 500
pipeline:
  batch_size: 10
retry:
  max_attempts: 2
  base_delay_seconds: 0
`, mock.URL()))

	if code := run(path, true); code != 0 {
		t.Fatalf("run() = %d, want 0", code)
	}
	if mock.GetTokenCount() != 1 {
		t.Errorf("token handshakes = %d, want 1", mock.GetTokenCount())
	}
	if mock.GetPageCount() != 3 {
		t.Errorf("page requests = %d, want 3", mock.GetPageCount())
	}
	if mock.GetLastToken() != mock.Token() {
		t.Errorf("last page used token %q, want %q", mock.GetLastToken(), mock.Token())
	}
}

func TestRun_FullPipeline(t *testing.T) {
	mockYotpo := testutil.NewMockYotpo("store-1", "secret-1")
	defer mockYotpo.Close()
	mockYotpo.Seed(seedCustomers(25), 10)

	mockTD := testutil.NewMockTD()
	defer mockTD.Close()

	setCreds(t)
	path := writeConfigFile(t, fmt.Sprintf(`
yotpo:
  base_url: %s
  rate: 500
td:
  endpoint: %s
  database: raw_test
  table: customers_test
pipeline:
  batch_size: 10
retry:
  max_attempts: 2
  base_delay_seconds: 0
`, mockYotpo.URL(), mockTD.URL()))

	if code := run(path, false); code != 0 {
		t.Fatalf("run() = %d, want 0", code)
	}

	if got := mockTD.RecordCount(); got != 25 {
		t.Errorf("destination received %d records, want 25", got)
	}
	imports := mockTD.Imports()
	if len(imports) != 3 {
		t.Fatalf("destination received %d imports, want 3", len(imports))
	}
	ids := map[string]bool{}
	for _, imp := range imports {
		if imp.Database != "raw_test" || imp.Table != "customers_test" {
			t.Errorf("import landed in %s.%s, want raw_test.customers_test", imp.Database, imp.Table)
		}
		ids[imp.UniqueID] = true
	}
	if len(ids) != 3 {
		t.Errorf("unique ids = %d, want 3 distinct", len(ids))
	}
}

func TestRun_UploadFailureExitsNonZero(t *testing.T) {
	mockYotpo := testutil.NewMockYotpo("store-1", "secret-1")
	defer mockYotpo.Close()
	mockYotpo.Seed(seedCustomers(5), 5)

	mockTD := testutil.NewMockTD()
	defer mockTD.Close()
	// Both attempts of the single batch fail.
	mockTD.QueueFailure(http.StatusInternalServerError)
	mockTD.QueueFailure(http.StatusInternalServerError)

	setCreds(t)
	path := writeConfigFile(t, fmt.Sprintf(`
yotpo:
  base_url: %s
  rate: 500
td:
  endpoint: %s
pipeline:
  batch_size: 100
retry:
  max_attempts: 2
  base_delay_seconds: 0
`, mockYotpo.URL(), mockTD.URL()))

	if code := run(path, false); code != 1 {
		t.Fatalf("run() = %d, want 1 (a batch was lost)", code)
	}
	if got := mockTD.RecordCount(); got != 0 {
		t.Errorf("destination received %d records, want 0", got)
	}
}

func TestRun_AuthFailureExitsNonZero(t *testing.T) {
	mock := testutil.NewMockYotpo("store-1", "secret-1")
	defer mock.Close()
	mock.Seed(seedCustomers(5), 5)

	setCreds(t)
	t.Setenv(config.EnvClientSecret, "wrong-secret")
	path := writeConfigFile(t, fmt.Sprintf(`
yotpo:
  base_url: %s
  rate: 500
retry:
  max_attempts: 2
  base_delay_seconds: 0
`, mock.URL()))

	if code := run(path, true); code != 1 {
		t.Fatalf("run() = %d, want 1 (authentication failed)", code)
	}
	if mock.GetPageCount() != 0 {
		t.Errorf("page requests = %d, want 0 (failed before fetching)", mock.GetPageCount())
	}
}

func TestRun_BadConfigExitsNonZero(t *testing.T) {
	setCreds(t)
	if code := run(filepath.Join(t.TempDir(), "absent.yaml"), true); code != 1 {
		t.Fatalf("run() = %d, want 1 (missing config file)", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	promhttp.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	bodyStr := string(body)
	if !strings.Contains(bodyStr, "# HELP") || !strings.Contains(bodyStr, "# TYPE") {
		t.Error("Expected Prometheus format metrics output")
	}
	if !strings.Contains(bodyStr, "yotpo_ingest_pages_fetched_total") {
		t.Error("Expected metrics output to contain yotpo_ingest_pages_fetched_total")
	}
}
